/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

// Package clusterfile reads, mutates, and writes the shared cluster
// configuration YAML. Documents are kept as parsed node trees rather than
// plain maps so that comments, key order, and scalar quoting styles survive
// a load, mutate, save cycle byte-for-byte on untouched lines.
//
// A Mutator applies a Plan, the closed set of image fields an update run is
// allowed to rewrite. Fields absent from the document are never created, and
// fields already holding the target value are left alone, which makes Apply
// safe to run any number of times:
//
//	doc, err := clusterfile.Load("clusters/cluster.yml")
//	if err != nil { ... }
//	result := clusterfile.NewMutator(clusterfile.DefaultPlan()).Apply(doc, amiID)
//	if result.Changed() {
//		err = doc.Save("clusters/cluster.yml")
//	}
package clusterfile
