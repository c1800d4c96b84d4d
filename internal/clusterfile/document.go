/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package clusterfile

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Document is a cluster configuration file parsed into a yaml node tree.
// Retaining the tree (instead of decoding into maps) preserves comments,
// key order, and per-scalar quoting when the document is written back out.
type Document struct {
	root *yaml.Node
}

// Load reads and parses the cluster file at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading cluster file: %w", err)
	}

	doc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing cluster file %s: %w", path, err)
	}

	return doc, nil
}

// Parse parses raw YAML into a Document.
func Parse(data []byte) (*Document, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("unmarshalling yaml: %w", err)
	}

	return &Document{root: &root}, nil
}

// Encode renders the document back to YAML bytes. An empty document encodes
// to empty bytes.
func (d *Document) Encode() ([]byte, error) {
	if d.root == nil || d.root.Kind == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d.root); err != nil {
		return nil, fmt.Errorf("encoding yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("closing encoder: %w", err)
	}

	return buf.Bytes(), nil
}

// Save writes the document to path, overwriting any existing content.
func (d *Document) Save(path string) error {
	data, err := d.Encode()
	if err != nil {
		return err
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing cluster file: %w", err)
	}

	return nil
}

// mapping returns the top-level mapping node, or nil when the document is
// empty or its root is not a mapping.
func (d *Document) mapping() *yaml.Node {
	if d.root == nil || d.root.Kind != yaml.DocumentNode || len(d.root.Content) == 0 {
		return nil
	}

	if n := d.root.Content[0]; n.Kind == yaml.MappingNode {
		return n
	}

	return nil
}

// lookup returns the value node for key within a mapping node, or nil when
// the key is absent.
func lookup(mapping *yaml.Node, key string) *yaml.Node {
	if mapping == nil || mapping.Kind != yaml.MappingNode {
		return nil
	}

	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}

	return nil
}
