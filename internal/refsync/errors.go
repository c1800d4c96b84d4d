/*
Copyright 2025 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package refsync

import (
	"errors"
	"fmt"
	"strings"
)

// ErrRefNotFound reports that a branch does not exist on the remote.
var ErrRefNotFound = errors.New("remote ref not found")

// ErrLocalOutOfDate reports that a pre-existing local branch holds commits
// its remote counterpart does not. The working copy was tampered with or a
// previous run died between commit and push; either way the run cannot
// safely continue.
var ErrLocalOutOfDate = errors.New("local branch has diverged from its remote counterpart")

// MergeConflictError reports that the base branch and the update branch
// changed the same paths in incompatible ways. The merge is never retried;
// a human has to resolve the conflict.
type MergeConflictError struct {
	Base   string
	Update string
	Paths  []string
}

func (e *MergeConflictError) Error() string {
	if len(e.Paths) == 0 {
		return fmt.Sprintf("merging %s into %s: histories are unrelated", e.Base, e.Update)
	}
	return fmt.Sprintf("merging %s into %s: conflicting changes to %s", e.Base, e.Update, strings.Join(e.Paths, ", "))
}
