// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taxerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind_String(t *testing.T) {
	tests := []struct {
		kind Kind
		want string
	}{
		{KindStorage, "StorageError"},
		{KindValidationFailed, "ValidationFailed"},
		{KindCycleDetected, "CycleDetected"},
		{KindInvalidTarget, "InvalidTarget"},
		{KindNotFound, "NotFound"},
		{Kind(42), "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.kind.String())
		})
	}
}

func TestError_IsMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", Cycle("move_node", "Move would create cycle in taxonomy"))

	assert.True(t, errors.Is(err, ErrCycleDetected))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindCycleDetected, KindOf(err))
}

func TestValidation_CarriesDetails(t *testing.T) {
	err := Validation("create_version", []string{"duplicate canonical path: Root/AI"})

	assert.True(t, errors.Is(err, ErrValidationFailed))
	assert.Contains(t, err.Error(), "duplicate canonical path: Root/AI")
	assert.Contains(t, err.Error(), "create_version: ")
}

func TestStorage(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.NoError(t, Storage("op", nil))
	})

	t.Run("plain error becomes storage", func(t *testing.T) {
		cause := errors.New("disk full")
		err := Storage("rollback_to_version", cause)
		assert.True(t, errors.Is(err, ErrStorage))
		assert.True(t, errors.Is(err, cause))
	})

	t.Run("classified error is preserved", func(t *testing.T) {
		inner := NotFound("move_node", "node %d not found", 7)
		err := Storage("create_version", fmt.Errorf("apply: %w", inner))
		assert.Equal(t, KindNotFound, KindOf(err))
		assert.Equal(t, "move_node: node 7 not found", err.Error())
	})
}

func TestKindOf_Unclassified(t *testing.T) {
	assert.Equal(t, KindStorage, KindOf(errors.New("boom")))
}
