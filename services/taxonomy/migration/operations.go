// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package migration applies typed operations to a version's row set.
//
// A new version is built by copying every node and edge of the previous
// version forward (Executor.CopyForward) and then applying operations to the copy
// (Executor.Apply). Operations never touch the rows of the source version.
package migration

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/AleutianAI/taxonomy/services/taxonomy/store"
	"github.com/go-playground/validator/v10"
)

const (
	// MaxOperations bounds the number of operations in one migration.
	MaxOperations = 1000
)

var opValidate *validator.Validate

func init() {
	opValidate = validator.New()
	if err := opValidate.RegisterValidation("label", validateLabel); err != nil {
		panic(fmt.Sprintf("register label validation: %v", err))
	}
}

// validateLabel rejects blank labels, invalid UTF-8 and NUL bytes. NUL is
// reserved as the canonical path key separator.
func validateLabel(fl validator.FieldLevel) bool {
	s := fl.Field().String()
	return strings.TrimSpace(s) != "" && utf8.ValidString(s) && !strings.ContainsRune(s, 0)
}

// createNodeInput is the validated shape of a CREATE_NODE operation.
type createNodeInput struct {
	Name        string            `validate:"required,label,max=256"`
	Description string            `validate:"max=4096"`
	Metadata    map[string]string `validate:"omitempty,dive,keys,required,max=128,endkeys,max=1024"`
}

// moveNodeInput is the validated shape of a MOVE_NODE operation.
type moveNodeInput struct {
	NodeID uint64 `validate:"required,gt=0"`
	Reason string `validate:"max=1024"`
}

// CreateNode builds a CREATE_NODE operation. A nil parent creates a root.
func CreateNode(name string, parent *store.NodeID, description string, metadata map[string]string) store.Operation {
	return store.Operation{
		Type:        store.OpCreateNode,
		Name:        name,
		ParentID:    parent,
		Description: description,
		Metadata:    metadata,
	}
}

// MoveNode builds a MOVE_NODE operation. A nil parent detaches the node to a root.
func MoveNode(id store.NodeID, newParent *store.NodeID, reason string) store.Operation {
	return store.Operation{
		Type:     store.OpMoveNode,
		NodeID:   id,
		ParentID: newParent,
		Reason:   reason,
	}
}

// ValidateOperations checks the shape of every operation without touching
// storage.
//
// # Outputs
//
//   - []string: one message per problem, prefixed with the operation index.
//     Empty when every operation is well formed.
func ValidateOperations(ops []store.Operation) []string {
	var problems []string
	if len(ops) == 0 {
		return []string{"migration has no operations"}
	}
	if len(ops) > MaxOperations {
		problems = append(problems, fmt.Sprintf("migration has %d operations, limit is %d", len(ops), MaxOperations))
	}

	for i, op := range ops {
		var err error
		switch op.Type {
		case store.OpCreateNode:
			err = opValidate.Struct(createNodeInput{
				Name:        op.Name,
				Description: op.Description,
				Metadata:    op.Metadata,
			})
		case store.OpMoveNode:
			err = opValidate.Struct(moveNodeInput{NodeID: uint64(op.NodeID), Reason: op.Reason})
		default:
			problems = append(problems, fmt.Sprintf("operation %d: unknown type %q", i, op.Type))
			continue
		}
		if err == nil {
			continue
		}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("operation %d (%s): field %s failed %q",
					i, op.Type, fe.Field(), fe.Tag()))
			}
			continue
		}
		problems = append(problems, fmt.Sprintf("operation %d (%s): %v", i, op.Type, err))
	}
	return problems
}

// Referenced returns the node ids an operation requires to exist before it is
// applied: the moved node and any parent.
func Referenced(op store.Operation) []store.NodeID {
	var ids []store.NodeID
	if op.Type == store.OpMoveNode {
		ids = append(ids, op.NodeID)
	}
	if op.ParentID != nil {
		ids = append(ids, *op.ParentID)
	}
	return ids
}
