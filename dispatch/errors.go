// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dispatch

import (
	"errors"
	"fmt"
)

// Dispatch error kinds. Match them with errors.Is.
var (
	ErrNotFound          = errors.New("not found")
	ErrCorruptContent    = errors.New("corrupt content")
	ErrTranslationFailed = errors.New("translation failed")
	ErrAllBrokersFailed  = errors.New("all brokers failed")
	ErrSerialization     = errors.New("serialization failed")
	ErrPersistence       = errors.New("persistence failed")
	ErrClosed            = errors.New("dispatcher closed")
)

// Error is returned by every dispatcher operation.
type Error struct {
	Op      string // enqueue, dispatch
	QueryID uint64
	Err     error
}

func (e *Error) Error() string {
	if e.QueryID == 0 {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s query %d: %v", e.Op, e.QueryID, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, queryID uint64, kind, cause error) *Error {
	err := kind
	if cause != nil {
		err = fmt.Errorf("%w: %w", kind, cause)
	}
	return &Error{Op: op, QueryID: queryID, Err: err}
}
