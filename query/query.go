// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package query defines the logical feasibility query, its canonical wire
// form and the boundary to the translators that turn it into broker formats.
package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MediaType tags a serialized query format.
type MediaType string

// Known media types.
const (
	MediaTypeStructuredQuery MediaType = "application/sq+json"
	MediaTypeCQL             MediaType = "text/cql"
)

var (
	// ErrNilQuery is returned when a nil query is serialized.
	ErrNilQuery = errors.New("query is nil")

	// ErrMalformed is returned when a serialized body does not decode into a Query.
	ErrMalformed = errors.New("malformed query body")
)

// TermCode identifies a concept in a terminology system.
type TermCode struct {
	Code    string `json:"code"`
	System  string `json:"system"`
	Version string `json:"version,omitempty"`
	Display string `json:"display,omitempty"`
}

// TimeRestriction limits a criterion to a date window.
type TimeRestriction struct {
	AfterDate  string `json:"afterDate,omitempty"`
	BeforeDate string `json:"beforeDate,omitempty"`
}

// Criterion is a single selection criterion. Filters are kept as generic
// JSON objects since their grammar belongs to the translators.
type Criterion struct {
	Context          *TermCode        `json:"context,omitempty"`
	TermCodes        []TermCode       `json:"termCodes,omitempty"`
	ValueFilter      map[string]any   `json:"valueFilter,omitempty"`
	AttributeFilters []map[string]any `json:"attributeFilters,omitempty"`
	TimeRestriction  *TimeRestriction `json:"timeRestriction,omitempty"`
}

// Query is a structured cohort-feasibility query. Inclusion criteria are in
// conjunctive normal form, exclusion criteria in disjunctive normal form.
type Query struct {
	Version           string        `json:"version,omitempty"`
	Display           string        `json:"display,omitempty"`
	InclusionCriteria [][]Criterion `json:"inclusionCriteria,omitempty"`
	ExclusionCriteria [][]Criterion `json:"exclusionCriteria,omitempty"`
}

// Marshal returns the canonical serialization of q. Struct fields are emitted
// in declaration order and map keys sorted, so equal queries always produce
// equal bytes.
func Marshal(q *Query) (string, error) {
	if q == nil {
		return "", ErrNilQuery
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(q); err != nil {
		return "", fmt.Errorf("failed to marshal query: %w", err)
	}

	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// Unmarshal decodes a canonical body back into a Query. Unknown fields and
// trailing data are rejected.
func Unmarshal(body string) (*Query, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	dec.DisallowUnknownFields()

	var q Query
	if err := dec.Decode(&q); err != nil {
		return nil, errors.Join(ErrMalformed, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data after query", ErrMalformed)
	}

	return &q, nil
}
