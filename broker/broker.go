// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker defines the capabilities the dispatcher needs from a
// partner site's query-receiving endpoint.
package broker

import (
	"context"
	"errors"

	"github.com/absmach/querydispatch/query"
)

// Type tags a broker family.
type Type string

// Broker families.
const (
	DSF  Type = "DSF"
	Mock Type = "MOCK"
)

// Broker-level errors. None of them is fatal to a dispatch: a dispatcher
// treats each as "this broker failed".
var (
	ErrUnsupportedMediaType    = errors.New("unsupported media type")
	ErrQueryNotFound           = errors.New("query not found")
	ErrQueryDefinitionNotFound = errors.New("query definition not found")
	ErrIO                      = errors.New("broker i/o error")
)

// Client is implemented once per broker family.
type Client interface {
	// CreateQuery reserves a remote query slot for the local query and
	// returns the broker's identifier for it.
	CreateQuery(ctx context.Context, localQueryID uint64) (string, error)

	// AddQueryDefinition attaches one serialized format to the remote query.
	AddQueryDefinition(ctx context.Context, externalID string, mediaType query.MediaType, body string) error

	// PublishQuery makes the remote query visible to the partner site.
	PublishQuery(ctx context.Context, externalID string) error

	// Type returns the broker family.
	Type() Type
}

// Releaser is implemented by clients that hold local state for created
// queries. A dispatcher abandoning a query after CreateQuery releases it.
type Releaser interface {
	ReleaseQuery(externalID string)
}

// Recoverable reports whether err belongs to the broker error taxonomy.
func Recoverable(err error) bool {
	return errors.Is(err, ErrUnsupportedMediaType) ||
		errors.Is(err, ErrQueryNotFound) ||
		errors.Is(err, ErrQueryDefinitionNotFound) ||
		errors.Is(err, ErrIO)
}
