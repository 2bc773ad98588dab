// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dsf

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/querydispatch/broker"
	"github.com/absmach/querydispatch/query"
	"github.com/google/uuid"
)

var (
	_ broker.Client   = (*Client)(nil)
	_ broker.Releaser = (*Client)(nil)
)

// Media types a DSF instance accepts as query definitions.
var supportedMediaTypes = map[query.MediaType]struct{}{
	query.MediaTypeCQL:             {},
	query.MediaTypeStructuredQuery: {},
}

type pendingQuery struct {
	localID     uint64
	definitions map[query.MediaType]string
}

// Client publishes feasibility queries to one DSF instance.
type Client struct {
	conn           *Connection
	organizationID string
	logger         *slog.Logger

	mu      sync.Mutex
	queries map[string]*pendingQuery // until published or released
}

// NewClient returns a broker client publishing through conn.
func NewClient(conn *Connection, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		conn:           conn,
		organizationID: cfg.OrganizationID,
		logger:         logger,
		queries:        make(map[string]*pendingQuery),
	}
}

// Type returns broker.DSF.
func (c *Client) Type() broker.Type {
	return broker.DSF
}

// CreateQuery allocates an external id for a local query.
func (c *Client) CreateQuery(_ context.Context, localQueryID uint64) (string, error) {
	externalID := uuid.NewString()

	c.mu.Lock()
	c.queries[externalID] = &pendingQuery{
		localID:     localQueryID,
		definitions: make(map[query.MediaType]string),
	}
	c.mu.Unlock()

	return externalID, nil
}

// AddQueryDefinition attaches a format to a created query.
func (c *Client) AddQueryDefinition(_ context.Context, externalID string, mediaType query.MediaType, body string) error {
	if _, ok := supportedMediaTypes[mediaType]; !ok {
		return fmt.Errorf("%w: %s", broker.ErrUnsupportedMediaType, mediaType)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queries[externalID]
	if !ok {
		return fmt.Errorf("%w: %s", broker.ErrQueryNotFound, externalID)
	}
	q.definitions[mediaType] = body

	return nil
}

// PublishQuery posts the query's task bundle to the DSF instance.
func (c *Client) PublishQuery(ctx context.Context, externalID string) error {
	c.mu.Lock()
	q, ok := c.queries[externalID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", broker.ErrQueryNotFound, externalID)
	}
	if len(q.definitions) == 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", broker.ErrQueryDefinitionNotFound, externalID)
	}
	definitions := make(map[query.MediaType]string, len(q.definitions))
	for mt, body := range q.definitions {
		definitions[mt] = body
	}
	c.mu.Unlock()

	bundle, err := c.taskBundle(externalID, definitions)
	if err != nil {
		return err
	}

	rc, err := c.conn.RequestClient()
	if err != nil {
		return fmt.Errorf("%w: %w", broker.ErrIO, err)
	}
	if _, err := rc.Transaction(ctx, bundle); err != nil {
		return fmt.Errorf("%w: %w", broker.ErrIO, err)
	}

	c.mu.Lock()
	delete(c.queries, externalID)
	c.mu.Unlock()

	c.logger.Info("published feasibility query",
		slog.String("external_id", externalID),
		slog.Uint64("query_id", q.localID),
		slog.Int("formats", len(definitions)))

	return nil
}

// ReleaseQuery drops the local slot of a query that will not be published.
func (c *Client) ReleaseQuery(externalID string) {
	c.mu.Lock()
	delete(c.queries, externalID)
	c.mu.Unlock()
}

func (c *Client) taskBundle(externalID string, definitions map[query.MediaType]string) (*Bundle, error) {
	libraryURL := "urn:uuid:" + uuid.NewString()
	measureURL := "urn:uuid:" + uuid.NewString()

	mediaTypes := make([]string, 0, len(definitions))
	for mt := range definitions {
		mediaTypes = append(mediaTypes, string(mt))
	}
	sort.Strings(mediaTypes)

	lib := library{
		ResourceType: "Library",
		URL:          libraryURL,
		Name:         "Retrieve",
		Status:       "active",
		Type: codeableConcept{Coding: []coding{{
			System: "http://terminology.hl7.org/CodeSystem/library-type",
			Code:   "logic-library",
		}}},
	}
	for _, mt := range mediaTypes {
		lib.Content = append(lib.Content, attachment{
			ContentType: mt,
			Data:        []byte(definitions[query.MediaType(mt)]),
		})
	}

	msr := measure{
		ResourceType: "Measure",
		URL:          measureURL,
		Status:       "active",
		Library:      []string{libraryURL},
		Scoring: codeableConcept{Coding: []coding{{
			System: "http://terminology.hl7.org/CodeSystem/measure-scoring",
			Code:   "cohort",
		}}},
		Group: []measureGroup{{
			Population: []measurePopulation{{
				Code: codeableConcept{Coding: []coding{{
					System: "http://terminology.hl7.org/CodeSystem/measure-population",
					Code:   "initial-population",
				}}},
				Criteria: expression{Language: "text/cql-identifier", Expression: "InInitialPopulation"},
			}},
		}},
	}

	org := &reference{
		Type:       "Organization",
		Identifier: &identifier{System: organizationIDSys, Value: c.organizationID},
	}
	t := task{
		ResourceType:          "Task",
		Meta:                  &meta{Profile: []string{feasibilityTaskProfile}},
		InstantiatesCanonical: feasibilityProcess,
		Status:                "requested",
		Intent:                "order",
		AuthoredOn:            time.Now().UTC().Format(time.RFC3339),
		Requester:             org,
		Restriction:           &taskRestrict{Recipient: []reference{*org}},
		Input: []taskParameter{
			{
				Type:        codeableConcept{Coding: []coding{{System: bpmnMessageSystem, Code: "message-name"}}},
				ValueString: feasibilityMessageName,
			},
			{
				Type:        codeableConcept{Coding: []coding{{System: bpmnMessageSystem, Code: "business-key"}}},
				ValueString: externalID,
			},
			{
				Type:           codeableConcept{Coding: []coding{{System: feasibilitySystem, Code: "measure-reference"}}},
				ValueReference: &reference{Reference: measureURL},
			},
		},
	}

	resources := []struct {
		fullURL string
		kind    string
		value   any
	}{
		{libraryURL, "Library", lib},
		{measureURL, "Measure", msr},
		{"urn:uuid:" + uuid.NewString(), "Task", t},
	}

	bundle := &Bundle{ResourceType: "Bundle", Type: "transaction"}
	for i, r := range resources {
		raw, err := json.Marshal(r.value)
		if err != nil {
			return nil, fmt.Errorf("marshal bundle entry %d: %w", i, err)
		}
		bundle.Entry = append(bundle.Entry, BundleEntry{
			FullURL:  r.fullURL,
			Resource: raw,
			Request:  &bundleRequest{Method: "POST", URL: r.kind},
		})
	}

	return bundle, nil
}
