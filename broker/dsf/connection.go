// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dsf connects to Data Sharing Framework brokers: a FHIR REST client
// for publishing queries and a websocket subscription channel for task
// completion events, both over mutual TLS.
package dsf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	pkgtls "github.com/absmach/querydispatch/pkg/tls"
	"github.com/gorilla/websocket"
)

const (
	subscriptionCriteria = "Task?status=completed"
	subscriptionReason   = "Waiting for query results"
	subscriptionChanType = "websocket"
)

var (
	// ErrProvision wraps failures to provision the security context of a connection.
	ErrProvision = errors.New("failed to provision broker connection")

	// ErrSubscriptionAmbiguous is returned when more than one remote
	// subscription matches the notification filter.
	ErrSubscriptionAmbiguous = errors.New("ambiguous notification subscription")

	errNoSecurityContext = errors.New("security context is nil")
	errNoSubscriptionID  = errors.New("created subscription has no id")
)

// SecurityContextProvider supplies the mutual-TLS material of a connection.
type SecurityContextProvider interface {
	Provide() (*pkgtls.SecurityContext, error)
}

// Connection owns the request client, notification channel and recovery
// loop of one DSF instance.
type Connection struct {
	cfg      Config
	security SecurityContextProvider
	handler  NotificationHandler
	logger   *slog.Logger

	state     *stateManager
	cell      *channelCell
	reconnect func(ctx context.Context) error

	mu      sync.Mutex // serializes channel provisioning
	channel *Channel

	transportMu sync.Mutex
	transport   *http.Transport

	ctx    context.Context
	cancel context.CancelFunc
}

// NewConnection creates an unprovisioned connection. Nothing is read or
// dialed until a client or channel is requested.
func NewConnection(cfg Config, security SecurityContextProvider, handler NotificationHandler, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("broker", cfg.BaseURL))

	ctx, cancel := context.WithCancel(context.Background())
	cell := &channelCell{}

	return &Connection{
		cfg:       cfg,
		security:  security,
		handler:   handler,
		logger:    logger,
		state:     newStateManager(),
		cell:      cell,
		reconnect: newReconnector(cell, cfg.Reconnect, logger),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return c.state.get()
}

// RequestClient returns a FHIR REST client for the broker. The client may be
// rebuilt on every call; the security context and the transport underneath
// are built once.
func (c *Connection) RequestClient() (*RequestClient, error) {
	sc, err := c.securityContext()
	if err != nil {
		return nil, err
	}

	rc, err := newRequestClient(c.cfg, c.httpTransport(sc), c.logger)
	if err != nil {
		return nil, err
	}
	c.state.transition(StateProvisioned, StateRequestClientReady)

	return rc, nil
}

// NotificationChannel resolves the remote subscription, opens the websocket
// bound to it and installs the recovery loop. An open channel is reused.
func (c *Connection) NotificationChannel(ctx context.Context) (*Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != nil {
		if err := c.reopen(ctx); err != nil {
			return nil, err
		}
		return c.channel, nil
	}

	rc, err := c.RequestClient()
	if err != nil {
		return nil, err
	}
	sc, err := c.securityContext()
	if err != nil {
		return nil, err
	}

	subscriptionID, err := c.resolveSubscription(ctx, rc)
	if err != nil {
		return nil, err
	}
	c.state.transitionFrom(StateSubscriptionResolved, StateProvisioned, StateRequestClientReady)

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  sc.ClientTLSConfig(),
		HandshakeTimeout: c.cfg.ConnectTimeout,
	}
	ch := newChannel(c.cfg.WebsocketURL, subscriptionID, dialer, c.handler, c.logger)
	ch.onDrop = c.recover

	c.cell.store(ch)
	if err := ch.Connect(ctx); err != nil {
		c.cell.store(nil)
		return nil, err
	}
	c.channel = ch
	c.state.set(StateChannelOpen)

	return ch, nil
}

// reopen dials the existing channel again once recovery has given up on it.
func (c *Connection) reopen(ctx context.Context) error {
	if c.channel.Connected() {
		return nil
	}

	c.logger.Info("reopening notification channel",
		slog.String("subscription_id", c.channel.SubscriptionID()))
	if err := c.channel.Connect(ctx); err != nil {
		return err
	}
	c.state.transitionFrom(StateChannelOpen, StateDisconnected, StateReconnecting)

	return nil
}

// Close stops recovery, closes the notification channel and releases idle
// REST connections.
func (c *Connection) Close() error {
	c.cancel()
	c.state.set(StateClosed)

	c.transportMu.Lock()
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	c.transportMu.Unlock()

	c.mu.Lock()
	ch := c.channel
	c.mu.Unlock()

	if ch == nil {
		return nil
	}
	return ch.Close()
}

func (c *Connection) securityContext() (*pkgtls.SecurityContext, error) {
	sc, err := c.security.Provide()
	if err == nil && sc == nil {
		err = errNoSecurityContext
	}
	if err != nil {
		c.state.set(StateProvisionFailed)
		c.logger.Error("failed to provision security context", slog.String("error", err.Error()))
		return nil, errors.Join(ErrProvision, err)
	}

	c.state.transitionFrom(StateProvisioned, StateUnprovisioned, StateProvisionFailed)
	return sc, nil
}

func (c *Connection) httpTransport(sc *pkgtls.SecurityContext) *http.Transport {
	c.transportMu.Lock()
	defer c.transportMu.Unlock()

	if c.transport == nil {
		c.transport = newTransport(c.cfg, sc)
	}
	return c.transport
}

// resolveSubscription finds the notification subscription, creating it when
// none exists.
func (c *Connection) resolveSubscription(ctx context.Context, rc *RequestClient) (string, error) {
	params := url.Values{
		"criteria": []string{subscriptionCriteria},
		"status":   []string{"active"},
		"type":     []string{subscriptionChanType},
		"payload":  []string{fhirJSON},
	}

	bundle, err := rc.Search(ctx, "Subscription", params)
	if err != nil {
		return "", fmt.Errorf("search subscriptions: %w", err)
	}

	var ids []string
	for _, e := range bundle.Entry {
		var h resourceHeader
		if err := json.Unmarshal(e.Resource, &h); err != nil || h.ResourceType != "Subscription" {
			continue
		}
		ids = append(ids, h.ID)
	}

	switch len(ids) {
	case 0:
		return c.createSubscription(ctx, rc)
	case 1:
		c.logger.Info("using existing notification subscription", slog.String("subscription_id", ids[0]))
		return ids[0], nil
	default:
		c.state.set(StateSubscriptionAmbiguous)
		c.logger.Error("more than one notification subscription matches",
			slog.Int("matches", len(ids)))
		return "", fmt.Errorf("%w: %d subscriptions match %s", ErrSubscriptionAmbiguous, len(ids), subscriptionCriteria)
	}
}

func (c *Connection) createSubscription(ctx context.Context, rc *RequestClient) (string, error) {
	sub := Subscription{
		ResourceType: "Subscription",
		Meta: &meta{
			Tag: []coding{{System: readAccessTagSystem, Code: "ALL"}},
		},
		Status:   "active",
		Reason:   subscriptionReason,
		Criteria: subscriptionCriteria,
		Channel: subscriptionChannel{
			Type:    subscriptionChanType,
			Payload: fhirJSON,
		},
	}

	var created Subscription
	if err := rc.Create(ctx, "Subscription", sub, &created); err != nil {
		return "", fmt.Errorf("create subscription: %w", err)
	}
	if created.ID == "" {
		return "", errNoSubscriptionID
	}

	c.logger.Info("created notification subscription", slog.String("subscription_id", created.ID))
	return created.ID, nil
}

// recover runs on the dropped channel's read goroutine.
func (c *Connection) recover() {
	if !c.state.transition(StateChannelOpen, StateDisconnected) {
		return
	}
	if !c.state.transition(StateDisconnected, StateReconnecting) {
		return
	}

	if err := c.reconnect(c.ctx); err != nil {
		c.state.transition(StateReconnecting, StateDisconnected)
		c.logger.Error("notification channel recovery stopped", slog.String("error", err.Error()))
		return
	}
	c.state.transition(StateReconnecting, StateChannelOpen)
}
