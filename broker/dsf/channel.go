// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dsf

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrChannelClosed is returned when connecting a closed channel.
var ErrChannelClosed = errors.New("notification channel closed")

// Notification is a completed-task event pushed by the broker.
type Notification struct {
	TaskID      string
	Status      string
	BusinessKey string
}

// NotificationHandler receives pushed notifications.
type NotificationHandler func(n Notification)

// Channel is the websocket a DSF instance pushes subscription events on.
// The socket is bound to a subscription by sending "bind <id>" after the
// handshake.
type Channel struct {
	url            string
	subscriptionID string
	dialer         *websocket.Dialer
	handler        NotificationHandler
	logger         *slog.Logger

	// onDrop runs on the read goroutine after an unexpected disconnect.
	onDrop func()

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func newChannel(wsURL, subscriptionID string, dialer *websocket.Dialer, handler NotificationHandler, logger *slog.Logger) *Channel {
	return &Channel{
		url:            wsURL,
		subscriptionID: subscriptionID,
		dialer:         dialer,
		handler:        handler,
		logger:         logger,
	}
}

// SubscriptionID returns the id of the remote subscription.
func (ch *Channel) SubscriptionID() string {
	return ch.subscriptionID
}

// Connected reports whether the socket is currently open.
func (ch *Channel) Connected() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.conn != nil
}

// Connect opens the socket and binds it to the subscription. Connecting an
// open channel is a no-op.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.closed {
		return ErrChannelClosed
	}
	if ch.conn != nil {
		return nil
	}

	conn, resp, err := ch.dialer.DialContext(ctx, ch.url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %s: %w", ch.url, resp.Status, err)
		}
		return fmt.Errorf("dial %s: %w", ch.url, err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("bind "+ch.subscriptionID)); err != nil {
		conn.Close()
		return fmt.Errorf("bind subscription %s: %w", ch.subscriptionID, err)
	}

	ch.conn = conn
	go ch.readLoop(conn)

	ch.logger.Info("notification channel connected",
		slog.String("url", ch.url),
		slog.String("subscription_id", ch.subscriptionID))

	return nil
}

// Close closes the socket without triggering recovery.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	conn := ch.conn
	ch.conn = nil
	ch.closed = true
	ch.mu.Unlock()

	if conn == nil {
		return nil
	}

	deadline := time.Now().Add(time.Second)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return conn.Close()
}

func (ch *Channel) readLoop(conn *websocket.Conn) {
	var readErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		ch.handleFrame(data)
	}

	ch.mu.Lock()
	current := ch.conn == conn
	if current {
		ch.conn = nil
	}
	closed := ch.closed
	ch.mu.Unlock()
	conn.Close()

	if closed || !current {
		return
	}

	ch.logger.Warn("notification channel dropped",
		slog.String("subscription_id", ch.subscriptionID),
		slog.String("error", readErr.Error()))

	if ch.onDrop != nil {
		ch.onDrop()
	}
}

func (ch *Channel) handleFrame(data []byte) {
	text := bytes.TrimSpace(data)
	switch {
	case bytes.HasPrefix(text, []byte("bound ")):
		ch.logger.Debug("notification channel bound", slog.String("subscription_id", ch.subscriptionID))
		return
	case bytes.HasPrefix(text, []byte("ping ")):
		return
	}

	var t task
	if err := json.Unmarshal(text, &t); err != nil || t.ResourceType != "Task" {
		ch.logger.Warn("ignoring unexpected notification frame",
			slog.String("subscription_id", ch.subscriptionID),
			slog.Int("size", len(text)))
		return
	}

	if ch.handler != nil {
		ch.handler(Notification{
			TaskID:      t.ID,
			Status:      t.Status,
			BusinessKey: t.businessKey(),
		})
	}
}
