// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dsf

import (
	"time"

	pkgtls "github.com/absmach/querydispatch/pkg/tls"
)

// Config holds the settings of one DSF broker connection.
type Config struct {
	BaseURL        string        `yaml:"base_url"`
	WebsocketURL   string        `yaml:"websocket_url"`
	OrganizationID string        `yaml:"organization_id"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	LogRequests    bool          `yaml:"log_requests"`

	TLS       pkgtls.Config   `yaml:",inline"`
	Reconnect ReconnectPolicy `yaml:"reconnect"`
}

// ReconnectPolicy paces notification channel recovery. The zero value
// retries immediately and forever.
type ReconnectPolicy struct {
	// MaxAttempts caps recovery attempts per drop; 0 means unbounded.
	MaxAttempts int `yaml:"max_attempts"`
	// Interval is the minimum spacing between attempts; 0 means none.
	Interval time.Duration `yaml:"interval"`
}
