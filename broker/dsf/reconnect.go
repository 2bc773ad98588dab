// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dsf

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"
)

var (
	// ErrChannelLifecycle is returned when recovery runs without a channel.
	ErrChannelLifecycle = errors.New("expected notification channel to be set")

	// ErrReconnectExhausted is returned when the policy's attempt cap is hit.
	ErrReconnectExhausted = errors.New("notification channel recovery attempts exhausted")
)

type reconnectable interface {
	Connect(ctx context.Context) error
}

// channelCell is the connection's shared handle to its current channel.
type channelCell struct {
	mu sync.RWMutex
	ch reconnectable
}

func (c *channelCell) load() reconnectable {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ch
}

func (c *channelCell) store(ch reconnectable) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ch = ch
}

func (p ReconnectPolicy) limiter() *rate.Limiter {
	if p.Interval <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(p.Interval), 1)
}

// newReconnector returns the recovery loop for the channel held by cell. It
// reads the cell on every attempt and returns once a reconnect succeeds.
func newReconnector(cell *channelCell, policy ReconnectPolicy, logger *slog.Logger) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		limiter := policy.limiter()

		for attempt := 1; ; attempt++ {
			ch := cell.load()
			if ch == nil {
				logger.Error("expected notification channel to be set")
				return ErrChannelLifecycle
			}
			if policy.MaxAttempts > 0 && attempt > policy.MaxAttempts {
				logger.Error("giving up notification channel recovery",
					slog.Int("attempts", policy.MaxAttempts))
				return ErrReconnectExhausted
			}
			if err := limiter.Wait(ctx); err != nil {
				return err
			}

			logger.Info("recovering notification channel", slog.Int("attempt", attempt))
			if err := ch.Connect(ctx); err != nil {
				if errors.Is(err, ErrChannelClosed) {
					return err
				}
				logger.Error("notification channel recovery attempt failed",
					slog.Int("attempt", attempt),
					slog.String("error", err.Error()))
				continue
			}

			logger.Info("notification channel recovered", slog.Int("attempt", attempt))
			return nil
		}
	}
}
