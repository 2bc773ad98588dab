// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dsf

import (
	"context"
	"errors"
	"testing"
	"time"

	pkgtls "github.com/absmach/querydispatch/pkg/tls"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	sc  *pkgtls.SecurityContext
	err error
}

func (p stubProvider) Provide() (*pkgtls.SecurityContext, error) {
	return p.sc, p.err
}

func waitBind(t *testing.T, f *fakeDSF) string {
	t.Helper()
	select {
	case id := <-f.binds:
		return id
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for bind")
		return ""
	}
}

func TestConnection_CreatesSubscriptionWhenNoneExists(t *testing.T) {
	f := newFakeDSF(t)
	conn := NewConnection(f.config(), f.provider(), nil, discardLogger())
	defer conn.Close()

	assert.Equal(t, StateUnprovisioned, conn.State())

	ch, err := conn.NotificationChannel(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "sub-1", ch.SubscriptionID())
	assert.Equal(t, int32(1), f.creates.Load())
	assert.Equal(t, "sub-1", waitBind(t, f))
	assert.Equal(t, StateChannelOpen, conn.State())
	assert.True(t, ch.Connected())
}

func TestConnection_ReusesSingleSubscription(t *testing.T) {
	f := newFakeDSF(t, "existing")
	conn := NewConnection(f.config(), f.provider(), nil, discardLogger())
	defer conn.Close()

	ch, err := conn.NotificationChannel(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "existing", ch.SubscriptionID())
	assert.Zero(t, f.creates.Load())
	assert.Equal(t, "existing", waitBind(t, f))

	again, err := conn.NotificationChannel(context.Background())
	require.NoError(t, err)
	assert.Same(t, ch, again)
	assert.Equal(t, int32(1), f.searches.Load())
}

func TestConnection_AmbiguousSubscription(t *testing.T) {
	f := newFakeDSF(t, "a", "b")
	conn := NewConnection(f.config(), f.provider(), nil, discardLogger())
	defer conn.Close()

	ch, err := conn.NotificationChannel(context.Background())
	assert.Nil(t, ch)
	assert.ErrorIs(t, err, ErrSubscriptionAmbiguous)
	assert.Zero(t, f.creates.Load())
	assert.Equal(t, StateSubscriptionAmbiguous, conn.State())
	assert.True(t, conn.State().Terminal())
}

func TestConnection_ProvisionFailure(t *testing.T) {
	cause := errors.New("keystore unreadable")
	conn := NewConnection(Config{BaseURL: "https://127.0.0.1:1/fhir"}, stubProvider{err: cause}, nil, discardLogger())
	defer conn.Close()

	rc, err := conn.RequestClient()
	assert.Nil(t, rc)
	assert.ErrorIs(t, err, ErrProvision)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, StateProvisionFailed, conn.State())

	_, err = conn.NotificationChannel(context.Background())
	assert.ErrorIs(t, err, ErrProvision)
}

func TestConnection_NilSecurityContext(t *testing.T) {
	conn := NewConnection(Config{}, stubProvider{}, nil, discardLogger())

	_, err := conn.RequestClient()
	assert.ErrorIs(t, err, ErrProvision)
	assert.Equal(t, StateProvisionFailed, conn.State())
}

func TestConnection_BadKeyMaterial(t *testing.T) {
	f := newFakeDSF(t)
	f.certs.WriteKey(t)

	conn := NewConnection(f.config(), f.provider(), nil, discardLogger())
	_, err := conn.RequestClient()
	assert.ErrorIs(t, err, ErrProvision)
	assert.ErrorIs(t, err, pkgtls.ErrSecurityProvision)
}

func TestConnection_RequestClientAdvancesState(t *testing.T) {
	f := newFakeDSF(t)
	conn := NewConnection(f.config(), f.provider(), nil, discardLogger())

	_, err := conn.RequestClient()
	require.NoError(t, err)
	assert.Equal(t, StateRequestClientReady, conn.State())
}

func TestConnection_DeliversNotifications(t *testing.T) {
	f := newFakeDSF(t, "sub")
	got := make(chan Notification, 1)
	conn := NewConnection(f.config(), f.provider(), func(n Notification) { got <- n }, discardLogger())
	defer conn.Close()

	_, err := conn.NotificationChannel(context.Background())
	require.NoError(t, err)
	waitBind(t, f)

	require.NoError(t, f.push("ping sub"))
	require.NoError(t, f.push(`{
		"resourceType": "Task",
		"id": "task-1",
		"status": "completed",
		"input": [{
			"type": {"coding": [{"system": "`+bpmnMessageSystem+`", "code": "business-key"}]},
			"valueString": "ext-1"
		}]
	}`))

	select {
	case n := <-got:
		assert.Equal(t, Notification{TaskID: "task-1", Status: "completed", BusinessKey: "ext-1"}, n)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestConnection_ReconnectsAfterDrop(t *testing.T) {
	f := newFakeDSF(t, "sub")
	conn := NewConnection(f.config(), f.provider(), nil, discardLogger())
	defer conn.Close()

	ch, err := conn.NotificationChannel(context.Background())
	require.NoError(t, err)
	waitBind(t, f)

	f.dropAll()

	assert.Equal(t, "sub", waitBind(t, f))
	assert.Eventually(t, func() bool {
		return conn.State() == StateChannelOpen && ch.Connected()
	}, 5*time.Second, 10*time.Millisecond)
}

func TestConnection_ReopensAfterRecoveryGivesUp(t *testing.T) {
	f := newFakeDSF(t, "sub")
	cfg := f.config()
	cfg.Reconnect = ReconnectPolicy{MaxAttempts: 1}
	conn := NewConnection(cfg, f.provider(), nil, discardLogger())
	defer conn.Close()

	ch, err := conn.NotificationChannel(context.Background())
	require.NoError(t, err)
	waitBind(t, f)

	f.refuseSocket.Store(true)
	f.dropAll()

	// One refused attempt exhausts the policy and recovery stops.
	assert.Eventually(t, func() bool {
		return f.refusals.Load() == 1 && conn.State() == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, ch.Connected())

	f.refuseSocket.Store(false)
	reopened, err := conn.NotificationChannel(context.Background())
	require.NoError(t, err)
	assert.Same(t, ch, reopened)
	assert.Equal(t, "sub", waitBind(t, f))
	assert.True(t, reopened.Connected())
	assert.Equal(t, StateChannelOpen, conn.State())
	assert.Equal(t, int32(1), f.searches.Load())
}

func TestConnection_ReopenFailureIsReturned(t *testing.T) {
	f := newFakeDSF(t, "sub")
	cfg := f.config()
	cfg.Reconnect = ReconnectPolicy{MaxAttempts: 1}
	conn := NewConnection(cfg, f.provider(), nil, discardLogger())
	defer conn.Close()

	_, err := conn.NotificationChannel(context.Background())
	require.NoError(t, err)
	waitBind(t, f)

	f.refuseSocket.Store(true)
	f.dropAll()
	assert.Eventually(t, func() bool {
		return f.refusals.Load() == 1 && conn.State() == StateDisconnected
	}, 5*time.Second, 10*time.Millisecond)

	_, err = conn.NotificationChannel(context.Background())
	assert.Error(t, err)
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConnection_CloseDoesNotReconnect(t *testing.T) {
	f := newFakeDSF(t, "sub")
	conn := NewConnection(f.config(), f.provider(), nil, discardLogger())

	ch, err := conn.NotificationChannel(context.Background())
	require.NoError(t, err)
	waitBind(t, f)

	require.NoError(t, conn.Close())
	assert.Equal(t, StateClosed, conn.State())
	assert.False(t, ch.Connected())

	select {
	case id := <-f.binds:
		t.Fatalf("unexpected rebind of %s", id)
	case <-time.After(200 * time.Millisecond):
	}
	assert.ErrorIs(t, ch.Connect(context.Background()), ErrChannelClosed)
}
