// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dsf

import "sync/atomic"

// State is the lifecycle state of a broker connection.
type State uint32

// Connection states. StateProvisionFailed and StateSubscriptionAmbiguous are
// terminal and need operator intervention.
const (
	StateUnprovisioned State = iota
	StateProvisioned
	StateRequestClientReady
	StateSubscriptionResolved
	StateChannelOpen
	StateDisconnected
	StateReconnecting
	StateClosed
	StateProvisionFailed
	StateSubscriptionAmbiguous
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUnprovisioned:
		return "unprovisioned"
	case StateProvisioned:
		return "provisioned"
	case StateRequestClientReady:
		return "request_client_ready"
	case StateSubscriptionResolved:
		return "subscription_resolved"
	case StateChannelOpen:
		return "channel_open"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateProvisionFailed:
		return "provision_failed"
	case StateSubscriptionAmbiguous:
		return "subscription_ambiguous"
	default:
		return "unknown"
	}
}

// Terminal reports whether no automatic progress is possible from s.
func (s State) Terminal() bool {
	return s == StateProvisionFailed || s == StateSubscriptionAmbiguous || s == StateClosed
}

// Ready reports whether the connection can publish and receive results.
func (s State) Ready() bool {
	return s == StateChannelOpen
}

type stateManager struct {
	state uint32
}

func newStateManager() *stateManager {
	return &stateManager{state: uint32(StateUnprovisioned)}
}

func (sm *stateManager) get() State {
	return State(atomic.LoadUint32(&sm.state))
}

func (sm *stateManager) set(s State) {
	atomic.StoreUint32(&sm.state, uint32(s))
}

// transition attempts to transition from expected to new state.
func (sm *stateManager) transition(from, to State) bool {
	return atomic.CompareAndSwapUint32(&sm.state, uint32(from), uint32(to))
}

// transitionFrom attempts to transition from any of the expected states.
func (sm *stateManager) transitionFrom(to State, from ...State) bool {
	for _, f := range from {
		if sm.transition(f, to) {
			return true
		}
	}
	return false
}
