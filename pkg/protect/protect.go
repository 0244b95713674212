// Package protect provides a public facade re-exporting core types
// for external consumers of this module.
package protect

import (
	"github.com/Jastroger/ha-nest-protect/internal/core/auth"
	"github.com/Jastroger/ha-nest-protect/internal/core/observe"
	"github.com/Jastroger/ha-nest-protect/internal/core/state"
	"github.com/Jastroger/ha-nest-protect/internal/core/stream"
	"github.com/Jastroger/ha-nest-protect/internal/core/transport"
)

// Re-export core types for external use.
type (
	// Credential holds the authenticated cloud session.
	Credential = auth.Credential
	// Environment selects the Nest host set.
	Environment = auth.Environment
	// TokenManager owns the credential for one config entry.
	TokenManager = auth.TokenManager
	// Record is the latest known state of one cloud object.
	Record = state.Record
	// Cache is the process-wide device state cache.
	Cache = state.Cache
	// Watcher delivers changed-key batches from the cache.
	Watcher = state.Watcher
	// Event represents a lifecycle change.
	Event = state.Event
	// EventType identifies event categories.
	EventType = state.EventType
	// UpdateEvent is one decoded stream update record.
	UpdateEvent = stream.Event
	// Synchronizer maintains the observe session for one config entry.
	Synchronizer = observe.Synchronizer
	// Phase is the synchronizer's connection state.
	Phase = observe.Phase
	// Dialer opens observe-stream connections.
	Dialer = transport.Dialer
	// Conn is a long-lived observe-stream connection.
	Conn = transport.Conn
)

// Environment constants.
const (
	EnvProduction = auth.EnvProduction
	EnvFieldTest  = auth.EnvFieldTest
)

// Event type constants.
const (
	EventConnected    = state.EventConnected
	EventDisconnected = state.EventDisconnected
	EventAuthRequired = state.EventAuthRequired
)

// Phase constants.
const (
	PhaseDisconnected     = observe.PhaseDisconnected
	PhaseAuthenticating   = observe.PhaseAuthenticating
	PhaseFetchingSnapshot = observe.PhaseFetchingSnapshot
	PhaseStreaming        = observe.PhaseStreaming
	PhaseReconnecting     = observe.PhaseReconnecting
)

// Terminal auth errors.
var (
	ErrAuthExpired  = auth.ErrAuthExpired
	ErrNoCredential = auth.ErrNoCredential
)
