// Package timeouts defines shared timeout constants used across the sync
// service and client runtime. Centralizing the durations keeps the transport
// and HTTP boundaries from drifting apart.
package timeouts

import "time"

// Dial caps the wait time when dialing the sync hub websocket.
const Dial = 5 * time.Second

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// StoreRequest caps a single query or mutation round-trip against the
// persisted store endpoint.
const StoreRequest = 5 * time.Second

// PresenceTTL is how long a presence member survives without a heartbeat
// before the hub expires it.
const PresenceTTL = 30 * time.Second

// PresenceSweep is the interval between presence expiry sweeps.
const PresenceSweep = 5 * time.Second
