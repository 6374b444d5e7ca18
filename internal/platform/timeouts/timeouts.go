// Package timeouts defines shared timeout constants used across the service.
package timeouts

import "time"

// StoreCall caps the time allowed for a single persistence operation.
// Calls that exceed it fall back to the in-memory snapshot instead of
// blocking the caller.
const StoreCall = 2 * time.Second

// Delivery caps the wait for an outbound delivery collaborator (email).
const Delivery = 5 * time.Second

// Shutdown limits how long the process waits for in-flight work during
// graceful shutdown.
const Shutdown = 5 * time.Second
