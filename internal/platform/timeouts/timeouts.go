// Package timeouts defines shared timeout constants used by the classroom
// server and its transports.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight requests during
// graceful shutdown.
const Shutdown = 10 * time.Second

// LogWrite caps a single log append. The write runs detached from the caller
// context, so this is the only bound on it.
const LogWrite = 10 * time.Second

// ReloadDebounce is how long the functions watcher waits for a burst of file
// events to settle before reloading.
const ReloadDebounce = 250 * time.Millisecond

// SessionCleanup is the interval between expired-session sweeps.
const SessionCleanup = 5 * time.Minute
