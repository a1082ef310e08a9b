// Package timeouts defines shared timeout constants used across seg3d
// processes.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing the health endpoint.
const GRPCDial = 2 * time.Second

// ReadHeader limits how long the metrics HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long servers wait for in-flight work during graceful
// shutdown.
const Shutdown = 5 * time.Second

// FilterAbort caps how long undo waits for an aborted filter to acknowledge.
const FilterAbort = 10 * time.Second
