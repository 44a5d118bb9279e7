// Package config provides configuration defaults and utilities
// for the joule server.
//
// This package defines all configurable constants with documented defaults.
// Users can override these values via config.yaml or command-line flags.
package config

import "time"

// =============================================================================
// Network Defaults
// =============================================================================

const (
	// DefaultListenAddress is the default HTTP listen address.
	// Override via config: listen
	DefaultListenAddress = "0.0.0.0:8087"

	// DefaultMaxBodyBytes limits ingest request body size to prevent OOM.
	// 16 MiB holds roughly 100k points in JSON form.
	DefaultMaxBodyBytes = 16 * 1024 * 1024

	// DefaultReadTimeout bounds reading a full request including the body.
	DefaultReadTimeout = 30 * time.Second

	// DefaultWriteTimeout bounds writing a full response. Generous because
	// range queries over compressed chunks can take a while.
	DefaultWriteTimeout = 60 * time.Second

	// DefaultIdleTimeout closes idle keep-alive connections.
	DefaultIdleTimeout = 120 * time.Second
)

// =============================================================================
// Shutdown Defaults
// =============================================================================

const (
	// DefaultDrainTimeoutSec is how long to wait for in-flight requests
	// during shutdown. This follows the Kubernetes convention
	// (terminationGracePeriodSeconds = 30s). After this timeout,
	// remaining connections are dropped.
	// Override via config: server.drain_timeout_sec
	DefaultDrainTimeoutSec = 30
)

// =============================================================================
// Rate Limiting Defaults
// =============================================================================

const (
	// DefaultAuthRateLimitPerMinute is the max FAILED auth attempts per IP
	// per minute. Only failed authentication attempts are counted.
	// Successful authentications reset the failure counter. After reaching
	// this limit, the IP is rejected outright until the window expires.
	// Override via config: auth.rate_limit_per_minute
	DefaultAuthRateLimitPerMinute = 10
)

// =============================================================================
// Streaming Defaults
// =============================================================================

const (
	// DefaultStreamSendBuffer is the capacity of the per-client send
	// channel. A client that falls this many frames behind starts
	// losing frames.
	DefaultStreamSendBuffer = 64

	// DefaultStreamBroadcastBuffer is the hub's intake queue. When full,
	// new batches are dropped rather than blocking the ingest path.
	DefaultStreamBroadcastBuffer = 256

	// DefaultStreamWriteWait is the per-frame write deadline.
	DefaultStreamWriteWait = 10 * time.Second

	// DefaultStreamPongWait is how long to wait for a pong before the
	// connection is considered dead.
	DefaultStreamPongWait = 60 * time.Second

	// DefaultStreamPingPeriod is the ping interval. Must be less than
	// DefaultStreamPongWait.
	DefaultStreamPingPeriod = (DefaultStreamPongWait * 9) / 10

	// DefaultStreamMaxMessageSize caps inbound frames. Clients only send
	// control frames, so this stays small.
	DefaultStreamMaxMessageSize = 4096
)
