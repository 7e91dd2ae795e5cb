package models

import "time"

const (
	// DefaultDrainInterval is how often the orchestrator polls the queue.
	DefaultDrainInterval = 5 * time.Second

	// DefaultDrainBatchSize caps operations fetched per drain pass.
	DefaultDrainBatchSize = 50

	// CompletedGraceWindow is how long completed rows stay before GC.
	CompletedGraceWindow = time.Hour

	// NeverRetryDelay marks permanent failures: far enough out that the
	// drain loop will not pick the row up again without a manual retry.
	NeverRetryDelay = 365 * 24 * time.Hour

	// DefaultLedgerTTL is how long a pending local write suppresses its
	// own realtime echo.
	DefaultLedgerTTL = 10 * time.Second

	// DefaultHeartbeatInterval is the leader heartbeat period.
	DefaultHeartbeatInterval = 2 * time.Second

	// DefaultLeaderTimeout is how stale a heartbeat may be before any
	// follower may claim leadership.
	DefaultLeaderTimeout = 5 * time.Second

	// BroadcastChannel is the single application-wide cross-tab channel.
	BroadcastChannel = "focusdeck:tabs"

	// DefaultCacheTTL bounds the entity read-through cache.
	DefaultCacheTTL = 30 * time.Minute
)
