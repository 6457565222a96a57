package domain

import "time"

// SyncType distinguishes the two historical fetch strategies.
type SyncType string

const (
	// SyncTypeBackfill uses the exchange's closed-P&L history: fast and
	// complete, but the original closure-reason tags are lost.
	SyncTypeBackfill SyncType = "backfill"
	// SyncTypeHourly replays raw executions through the matcher, preserving
	// order tags; used for short-horizon gap filling.
	SyncTypeHourly SyncType = "hourly"
)

// SyncStatusState is the lifecycle state of one sync attempt.
type SyncStatusState string

const (
	SyncStateRunning   SyncStatusState = "running"
	SyncStateCompleted SyncStatusState = "completed"
	SyncStateFailed    SyncStatusState = "failed"
)

// SyncStatus records one sync attempt over a (bot, type, window) chunk.
// Completed chunks are never re-scanned; failed chunks are replayed.
type SyncStatus struct {
	ID           int64
	BotID        string
	SyncType     SyncType
	StartTime    time.Time // Window start
	EndTime      time.Time // Window end
	State        SyncStatusState
	TradesSynced int
	ErrorMessage string
	StartedAt    time.Time
	CompletedAt  time.Time
	Duration     time.Duration
}

// SyncStats aggregates sync attempts per (bot, type) for operational
// visibility.
type SyncStats struct {
	BotID           string
	SyncType        SyncType
	TotalSyncs      int
	SuccessfulSyncs int
	FailedSyncs     int
	TradesSynced    int
	LastSyncTime    time.Time
}
