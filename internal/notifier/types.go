package notifier

import (
	"context"
	"time"

	"nightowl/internal/transport"
)

// Config controls the notification pipeline.
type Config struct {
	Enabled     bool
	QueueSize   int
	RatePerSec  int
	RetryMax    int
	RetryBase   time.Duration
	DedupWindow time.Duration
	// Quiet drops task.submitted and task.dispatched; only outcomes and
	// budget changes are sent.
	Quiet bool
}

// Sender is the part of a chat adapter the notifier needs.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
	Err  string    `json:"error,omitempty"`
}

// Stats are cumulative counters since start.
type Stats struct {
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
	Deduped  uint64 `json:"deduped"`
	Queued   int    `json:"queued"`
	Disabled bool   `json:"disabled"`
}
