package poller

import (
	"context"
	"time"

	"transferbot/internal/schedule"
	"transferbot/internal/transfer"
)

// FeedClient returns the current snapshot of one upstream feed. Errors
// are *feed.TransientError or *feed.FatalError.
type FeedClient interface {
	Fetch(ctx context.Context) (transfer.Snapshot, error)
}

// ProgressStore persists the per-feed cursor.
type ProgressStore interface {
	Load(ctx context.Context, key string) (transfer.Cursor, error)
	Save(ctx context.Context, key string, c transfer.Cursor) error
}

// Notifier publishes one event. Errors are *notify.RetryableError or
// *notify.FatalError; anything else is treated as fatal.
type Notifier interface {
	Publish(ctx context.Context, e transfer.Event) error
}

// Source is one configured feed, processed in list order every cycle.
type Source struct {
	Key   string
	Label string
	Feed  FeedClient
}

// Config tunes the poll loop. Zero values take the defaults below.
type Config struct {
	Schedule schedule.Schedule // default every 20s

	// RetryMax bounds in-cycle retries of one event after a retryable send
	// error. 0 means DefaultRetryMax, negative disables retries.
	RetryMax      int
	RetryBase     time.Duration // default 500ms
	RetryMaxDelay time.Duration // default 10s

	// SkipBacklog seeds a feed that has no cursor with the newest snapshot
	// id instead of publishing the whole snapshot.
	SkipBacklog bool

	// An event that started publishing is finished even during shutdown;
	// these bound how long that may take.
	PublishTimeout time.Duration // default 30s
	SaveTimeout    time.Duration // default 10s
}

const (
	DefaultInterval       = 20 * time.Second
	DefaultRetryMax       = 5
	DefaultRetryBase      = 500 * time.Millisecond
	DefaultRetryMaxDelay  = 10 * time.Second
	DefaultPublishTimeout = 30 * time.Second
	DefaultSaveTimeout    = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.Schedule.IsZero() {
		c.Schedule = schedule.Every(DefaultInterval)
	}
	if c.RetryMax == 0 {
		c.RetryMax = DefaultRetryMax
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = DefaultRetryMaxDelay
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = DefaultPublishTimeout
	}
	if c.SaveTimeout <= 0 {
		c.SaveTimeout = DefaultSaveTimeout
	}
	return c
}

// State is the position of the poll loop.
type State int32

const (
	Idle State = iota
	Fetching
	Diffing
	Publishing
	Waiting
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Diffing:
		return "diffing"
	case Publishing:
		return "publishing"
	case Waiting:
		return "waiting"
	case ShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Error kinds recorded in a FeedReport.
const (
	ErrKindTransientFetch = "transient_fetch"
	ErrKindFatalFetch     = "fatal_fetch"
	ErrKindRetryableSend  = "retryable_send"
	ErrKindFatalSend      = "fatal_send"
	ErrKindPersistence    = "persistence"
	ErrKindShutdown       = "shutdown"
)

// FeedReport is the outcome of one feed within a cycle.
type FeedReport struct {
	Key        string          `json:"key"`
	Fetched    int             `json:"fetched"`
	Duplicates int             `json:"duplicates,omitempty"`
	New        int             `json:"new"`
	Published  int             `json:"published"`
	Seeded     bool            `json:"seeded,omitempty"`
	Cursor     transfer.Cursor `json:"cursor"`
	ErrKind    string          `json:"err_kind,omitempty"`
	Err        string          `json:"err,omitempty"`
}

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	ID       string        `json:"id"`
	Started  time.Time     `json:"started"`
	Took     time.Duration `json:"took"`
	Deadline time.Time     `json:"deadline"`
	Feeds    []FeedReport  `json:"feeds"`
}

// Published is the number of events delivered across all feeds.
func (r CycleReport) Published() int {
	n := 0
	for _, f := range r.Feeds {
		n += f.Published
	}
	return n
}

// Failed lists the feeds that ended with an error.
func (r CycleReport) Failed() []string {
	var out []string
	for _, f := range r.Feeds {
		if f.ErrKind != "" {
			out = append(out, f.Key)
		}
	}
	return out
}
