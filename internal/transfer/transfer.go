// Package transfer holds the domain model shared by the feed, the notifier
// and the poller: transfer events, feed snapshots and progress cursors.
package transfer

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Cursor is the highest event id that has been published for a feed.
type Cursor int64

// None is the cursor of a feed that has never published anything.
// Upstream ids are positive, so every real event is newer than None.
const None Cursor = 0

// Event is one player movement reported by an upstream feed.
//
// ID is the only ordering and dedup key. The remaining fields are
// presentational and never compared.
type Event struct {
	ID int64

	Feed      string // feed key (cursor key)
	FeedLabel string

	Player          string
	SourceClub      string
	SourceSlug      string
	DestinationClub string
	DestinationSlug string

	// Fee is not Valid when upstream did not disclose an amount.
	Fee decimal.NullDecimal

	// OccurredAt is zero when upstream sent no timestamp or one that did
	// not parse. OccurredRaw keeps the unparsed text for display.
	OccurredAt  time.Time
	OccurredRaw string

	// Picture references as sent upstream: media ids or URLs.
	AvatarID        string
	SourceLogo      string
	DestinationLogo string
}

// Snapshot is the ordered result of one feed fetch.
type Snapshot []Event

// Newer reports whether e has not been published yet under cursor c.
func (e Event) Newer(c Cursor) bool { return e.ID > int64(c) }

// Normalize sorts events ascending by id and collapses duplicate ids.
// When an id repeats, the later instance in the input order wins.
// It returns the normalized slice and how many duplicates were dropped.
func Normalize(events []Event) (Snapshot, int) {
	if len(events) == 0 {
		return Snapshot{}, 0
	}
	last := make(map[int64]int, len(events))
	for i, e := range events {
		last[e.ID] = i
	}
	out := make(Snapshot, 0, len(last))
	for i, e := range events {
		if last[e.ID] == i {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(events) - len(out)
}

// Diff returns the events of s newer than c, ascending by id.
// Duplicate ids are collapsed with the same rule as Normalize.
func Diff(s Snapshot, c Cursor) Snapshot {
	fresh := make([]Event, 0, len(s))
	for _, e := range s {
		if e.Newer(c) {
			fresh = append(fresh, e)
		}
	}
	out, _ := Normalize(fresh)
	return out
}

// Latest returns the highest id in s, or None when s is empty.
func (s Snapshot) Latest() Cursor {
	c := None
	for _, e := range s {
		if e.ID > int64(c) {
			c = Cursor(e.ID)
		}
	}
	return c
}

// IDs lists event ids in order. Handy for logs and tests.
func (s Snapshot) IDs() []int64 {
	out := make([]int64, len(s))
	for i, e := range s {
		out[i] = e.ID
	}
	return out
}
