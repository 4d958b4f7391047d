package notify

import (
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"transferbot/internal/transfer"
)

const (
	DefaultTimezone = "Europe/Amsterdam"
	TeamURLPrefix   = "https://virtualprogaming.com/team/"

	timeLayout = "2006-01-02 15:04:05 MST"
	freeAgent  = "Free agent"
)

// Format renders one event as a Telegram HTML message.
func Format(e transfer.Event, loc *time.Location) string {
	label := e.FeedLabel
	if label == "" {
		label = e.Feed
	}
	player := e.Player
	if player == "" {
		player = "unknown"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<b>[%s] Transfer: %s</b>\n", html.EscapeString(label), html.EscapeString(player))
	fmt.Fprintf(&b, "From: %s\n", club(e.SourceClub, e.SourceSlug))
	fmt.Fprintf(&b, "To: %s\n", club(e.DestinationClub, e.DestinationSlug))
	fmt.Fprintf(&b, "Fee: %s\n", fee(e.Fee))
	b.WriteString("<i>" + html.EscapeString(occurred(e, loc)) + "</i>")
	return b.String()
}

// FormatPlain renders e without markup. It is sent when Telegram rejects
// the HTML version.
func FormatPlain(e transfer.Event, loc *time.Location) string {
	label := e.FeedLabel
	if label == "" {
		label = e.Feed
	}
	player := e.Player
	if player == "" {
		player = "unknown"
	}
	from, to := e.SourceClub, e.DestinationClub
	if from == "" {
		from = freeAgent
	}
	if to == "" {
		to = freeAgent
	}
	return fmt.Sprintf("[%s] Transfer: %s: %s → %s, fee %s • %s", label, player, from, to, fee(e.Fee), occurred(e, loc))
}

func occurred(e transfer.Event, loc *time.Location) string {
	if e.OccurredAt.IsZero() && e.OccurredRaw != "" {
		return e.OccurredRaw
	}
	return When(e.OccurredAt, loc)
}

// When renders t in loc, or "unknown" for the zero time.
func When(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "unknown"
	}
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(timeLayout)
}

// FormatAnnouncement renders the startup message listing the watched feeds.
func FormatAnnouncement(labels []string) string {
	esc := make([]string, 0, len(labels))
	for _, l := range labels {
		esc = append(esc, html.EscapeString(l))
	}
	return "<b>Transfer bot online</b>\nMonitoring feeds: " + strings.Join(esc, ", ") + "."
}

func club(name, slug string) string {
	if name == "" {
		name = freeAgent
	}
	name = html.EscapeString(name)
	if slug == "" {
		return name
	}
	return fmt.Sprintf(`<a href="%s">%s</a>`, html.EscapeString(TeamURLPrefix+url.PathEscape(slug)), name)
}

// fee groups thousands and keeps at most two decimals.
func fee(v decimal.NullDecimal) string {
	if !v.Valid {
		return "undisclosed"
	}
	d := v.Decimal.Round(2)
	sign := ""
	if d.IsNegative() {
		sign, d = "-", d.Abs()
	}
	whole := d.Truncate(0)
	out := sign + humanize.BigComma(whole.BigInt())
	if !d.Equal(whole) {
		out += strings.TrimPrefix(d.Sub(whole).StringFixed(2), "0")
	}
	return out
}

// LoadLocation resolves a timezone name, falling back to UTC for "".
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}
