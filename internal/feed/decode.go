package feed

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"transferbot/internal/transfer"
)

// Layouts accepted for the "datetime" field, tried in order. Timestamps
// without a zone are taken as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999-07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-0700",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// decodeRows turns a movement response body into events in body order.
// Any malformed row fails the whole body.
func decodeRows(body []byte, key, label string) ([]transfer.Event, error) {
	if !gjson.ValidBytes(body) {
		return nil, errNotJSON
	}
	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		return nil, errNoDataArray
	}
	rows := data.Array()
	out := make([]transfer.Event, 0, len(rows))
	for i, row := range rows {
		if !row.IsObject() {
			return nil, fmt.Errorf("row %d: not an object", i)
		}
		ev, err := decodeRow(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		ev.Feed = key
		ev.FeedLabel = label
		out = append(out, ev)
	}
	return out, nil
}

func decodeRow(row gjson.Result) (transfer.Event, error) {
	id, err := parseID(row.Get("id"))
	if err != nil {
		return transfer.Event{}, err
	}
	at, raw := parseTime(row.Get("datetime"))
	return transfer.Event{
		ID:              id,
		Player:          text(row.Get("username")),
		SourceClub:      text(row.Get("from_name")),
		SourceSlug:      text(row.Get("from_slug")),
		DestinationClub: text(row.Get("to_name")),
		DestinationSlug: text(row.Get("to_slug")),
		Fee:             parseFee(row.Get("amount")),
		OccurredAt:      at,
		OccurredRaw:     raw,
		AvatarID:        text(row.Get("avatar")),
		SourceLogo:      text(row.Get("from_logo")),
		DestinationLogo: text(row.Get("to_logo")),
	}, nil
}

func parseID(v gjson.Result) (int64, error) {
	var id int64
	switch v.Type {
	case gjson.Number:
		if v.Num != math.Trunc(v.Num) {
			return 0, fmt.Errorf("id %s is not an integer", v.Raw)
		}
		id = v.Int()
	case gjson.String:
		n, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("id %q is not an integer", v.Str)
		}
		id = n
	case gjson.Null:
		if !v.Exists() {
			return 0, fmt.Errorf("missing id")
		}
		return 0, fmt.Errorf("null id")
	default:
		return 0, fmt.Errorf("id has unexpected type %s", v.Type)
	}
	if id <= 0 {
		return 0, fmt.Errorf("id %d is not positive", id)
	}
	return id, nil
}

// parseFee returns an invalid NullDecimal for an undisclosed amount.
// Values that do not look like a number are treated as undisclosed.
func parseFee(v gjson.Result) decimal.NullDecimal {
	var raw string
	switch v.Type {
	case gjson.Number:
		raw = v.Raw
	case gjson.String:
		raw = strings.ReplaceAll(strings.TrimSpace(v.Str), ",", "")
	default:
		return decimal.NullDecimal{}
	}
	if raw == "" {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}

// parseTime never fails a row: the timestamp is only shown to readers.
// Text that matches no layout comes back as raw with a zero time.
func parseTime(v gjson.Result) (at time.Time, raw string) {
	if !v.Exists() || v.Type == gjson.Null {
		return time.Time{}, ""
	}
	s := strings.TrimSpace(v.String())
	if s == "" {
		return time.Time{}, ""
	}
	if v.Type == gjson.String {
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, ""
			}
		}
	}
	return time.Time{}, s
}

func text(v gjson.Result) string {
	if v.Type == gjson.Null {
		return ""
	}
	return strings.TrimSpace(v.String())
}
