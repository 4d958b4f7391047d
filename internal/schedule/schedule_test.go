package schedule

import (
	"testing"
	"time"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		raw    string
		kind   Kind
		source string
		every  time.Duration
	}{
		{name: "duration", raw: "20s", kind: KindInterval, source: "duration", every: 20 * time.Second},
		{name: "prefixed interval", raw: "interval:45s", kind: KindInterval, source: "duration", every: 45 * time.Second},
		{name: "every prefix", raw: "every:2m", kind: KindInterval, source: "duration", every: 2 * time.Minute},
		{name: "hhmm", raw: "01:30", kind: KindInterval, source: "hhmm", every: 90 * time.Minute},
		{name: "cron", raw: "*/5 * * * *", kind: KindCron, source: "cron"},
		{name: "cron seconds", raw: "*/20 * * * * *", kind: KindCron, source: "cron"},
		{name: "descriptor", raw: "@every 30s", kind: KindCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: KindCron, source: "cron"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == KindInterval && got.Every != tt.every {
				t.Fatalf("Every = %v, want %v", got.Every, tt.every)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "-5s", "00:00", "01:75", "cron:", "* * *"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("Parse(%q) expected error", raw)
		}
	}
}

func TestNext(t *testing.T) {
	t.Parallel()
	base := time.Date(2025, 7, 1, 12, 0, 7, 0, time.UTC)

	if got := Every(20 * time.Second).Next(base); !got.Equal(base.Add(20 * time.Second)) {
		t.Fatalf("interval Next = %v", got)
	}

	c, err := Parse("*/1 * * * *")
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2025, 7, 1, 12, 1, 0, 0, time.UTC)
	if got := c.Next(base); !got.Equal(want) {
		t.Fatalf("cron Next = %v, want %v", got, want)
	}
}
