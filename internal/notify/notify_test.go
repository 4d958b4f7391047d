package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/shopspring/decimal"
	tele "gopkg.in/telebot.v4"

	"transferbot/internal/transfer"
	kit "transferbot/internal/transport"
	logx "transferbot/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	texts []string
	opts  []kit.SendOptions
	to    []kit.ChatTarget
	err   error
	// rejectHTML fails every HTML message the way Telegram reports bad markup.
	rejectHTML bool
}

var errBadEntities = &tele.Error{Code: 400, Description: "Bad Request: can't parse entities"}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return kit.MessageRef{}, f.err
	}
	if f.rejectHTML && opt != nil && opt.ParseMode == "HTML" {
		return kit.MessageRef{}, errBadEntities
	}
	f.texts = append(f.texts, text)
	f.to = append(f.to, to)
	if opt != nil {
		f.opts = append(f.opts, *opt)
	}
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.texts)}, nil
}

// photoSender also posts photos. photoErr fails every photo.
type photoSender struct {
	fakeSender
	photos   []string
	captions []string
	photoErr error
}

func (p *photoSender) SendPhoto(ctx context.Context, to kit.ChatTarget, photoURL, caption string, opt *kit.SendOptions) (kit.MessageRef, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.photoErr != nil {
		return kit.MessageRef{}, p.photoErr
	}
	p.photos = append(p.photos, photoURL)
	p.captions = append(p.captions, caption)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: 100 + len(p.photos)}, nil
}

type staticImages string

func (s staticImages) EventImage(context.Context, transfer.Event) string { return string(s) }

func amount(n int64) decimal.NullDecimal { return decimal.NewNullDecimal(decimal.NewFromInt(n)) }

func amountString(s string) decimal.NullDecimal {
	return decimal.NewNullDecimal(decimal.RequireFromString(s))
}

func TestFormat(t *testing.T) {
	loc, err := time.LoadLocation("Europe/Amsterdam")
	if err != nil {
		t.Fatal(err)
	}
	e := transfer.Event{
		ID:              7,
		Feed:            "Holland",
		FeedLabel:       "Holland 5v5 Next",
		Player:          "kees<3",
		SourceClub:      "Ajax",
		SourceSlug:      "ajax",
		DestinationClub: "",
		Fee:             amount(1500000),
		OccurredAt:      time.Date(2025, 7, 1, 10, 0, 0, 0, time.UTC),
	}
	got := Format(e, loc)
	for _, want := range []string{
		"<b>[Holland 5v5 Next] Transfer: kees&lt;3</b>",
		`From: <a href="https://virtualprogaming.com/team/ajax">Ajax</a>`,
		"To: Free agent\n",
		"Fee: 1,500,000",
		"2025-07-01 12:00:00 CEST",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("Format missing %q in:\n%s", want, got)
		}
	}
}

func TestFormatUnknowns(t *testing.T) {
	got := Format(transfer.Event{ID: 1, Feed: "Holland", DestinationSlug: "psv"}, nil)
	for _, want := range []string{
		"[Holland] Transfer: unknown",
		"From: Free agent\n",
		`To: <a href="https://virtualprogaming.com/team/psv">Free agent</a>`,
		"Fee: undisclosed",
		"<i>unknown</i>",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("Format missing %q in:\n%s", want, got)
		}
	}
}

func TestFormatFee(t *testing.T) {
	tests := []struct {
		in   decimal.NullDecimal
		want string
	}{
		{decimal.NullDecimal{}, "undisclosed"},
		{amount(0), "0"},
		{amount(1500000), "1,500,000"},
		{amountString("1e20"), "100,000,000,000,000,000,000"},
		{amountString("12500.5"), "12,500.50"},
		{amountString("999.999"), "1,000"},
		{amountString("-2500"), "-2,500"},
	}
	for _, tt := range tests {
		if got := fee(tt.in); got != tt.want {
			t.Errorf("fee(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatShowsRawTimestamp(t *testing.T) {
	e := transfer.Event{ID: 1, Feed: "Holland", OccurredRaw: "gisteren <3"}
	if got := Format(e, nil); !strings.Contains(got, "<i>gisteren &lt;3</i>") {
		t.Fatalf("Format = %s", got)
	}
	if got := FormatPlain(e, nil); !strings.HasSuffix(got, "• gisteren <3") {
		t.Fatalf("FormatPlain = %s", got)
	}
}

func TestFormatAnnouncement(t *testing.T) {
	got := FormatAnnouncement([]string{"Holland", "Holland 5v5 Next"})
	if !strings.Contains(got, "Transfer bot online") || !strings.Contains(got, "Monitoring feeds: Holland, Holland 5v5 Next.") {
		t.Fatalf("announcement = %q", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
		after     time.Duration
	}{
		{name: "server error", err: &tele.Error{Code: 502, Description: "Bad Gateway"}, retryable: true},
		{name: "too many requests", err: &tele.Error{Code: 429, Description: "Too Many Requests"}, retryable: true},
		{name: "unauthorized", err: &tele.Error{Code: 401, Description: "Unauthorized"}},
		{name: "forbidden", err: &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}},
		{name: "chat not found", err: &tele.Error{Code: 400, Description: "Bad Request: chat not found"}},
		{name: "bad request", err: &tele.Error{Code: 400, Description: "Bad Request: can't parse entities"}},
		{name: "wrapped code text", err: fmt.Errorf("telegram: Internal Server Error (500)"), retryable: true},
		{name: "wrapped 4xx text", err: fmt.Errorf("telegram: Bad Request: message is too long (400)")},
		{name: "deadline", err: context.DeadlineExceeded, retryable: true},
		{name: "network", err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}, retryable: true},
		{name: "already retryable", err: &RetryableError{Err: errors.New("x"), After: 2 * time.Second}, retryable: true, after: 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if IsRetryable(got) != tt.retryable || IsFatal(got) == tt.retryable {
				t.Fatalf("Classify(%v) = %v, want retryable=%v", tt.err, got, tt.retryable)
			}
			if !errors.Is(got, tt.err) {
				t.Fatalf("classified error must wrap the original")
			}
			after, ok := RetryAfterHint(got)
			if ok != (tt.after > 0) || after != tt.after {
				t.Fatalf("RetryAfterHint = %v, %v; want %v", after, ok, tt.after)
			}
		})
	}
	if Classify(nil) != nil {
		t.Fatal("Classify(nil) must be nil")
	}
}

func TestPublishSendsFormattedHTML(t *testing.T) {
	s := &fakeSender{}
	n, err := NewTelegram(Config{Target: kit.ChatTarget{ChatID: -100, ThreadID: 9}, RatePerSec: 100}, s, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Publish(context.Background(), transfer.Event{ID: 3, Feed: "Holland", Player: "jan"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(s.texts) != 1 || !strings.Contains(s.texts[0], "Transfer: jan") {
		t.Fatalf("texts = %q", s.texts)
	}
	if s.opts[0].ParseMode != "HTML" || s.to[0].ThreadID != 9 {
		t.Fatalf("opts = %+v to = %+v", s.opts[0], s.to[0])
	}
}

func TestPublishClassifiesSenderErrors(t *testing.T) {
	s := &fakeSender{err: &tele.Error{Code: 403, Description: "Forbidden: bot was kicked"}}
	n, err := NewTelegram(Config{Target: kit.ChatTarget{ChatID: 1}, RatePerSec: 100}, s, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Publish(context.Background(), transfer.Event{ID: 1}); !IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}

	s.err = &tele.Error{Code: 500, Description: "Internal Server Error"}
	if err := n.Publish(context.Background(), transfer.Event{ID: 1}); !IsRetryable(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
}

func TestPublishCancelledWhileRateLimited(t *testing.T) {
	s := &fakeSender{}
	n, err := NewTelegram(Config{Target: kit.ChatTarget{ChatID: 1}, RatePerSec: 0.001, Burst: 1}, s, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Publish(context.Background(), transfer.Event{ID: 1}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := n.Publish(ctx, transfer.Event{ID: 2}); !IsRetryable(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
	if len(s.texts) != 1 {
		t.Fatalf("sent %d messages, want 1", len(s.texts))
	}
}

func TestNewTelegramValidates(t *testing.T) {
	if _, err := NewTelegram(Config{}, &fakeSender{}, logx.Nop()); err == nil {
		t.Fatal("expected error without chat id")
	}
	if _, err := NewTelegram(Config{Target: kit.ChatTarget{ChatID: 1}, Timezone: "Mars/Olympus"}, &fakeSender{}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown timezone")
	}
	if _, err := NewTelegram(Config{Target: kit.ChatTarget{ChatID: 1}}, nil, logx.Nop()); err == nil {
		t.Fatal("expected error for nil sender")
	}
}

func TestPublishFallsBackToPlainText(t *testing.T) {
	s := &fakeSender{rejectHTML: true}
	n, err := NewTelegram(Config{Target: kit.ChatTarget{ChatID: 1}, RatePerSec: 100}, s, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	e := transfer.Event{ID: 4, Feed: "Holland", Player: "jan", SourceClub: "Ajax", Fee: amount(5000)}
	if err := n.Publish(context.Background(), e); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(s.texts) != 1 || s.opts[0].ParseMode != "" {
		t.Fatalf("texts = %q opts = %+v", s.texts, s.opts)
	}
	if want := "[Holland] Transfer: jan: Ajax → Free agent, fee 5,000 • unknown"; s.texts[0] != want {
		t.Fatalf("plain text = %q, want %q", s.texts[0], want)
	}

	// Other rejections are not retried as plain text.
	s.rejectHTML, s.err = false, &tele.Error{Code: 400, Description: "Bad Request: message is too long"}
	if err := n.Publish(context.Background(), e); !IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
}

func TestPublishSendsPhotoWithCaption(t *testing.T) {
	s := &photoSender{}
	n, err := NewTelegram(Config{Target: kit.ChatTarget{ChatID: 1}, RatePerSec: 100}, s, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	n.SetImages(staticImages("https://cdn.example/psv.png"))
	if err := n.Publish(context.Background(), transfer.Event{ID: 5, Feed: "Holland", Player: "jan"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(s.photos) != 1 || s.photos[0] != "https://cdn.example/psv.png" || !strings.Contains(s.captions[0], "Transfer: jan") {
		t.Fatalf("photos = %q captions = %q", s.photos, s.captions)
	}
	if len(s.texts) != 0 {
		t.Fatalf("texts = %q, want none", s.texts)
	}

	// No picture: plain message.
	n.SetImages(staticImages(""))
	if err := n.Publish(context.Background(), transfer.Event{ID: 6, Feed: "Holland"}); err != nil {
		t.Fatal(err)
	}
	if len(s.photos) != 1 || len(s.texts) != 1 {
		t.Fatalf("photos = %d texts = %d", len(s.photos), len(s.texts))
	}
}

func TestPublishPhotoRejectedFallsBackToText(t *testing.T) {
	s := &photoSender{photoErr: &tele.Error{Code: 400, Description: "Bad Request: wrong file identifier/HTTP URL specified"}}
	n, err := NewTelegram(Config{Target: kit.ChatTarget{ChatID: 1}, RatePerSec: 100}, s, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	n.SetImages(staticImages("https://cdn.example/broken.webp"))
	if err := n.Publish(context.Background(), transfer.Event{ID: 7, Feed: "Holland", Player: "piet"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(s.texts) != 1 || !strings.Contains(s.texts[0], "Transfer: piet") {
		t.Fatalf("texts = %q", s.texts)
	}

	// A retryable photo failure is returned so the event is retried, not
	// posted twice.
	s.photoErr = &tele.Error{Code: 502, Description: "Bad Gateway"}
	if err := n.Publish(context.Background(), transfer.Event{ID: 8, Feed: "Holland"}); !IsRetryable(err) {
		t.Fatalf("err = %v, want retryable", err)
	}
	if len(s.texts) != 1 {
		t.Fatalf("texts = %q, want no text fallback", s.texts)
	}
}
