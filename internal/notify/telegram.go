// Package notify publishes transfer events to a chat and classifies send
// failures as retryable or fatal.
package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"
	tele "gopkg.in/telebot.v4"

	"transferbot/internal/transfer"
	kit "transferbot/internal/transport"
	logx "transferbot/pkg/logx"
)

// Notifier publishes one event. Errors are *RetryableError or *FatalError.
type Notifier interface {
	Publish(ctx context.Context, e transfer.Event) error
}

// ImageResolver picks a picture URL for an event, "" when there is none.
type ImageResolver interface {
	EventImage(ctx context.Context, e transfer.Event) string
}

// Telegram caps photo captions at 1024 characters.
const captionLimit = 1024

// Config controls the Telegram notifier.
type Config struct {
	Target         kit.ChatTarget
	Timezone       string        // IANA name; "" means DefaultTimezone
	RatePerSec     float64       // <= 0 means 1
	Burst          int           // <= 0 means 3
	SendTimeout    time.Duration // per message; <= 0 means 10s
	ImageTimeout   time.Duration // picture lookup per event; <= 0 means 10s
	DisablePreview bool
}

// Telegram is the Notifier backed by a transport.Sender.
//
// It is safe for concurrent use.
type Telegram struct {
	mu      sync.Mutex
	cfg     Config
	loc     *time.Location
	limiter *rate.Limiter
	images  ImageResolver

	sender kit.Sender
	log    logx.Logger
}

func NewTelegram(cfg Config, sender kit.Sender, log logx.Logger) (*Telegram, error) {
	if sender == nil {
		return nil, errors.New("notify: sender is nil")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	t := &Telegram{sender: sender, log: log}
	if err := t.Apply(cfg); err != nil {
		return nil, err
	}
	return t, nil
}

// Apply swaps the configuration. The limiter is rebuilt only when its
// settings changed.
func (t *Telegram) Apply(cfg Config) error {
	if cfg.Target.ChatID == 0 {
		return errors.New("notify: chat id is required")
	}
	if strings.TrimSpace(cfg.Timezone) == "" {
		cfg.Timezone = DefaultTimezone
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 3
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.ImageTimeout <= 0 {
		cfg.ImageTimeout = 10 * time.Second
	}
	loc, err := LoadLocation(cfg.Timezone)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.limiter == nil || t.cfg.RatePerSec != cfg.RatePerSec || t.cfg.Burst != cfg.Burst {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	t.cfg = cfg
	t.loc = loc
	return nil
}

// SetImages enables pictures when the sender can post photos. nil turns
// them off.
func (t *Telegram) SetImages(r ImageResolver) {
	t.mu.Lock()
	t.images = r
	t.mu.Unlock()
}

// Publish sends e as one formatted message, as a photo caption when a
// picture resolves. A rejected photo falls back to text, and text that
// Telegram cannot parse as HTML is sent once more without markup.
func (t *Telegram) Publish(ctx context.Context, e transfer.Event) error {
	t.mu.Lock()
	loc, cfg, images := t.loc, t.cfg, t.images
	t.mu.Unlock()

	fields := []logx.Field{logx.Int64("event_id", e.ID), logx.String("feed", e.Feed)}
	text := Format(e, loc)

	if ps, ok := t.sender.(kit.PhotoSender); ok && images != nil && utf8.RuneCountInString(text) <= captionLimit {
		ictx, cancel := context.WithTimeout(ctx, cfg.ImageTimeout)
		img := images.EventImage(ictx, e)
		cancel()
		if img != "" {
			err := t.send(ctx, func(c context.Context, cfg Config) (kit.MessageRef, error) {
				return ps.SendPhoto(c, cfg.Target, img, text, &kit.SendOptions{ParseMode: tele.ModeHTML})
			}, append(fields, logx.String("photo", img))...)
			if err == nil || IsRetryable(err) {
				return err
			}
			t.log.Warn("photo rejected; sending text", append(fields, logx.Err(err))...)
		}
	}

	err := t.sendText(ctx, text, tele.ModeHTML, fields...)
	if err != nil && isParseError(err) {
		t.log.Warn("telegram rejected HTML; sending plain text", fields...)
		err = t.sendText(ctx, FormatPlain(e, loc), "", fields...)
	}
	return err
}

// Announce posts the startup message listing the watched feeds.
func (t *Telegram) Announce(ctx context.Context, labels []string) error {
	return t.sendText(ctx, FormatAnnouncement(labels), tele.ModeHTML, logx.String("kind", "announce"))
}

func (t *Telegram) sendText(ctx context.Context, text, parseMode string, fields ...logx.Field) error {
	return t.send(ctx, func(c context.Context, cfg Config) (kit.MessageRef, error) {
		return t.sender.SendText(c, cfg.Target, text, &kit.SendOptions{
			ParseMode:      parseMode,
			DisablePreview: cfg.DisablePreview,
		})
	}, fields...)
}

// send waits for the limiter, runs call under the send timeout and
// classifies its error.
func (t *Telegram) send(ctx context.Context, call func(context.Context, Config) (kit.MessageRef, error), fields ...logx.Field) error {
	t.mu.Lock()
	cfg := t.cfg
	lim := t.limiter
	t.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return &RetryableError{Err: err}
	}

	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	ref, err := call(callCtx, cfg)
	if err != nil {
		err = Classify(err)
		lvl := t.log.Warn
		if IsFatal(err) {
			lvl = t.log.Error
		}
		lvl("telegram send failed", append(fields, logx.Err(err), logx.Duration("took", time.Since(start)))...)
		return err
	}
	t.log.Debug("telegram message sent", append(fields, logx.Int("message_id", ref.MessageID), logx.Duration("took", time.Since(start)))...)
	return nil
}

func isParseError(err error) bool {
	return IsFatal(err) && strings.Contains(strings.ToLower(err.Error()), "can't parse entities")
}
