package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// RetryableError is a send failure that may succeed if tried again later.
// After, when positive, is the earliest retry the sink asked for.
type RetryableError struct {
	Err   error
	After time.Duration
}

func (e *RetryableError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("retryable send error (retry after %s): %v", e.After, e.Err)
	}
	return fmt.Sprintf("retryable send error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// FatalError is a send failure that retrying will not fix.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return fmt.Sprintf("fatal send error: %v", e.Err) }

func (e *FatalError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is (or wraps) a *RetryableError.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// IsFatal reports whether err is (or wraps) a *FatalError.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// RetryAfterHint returns the retry-after carried by a *RetryableError.
func RetryAfterHint(err error) (time.Duration, bool) {
	var re *RetryableError
	if errors.As(err, &re) && re.After > 0 {
		return re.After, true
	}
	return 0, false
}

// telebot reports Bot API errors it has no predefined value for as
// "telegram: <description> (<code>)".
var trailingCode = regexp.MustCompile(`\((\d{3})\)\s*$`)

// Classify maps a raw sender error onto *RetryableError or *FatalError.
// Errors that are already classified pass through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsRetryable(err) || IsFatal(err) {
		return err
	}

	if after, ok := floodWait(err); ok {
		return &RetryableError{Err: err, After: after}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &RetryableError{Err: err}
	}

	code := 0
	var te *tele.Error
	if errors.As(err, &te) {
		code = te.Code
	} else if m := trailingCode.FindStringSubmatch(err.Error()); m != nil {
		code, _ = strconv.Atoi(m[1])
	}
	if code != 0 {
		return classifyCode(err, code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &RetryableError{Err: err}
	}
	// Unknown failures without a status code are usually transport level
	// (connection reset, EOF, bad gateway HTML). The caller bounds retries.
	return &RetryableError{Err: err}
}

func classifyCode(err error, code int) error {
	switch {
	case code == http.StatusTooManyRequests:
		return &RetryableError{Err: err}
	case code >= 500:
		return &RetryableError{Err: err}
	case code == http.StatusUnauthorized, code == http.StatusForbidden, code == http.StatusNotFound:
		return &FatalError{Err: err}
	case code == http.StatusBadRequest && strings.Contains(strings.ToLower(err.Error()), "chat not found"):
		return &FatalError{Err: err}
	case code >= 400:
		return &FatalError{Err: err}
	default:
		return &RetryableError{Err: err}
	}
}

func floodWait(err error) (time.Duration, bool) {
	var fv tele.FloodError
	if errors.As(err, &fv) {
		return time.Duration(fv.RetryAfter) * time.Second, true
	}
	var fp *tele.FloodError
	if errors.As(err, &fp) && fp != nil {
		return time.Duration(fp.RetryAfter) * time.Second, true
	}
	return 0, false
}
