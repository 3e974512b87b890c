package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies the outcome of a remote call. A nil error is success.
type Kind int

const (
	KindOK Kind = iota
	KindNotFound
	KindRateLimited
	KindTransient
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindOK:
		return "ok"
	case KindNotFound:
		return "not_found"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Error is the only error type returned by Client.
type Error struct {
	Kind       Kind
	Op         string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("order api ")
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (status %d)", e.StatusCode)
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " retry after %s", e.RetryAfter)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err. Errors that did not come from the
// gateway are transient when they are network failures, timeouts or
// cancellations, fatal otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return KindOK
	}
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.Kind
	}
	if isNetworkFailure(err) {
		return KindTransient
	}
	return KindFatal
}

// RetryAfterOf returns the server's retry hint for rate-limited errors.
func RetryAfterOf(err error) time.Duration {
	var gwErr *Error
	if errors.As(err, &gwErr) {
		return gwErr.RetryAfter
	}
	return 0
}

func IsNotFound(err error) bool    { return KindOf(err) == KindNotFound }
func IsRateLimited(err error) bool { return KindOf(err) == KindRateLimited }
func IsFatal(err error) bool       { return KindOf(err) == KindFatal }

// ClassifyStatus maps an HTTP status onto a Kind.
func ClassifyStatus(status int) Kind {
	switch {
	case status >= 200 && status < 300:
		return KindOK
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindFatal
	case status == http.StatusRequestTimeout:
		return KindTransient
	case status >= 500:
		return KindTransient
	default:
		return KindFatal
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func isNetworkFailure(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
