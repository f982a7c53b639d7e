package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Huddle/internal/core"
	"github.com/rs/zerolog/log"
)

const (
	DefaultRequestTimeout = 20 * time.Second
	DefaultRequestRetries = 3
)

// TimeoutError is returned when an attempt got no response in time.
type TimeoutError struct {
	Method   string
	Timeout  time.Duration
	Attempts int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request %q timed out after %d attempt(s) of %s", e.Method, e.Attempts, e.Timeout)
}

func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// Requester sends server-initiated requests with a per-attempt timeout.
// Only timeouts are retried; Retries is the total number of attempts.
type Requester struct {
	Timeout time.Duration
	Retries int
}

func NewRequester(timeout time.Duration, retries int) *Requester {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if retries <= 0 {
		retries = DefaultRequestRetries
	}
	return &Requester{Timeout: timeout, Retries: retries}
}

func (r *Requester) Request(ctx context.Context, ch core.SignalChannel, method string, data any) (json.RawMessage, error) {
	if ch == nil {
		return nil, core.ErrChannelClosed
	}
	var lastErr error
	for attempt := 1; attempt <= r.Retries; attempt++ {
		res, err := r.attempt(ctx, ch, method, data)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = &TimeoutError{Method: method, Timeout: r.Timeout, Attempts: attempt}
		log.Debug().
			Str("module", "signaling").
			Str("channel", ch.ID()).
			Str("method", method).
			Int("attempt", attempt).
			Msg("request timed out")
	}
	return nil, lastErr
}

func (r *Requester) attempt(ctx context.Context, ch core.SignalChannel, method string, data any) (json.RawMessage, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	return ch.Request(attemptCtx, method, data)
}
