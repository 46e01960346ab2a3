package stream

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

var ErrIdleTimeout = errors.New("no data received from the stream in time")

// IdleTimeoutReader fails reads once no bytes have arrived for the configured
// duration. When the timer fires it calls cancel so a blocked read on an HTTP
// body is released.
type IdleTimeoutReader struct {
	r       io.Reader
	d       time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

// NewIdleTimeoutReader wraps r. A non-positive d disables the timeout.
func NewIdleTimeoutReader(r io.Reader, d time.Duration, cancel context.CancelFunc) *IdleTimeoutReader {
	return NewIdleTimeout(d, cancel).Attach(r)
}

// NewIdleTimeout starts the timer before there is a body to read, so the wait
// for response headers counts against the same idle budget. Attach the body
// once the request returns.
func NewIdleTimeout(d time.Duration, cancel context.CancelFunc) *IdleTimeoutReader {
	t := &IdleTimeoutReader{d: d}
	if d > 0 {
		t.timer = time.AfterFunc(d, func() {
			t.expired.Store(true)
			if cancel != nil {
				cancel()
			}
		})
	}
	return t
}

// Attach sets the reader and restarts the idle window.
func (t *IdleTimeoutReader) Attach(r io.Reader) *IdleTimeoutReader {
	t.r = r
	if t.timer != nil && !t.expired.Load() {
		t.timer.Reset(t.d)
	}
	return t
}

// Err returns ErrIdleTimeout once the timer has fired, nil before.
func (t *IdleTimeoutReader) Err() error {
	if t.expired.Load() {
		return errors.Wrapf(ErrIdleTimeout, "after %s", t.d)
	}
	return nil
}

// Read implements io.Reader.
func (t *IdleTimeoutReader) Read(p []byte) (int, error) {
	if err := t.Err(); err != nil {
		return 0, err
	}
	n, err := t.r.Read(p)
	if expired := t.Err(); expired != nil {
		return n, expired
	}
	if n > 0 && t.timer != nil {
		t.timer.Reset(t.d)
	}
	return n, err
}

// Stop releases the timer.
func (t *IdleTimeoutReader) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}
