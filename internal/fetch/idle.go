package fetch

import (
	"context"
	"io"
	"sync/atomic"
	"time"
)

// idleTimeoutReader cancels the request when no bytes arrive for d.
// Every successful Read pushes the deadline out again.
type idleTimeoutReader struct {
	r     io.Reader
	d     time.Duration
	timer *time.Timer
	fired atomic.Bool
}

func newIdleTimeoutReader(r io.Reader, d time.Duration, cancel context.CancelFunc) *idleTimeoutReader {
	ir := &idleTimeoutReader{r: r, d: d}
	if d > 0 {
		ir.timer = time.AfterFunc(d, func() {
			ir.fired.Store(true)
			cancel()
		})
	}
	return ir
}

func (ir *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 && ir.timer != nil && !ir.fired.Load() {
		ir.timer.Reset(ir.d)
	}
	return n, err
}

func (ir *idleTimeoutReader) expired() bool { return ir.fired.Load() }

func (ir *idleTimeoutReader) stop() {
	if ir.timer != nil {
		ir.timer.Stop()
	}
}
