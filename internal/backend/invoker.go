package backend

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/packlabel/dateocr/internal/logging"
)

// Invoker runs backend calls with a wall-clock timeout.
//
// Each call gets a fresh goroutine. The backend cannot be cancelled, so
// when the timeout expires the goroutine is abandoned rather than killed:
// its eventual result is discarded into a buffered channel and the worker
// exits on its own whenever the backend returns. Repeated timeouts
// therefore accumulate lingering workers; the engine's resource guard
// watches process memory and rebuilds the backend when it grows past its
// ceiling.
type Invoker struct {
	log zerolog.Logger

	calls    atomic.Int64
	timeouts atomic.Int64
	failures atomic.Int64
}

// NewInvoker creates an Invoker.
func NewInvoker() *Invoker {
	return &Invoker{log: logging.New("invoker")}
}

type invokeResult struct {
	raw *RawResult
	err error
}

// Invoke runs b.Run(imagePath) on a worker goroutine and waits up to
// timeout for the result.
//
// On expiry it returns ErrTimedOut and does not terminate the worker.
// Backend failures are returned as BACKEND_FAILED processing errors.
func (iv *Invoker) Invoke(b Backend, imagePath string, timeout time.Duration) (*RawResult, error) {
	iv.calls.Add(1)

	// Buffered so the abandoned worker can always deliver and exit.
	ch := make(chan invokeResult, 1)
	go func() {
		raw, err := b.Run(imagePath)
		ch <- invokeResult{raw: raw, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			iv.failures.Add(1)
			return nil, NewBackendError(imagePath, res.err)
		}
		return res.raw, nil
	case <-timer.C:
		iv.timeouts.Add(1)
		iv.log.Warn().Str("image", imagePath).Dur("timeout", timeout).Msg("backend call abandoned after timeout")
		return nil, ErrTimedOut
	}
}

// InvokerStats is a snapshot of invoker counters.
type InvokerStats struct {
	Calls    int64 `json:"calls"`
	Timeouts int64 `json:"timeouts"`
	Failures int64 `json:"failures"`
}

// Stats returns current call, timeout and failure counts.
func (iv *Invoker) Stats() InvokerStats {
	return InvokerStats{
		Calls:    iv.calls.Load(),
		Timeouts: iv.timeouts.Load(),
		Failures: iv.failures.Load(),
	}
}
