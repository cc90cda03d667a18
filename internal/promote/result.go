package promote

import (
	"context"
	"sync"

	"pkt.systems/mprepair/internal/txnid"
)

// ResultState is the externally visible state of a Result.
type ResultState string

const (
	// ResultPending means the promotion has not resolved yet.
	ResultPending ResultState = "pending"
	// ResultCompleted means repairs were dispatched and Value holds the
	// highest transaction id observed.
	ResultCompleted ResultState = "completed"
	// ResultFailed means the attempt was abandoned with an error.
	ResultFailed ResultState = "failed"
	// ResultCancelled means the caller gave up before dispatch started.
	ResultCancelled ResultState = "cancelled"

	// resultDispatching is held while repairs are being broadcast. It is
	// reported as pending but can no longer be cancelled.
	resultDispatching ResultState = "dispatching"
)

// Result is the single-assignment, cancellable outcome of one promotion
// attempt. It is safe for concurrent use.
type Result struct {
	mu    sync.Mutex
	state ResultState
	value txnid.TxnID
	err   error
	done  chan struct{}
}

func newResult() *Result {
	return &Result{
		state: ResultPending,
		value: txnid.NoPromotion,
		done:  make(chan struct{}),
	}
}

// Cancel requests cancellation. It reports false when the result has
// already resolved or repair dispatch has begun.
func (r *Result) Cancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != ResultPending {
		return false
	}
	r.state = ResultCancelled
	close(r.done)
	return true
}

// claim moves a pending result into dispatching. Once claimed, Cancel fails;
// once cancelled, claim fails.
func (r *Result) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != ResultPending {
		return false
	}
	r.state = resultDispatching
	return true
}

func (r *Result) complete(value txnid.TxnID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != ResultPending && r.state != resultDispatching {
		return false
	}
	r.state = ResultCompleted
	r.value = value
	close(r.done)
	return true
}

// fail resolves the result with err and the NoPromotion value so callers
// watching either the error or the value observe termination.
func (r *Result) fail(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != ResultPending && r.state != resultDispatching {
		return false
	}
	r.state = ResultFailed
	r.err = err
	r.value = txnid.NoPromotion
	close(r.done)
	return true
}

// Done is closed once the result resolves.
func (r *Result) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the result resolves or ctx ends. Cancellation surfaces
// as ErrCancelled.
func (r *Result) Wait(ctx context.Context) (txnid.TxnID, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		return txnid.NoPromotion, ctx.Err()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case ResultCompleted:
		return r.value, nil
	case ResultCancelled:
		return txnid.NoPromotion, ErrCancelled
	default:
		return txnid.NoPromotion, r.err
	}
}

// State reports the current state.
func (r *Result) State() ResultState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == resultDispatching {
		return ResultPending
	}
	return r.state
}

// Value returns the resolved value; NoPromotion unless completed.
func (r *Result) Value() txnid.TxnID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// Err returns the failure cause, ErrCancelled, or nil.
func (r *Result) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case ResultFailed:
		return r.err
	case ResultCancelled:
		return ErrCancelled
	}
	return nil
}

// IsCancelled reports whether Cancel took effect.
func (r *Result) IsCancelled() bool {
	return r.State() == ResultCancelled
}

// IsDone reports whether the result resolved in any way.
func (r *Result) IsDone() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
