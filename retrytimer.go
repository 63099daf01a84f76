package tftp

import "time"

// RetryTimer is a single-shot, reschedulable retransmission timer.
// StartNoDelay fires at the next quantum; Start fires after the
// current backoff; each successive expiry without a Reset doubles
// the backoff up to a cap, and after a further cap of expiries the
// timer fires with its terminal "fail" indicator set.
type RetryTimer struct {
	// C delivers one bool per expiry: true once the attempt cap has
	// been exceeded, false otherwise.
	C chan bool

	base     time.Duration
	maxDelay time.Duration
	maxTries int

	delay time.Duration
	tries int
	t     *time.Timer
}

// NewRetryTimer builds a timer using the given base delay, backoff
// cap, and attempt cap before firing with fail=true.
func NewRetryTimer(base, maxDelay time.Duration, maxTries int) *RetryTimer {
	return &RetryTimer{
		C:        make(chan bool, 1),
		base:     base,
		maxDelay: maxDelay,
		maxTries: maxTries,
		delay:    base,
	}
}

// StartNoDelay resets the backoff state to its initial base delay
// and schedules the next expiry for the next quantum.
func (r *RetryTimer) StartNoDelay() {
	r.tries = 0
	r.delay = r.base
	r.schedule(0)
}

// Start schedules the next expiry after the current backoff, without
// resetting the attempt count (the backoff already grew the previous
// time this timer fired).
func (r *RetryTimer) Start() {
	r.schedule(r.delay)
}

// Reset cancels any pending expiry and rearms the timer at its base
// delay with the attempt count cleared. Used whenever a transfer
// makes progress (an OACK or DATA arrives), so the next retransmit
// window starts fresh rather than continuing a decayed backoff.
func (r *RetryTimer) Reset() {
	r.Stop()
	r.tries = 0
	r.delay = r.base
	r.schedule(r.delay)
}

// Stop cancels the pending expiry, if any.
func (r *RetryTimer) Stop() {
	if r.t != nil {
		r.t.Stop()
	}
}

// Tries returns the number of expiries counted since the last
// StartNoDelay/Reset, including the expiry that most recently fired
// on C. Meant to be read from the reactor goroutine right after
// receiving from C, where the happens-before edge of that channel
// receive makes the count safe to read without further locking.
func (r *RetryTimer) Tries() int {
	return r.tries
}

func (r *RetryTimer) schedule(d time.Duration) {
	if r.t != nil {
		r.t.Stop()
	}
	r.t = time.AfterFunc(d, func() {
		r.tries++
		fail := r.tries > r.maxTries
		if !fail {
			r.delay *= 2
			if r.delay > r.maxDelay {
				r.delay = r.maxDelay
			}
		}
		select {
		case r.C <- fail:
		default:
			// reactor hasn't drained the previous expiry yet; in the
			// single-threaded reactor model this can't happen, but a
			// dropped expiry would just be caught by the next one.
		}
	})
}
