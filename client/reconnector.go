package client

import (
	"chat-relay/clock"
	"chat-relay/errors"
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultMaxAttempts = 5
	baseDelay          = time.Second
)

var errConnectionDropped = stderrors.New("connection dropped while reconnecting")

type State int

const (
	Connected State = iota
	Disconnected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// DialFunc re-establishes the connection. It must re-authenticate and
// restore whatever the caller considers part of being connected.
type DialFunc func(ctx context.Context) error

// Reconnector drives Connected → Disconnected → Reconnecting → Connected.
// Retries are scheduled on the clock after 2^attempt seconds. Failed is
// terminal until Retry is called.
type Reconnector struct {
	mu          sync.Mutex
	log         *slog.Logger
	clk         clock.Clock
	dial        DialFunc
	maxAttempts int
	onChange    func(State)

	state      State
	attempt    int
	timer      *clock.Timer
	generation int
	ctx        context.Context
	// lost is set when the connection being dialed dropped before the
	// dial returned.
	lost bool
}

func NewReconnector(log *slog.Logger, clk clock.Clock, dial DialFunc, maxAttempts int, onChange func(State)) *Reconnector {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if onChange == nil {
		onChange = func(State) {}
	}
	return &Reconnector{
		log:         log,
		clk:         clk,
		dial:        dial,
		maxAttempts: maxAttempts,
		onChange:    onChange,
		state:       Disconnected,
		ctx:         context.Background(),
	}
}

func (r *Reconnector) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconnector) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// Delay is the wait before the given attempt.
func Delay(attempt int) time.Duration {
	return baseDelay << attempt
}

// Connected records a successful (re)connection and resets the counter.
func (r *Reconnector) Connected(ctx context.Context) {
	r.mu.Lock()
	r.cancelLocked()
	r.ctx = ctx
	r.attempt = 0
	r.state = Connected
	r.mu.Unlock()
	r.onChange(Connected)
}

// ConnectionLost starts the retry schedule after an involuntary disconnect.
// During a reconnection it fails the attempt in flight; otherwise it is
// ignored unless the connection was up.
func (r *Reconnector) ConnectionLost() {
	r.mu.Lock()
	if r.state == Reconnecting {
		r.lost = true
		r.mu.Unlock()
		return
	}
	if r.state != Connected {
		r.mu.Unlock()
		return
	}
	r.attempt = 0
	r.state = Disconnected
	r.scheduleLocked()
	r.mu.Unlock()
	r.log.Warn("Connection lost, reconnecting", "delay", Delay(0))
	r.onChange(Disconnected)
}

// Disconnect is voluntary: any scheduled retry is cancelled and none follows.
func (r *Reconnector) Disconnect() {
	r.mu.Lock()
	r.cancelLocked()
	changed := r.state != Disconnected
	r.state = Disconnected
	r.mu.Unlock()
	if changed {
		r.onChange(Disconnected)
	}
}

// Retry restarts the schedule from Failed after a user action.
func (r *Reconnector) Retry() bool {
	r.mu.Lock()
	if r.state != Failed {
		r.mu.Unlock()
		return false
	}
	r.attempt = 0
	r.state = Disconnected
	r.scheduleLocked()
	r.mu.Unlock()
	r.onChange(Disconnected)
	return true
}

func (r *Reconnector) scheduleLocked() {
	r.generation++
	generation := r.generation
	r.timer = r.clk.AfterFunc(Delay(r.attempt), func() { r.fire(generation) })
}

func (r *Reconnector) cancelLocked() {
	r.generation++
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *Reconnector) fire(generation int) {
	r.mu.Lock()
	if generation != r.generation || r.state != Disconnected {
		r.mu.Unlock()
		return
	}
	r.state = Reconnecting
	r.lost = false
	r.timer = nil
	attempt := r.attempt
	ctx := r.ctx
	r.mu.Unlock()
	r.onChange(Reconnecting)

	err := r.dial(ctx)

	r.mu.Lock()
	if generation != r.generation {
		// Disconnect won the race, the dial result is not wanted.
		r.mu.Unlock()
		return
	}
	if err == nil && r.lost {
		err = errConnectionDropped
	}
	if err == nil {
		r.attempt = 0
		r.state = Connected
		r.mu.Unlock()
		r.log.Info("Reconnected", "attempt", attempt+1)
		r.onChange(Connected)
		return
	}
	r.attempt++
	if r.attempt >= r.maxAttempts || stderrors.Is(err, errors.ErrAuthenticationFailure) {
		r.state = Failed
		r.mu.Unlock()
		r.log.Error("Reconnection abandoned", "attempts", attempt+1, "error", err)
		r.onChange(Failed)
		return
	}
	r.state = Disconnected
	r.scheduleLocked()
	delay := Delay(r.attempt)
	r.mu.Unlock()
	r.log.Warn("Reconnection attempt failed", "attempt", attempt+1, "next_delay", delay, "error", err)
	r.onChange(Disconnected)
}
