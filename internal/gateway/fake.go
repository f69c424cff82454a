package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/overflow-control/model"
)

// Behavior scripts a Fake's reply for one valve. attempt counts calls for the
// valve, starting at 1.
type Behavior func(ctx context.Context, attempt int, req Request) (Response, error)

// Fake is an in-memory gateway. Valves without a behavior move to the
// requested position after Delay and acknowledge.
type Fake struct {
	Delay time.Duration

	mu          sync.Mutex
	positions   map[string]int
	calls       map[string]int
	behaviors   map[string]Behavior
	inFlight    map[string]int
	maxInFlight map[string]int
}

// NewFake returns a Fake with every valve closed.
func NewFake() *Fake {
	return &Fake{
		positions:   make(map[string]int),
		calls:       make(map[string]int),
		behaviors:   make(map[string]Behavior),
		inFlight:    make(map[string]int),
		maxInFlight: make(map[string]int),
	}
}

// Script installs b for valve.
func (f *Fake) Script(valve string, b Behavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[valve] = b
}

// SetValve implements Gateway.
func (f *Fake) SetValve(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	f.calls[req.ValveID]++
	attempt := f.calls[req.ValveID]
	f.inFlight[req.ValveID]++
	if f.inFlight[req.ValveID] > f.maxInFlight[req.ValveID] {
		f.maxInFlight[req.ValveID] = f.inFlight[req.ValveID]
	}
	b := f.behaviors[req.ValveID]
	delay := f.Delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight[req.ValveID]--
		f.mu.Unlock()
	}()

	if b != nil {
		resp, err := b(ctx, attempt, req)
		if err == nil && resp.Status == StatusAcknowledged {
			f.setPosition(req.ValveID, resp.ActualPercent)
		}
		return resp, err
	}

	if delay > 0 {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	f.setPosition(req.ValveID, req.TargetPercent)
	return Response{Status: StatusAcknowledged, ActualPercent: req.TargetPercent}, nil
}

func (f *Fake) setPosition(valve string, pct int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions[valve] = pct
}

// Position returns the last acknowledged position of valve.
func (f *Fake) Position(valve string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions[valve]
}

// Positions returns a copy of every known valve position.
func (f *Fake) Positions() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.positions))
	for k, v := range f.positions {
		out[k] = v
	}
	return out
}

// Calls returns how many times valve was commanded.
func (f *Fake) Calls(valve string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[valve]
}

// MaxConcurrent returns the highest number of simultaneous calls observed
// for valve.
func (f *Fake) MaxConcurrent(valve string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxInFlight[valve]
}

// Reject makes every command rejected.
func Reject(reason string) Behavior {
	return func(context.Context, int, Request) (Response, error) {
		return Response{Status: StatusRejected, Message: reason}, nil
	}
}

// Hang blocks until the caller gives up.
func Hang() Behavior {
	return func(ctx context.Context, _ int, _ Request) (Response, error) {
		<-ctx.Done()
		return Response{}, fmt.Errorf("%w: %v", model.ErrCommandTimedOut, ctx.Err())
	}
}

// Unreachable fails the first n attempts with ErrGatewayUnreachable and
// acknowledges afterwards. A negative n never recovers.
func Unreachable(n int) Behavior {
	return func(_ context.Context, attempt int, req Request) (Response, error) {
		if n < 0 || attempt <= n {
			return Response{}, fmt.Errorf("%w: valve %s", model.ErrGatewayUnreachable, req.ValveID)
		}
		return Response{Status: StatusAcknowledged, ActualPercent: req.TargetPercent}, nil
	}
}

// Drift acknowledges but settles offset percent away from the target.
func Drift(offset int) Behavior {
	return func(_ context.Context, _ int, req Request) (Response, error) {
		return Response{Status: StatusAcknowledged, ActualPercent: req.TargetPercent + offset}, nil
	}
}

// Slow acknowledges after d unless ctx ends first.
func Slow(d time.Duration) Behavior {
	return func(ctx context.Context, _ int, req Request) (Response, error) {
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-time.After(d):
		}
		return Response{Status: StatusAcknowledged, ActualPercent: req.TargetPercent}, nil
	}
}
