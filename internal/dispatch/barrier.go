// Package dispatch launches batches of independent kernels gated on one
// host-signalled barrier and hands their completion events to the timing
// collector.
package dispatch

import (
	"errors"
	"fmt"

	"github.com/cwbudde/oclbench/internal/cl"
)

type barrierState int

const (
	barrierPending barrierState = iota
	barrierSignalled
	barrierReleased
)

// Barrier is a user event that every unit of a batch waits on. Flipping it
// once releases all dependents at the same instant, whatever queue or
// device they were enqueued on.
//
// Misuse panics: signalling twice, releasing before signalling, releasing
// twice and attaching after release are programming errors.
type Barrier struct {
	ev         cl.UserEvent
	state      barrierState
	dependents int
}

// NewBarrier creates a pending barrier in ctx.
func NewBarrier(ctx cl.Context) (*Barrier, error) {
	ev, err := ctx.CreateUserEvent()
	if err != nil {
		return nil, fmt.Errorf("create barrier: %w", err)
	}
	return &Barrier{ev: ev}, nil
}

// Attach returns waitList extended by the barrier, ready to be passed to
// an enqueue call.
func (b *Barrier) Attach(waitList ...cl.Event) []cl.Event {
	if b.state == barrierReleased {
		panic("dispatch: attach to a released barrier")
	}
	b.dependents++
	out := make([]cl.Event, 0, len(waitList)+1)
	out = append(out, waitList...)
	return append(out, b.ev)
}

// Dependents is the number of Attach calls so far.
func (b *Barrier) Dependents() int { return b.dependents }

// Signal releases every dependent.
func (b *Barrier) Signal() error {
	if b.state != barrierPending {
		panic("dispatch: barrier signalled twice")
	}
	if err := b.ev.SetComplete(); err != nil {
		return fmt.Errorf("signal barrier: %w", err)
	}
	b.state = barrierSignalled
	return nil
}

// Release frees the underlying event. No dependent may be attached
// afterwards.
func (b *Barrier) Release() error {
	switch b.state {
	case barrierPending:
		panic("dispatch: release of an unsignalled barrier")
	case barrierReleased:
		panic("dispatch: barrier released twice")
	}
	b.state = barrierReleased
	return b.ev.Release()
}

// Close signals a still pending barrier and releases it. It is safe to
// defer on every exit path, including after Release.
func (b *Barrier) Close() error {
	if b == nil || b.state == barrierReleased {
		return nil
	}
	var signalErr error
	if b.state == barrierPending {
		signalErr = b.ev.SetComplete()
	}
	b.state = barrierReleased
	return errors.Join(signalErr, b.ev.Release())
}

// Event exposes the underlying user event.
func (b *Barrier) Event() cl.UserEvent { return b.ev }
