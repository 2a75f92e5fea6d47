package inbound

import (
	"context"
	"sync"
	"time"
)

// stopper is the part of *time.Timer the placeholder needs.
type stopper interface {
	Stop() bool
}

type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// placeholder tracks the interim message shown while a reply is pending.
// The timer creates it at most once; claim marks the reply as arrived, waits
// for an in-flight creation and hands over the id exactly once.
type placeholder struct {
	mu       sync.Mutex
	done     bool
	id       string
	creating chan struct{}
	timer    stopper

	send   func(ctx context.Context) (string, error)
	failed func(err error)
}

func startPlaceholder(ctx context.Context, delay time.Duration, after afterFunc, send func(ctx context.Context) (string, error), failed func(err error)) *placeholder {
	p := &placeholder{send: send, failed: failed}
	if send == nil {
		p.done = true
		return p
	}
	p.timer = after(delay, func() { p.fire(ctx) })
	return p
}

func (p *placeholder) fire(ctx context.Context) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	p.creating = ch
	p.mu.Unlock()

	id, err := p.send(ctx)

	p.mu.Lock()
	if err == nil {
		p.id = id
	}
	p.creating = nil
	p.mu.Unlock()
	close(ch)

	if err != nil && p.failed != nil {
		p.failed(err)
	}
}

// claim stops the timer and returns the placeholder id, or "" when none exists
// or it was already claimed.
func (p *placeholder) claim() string {
	p.mu.Lock()
	p.done = true
	if p.timer != nil {
		p.timer.Stop()
	}
	ch := p.creating
	p.mu.Unlock()

	if ch != nil {
		<-ch
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.id
	p.id = ""
	return id
}
