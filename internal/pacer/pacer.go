// Package pacer restates the teacher's lib/pacer (retry/backoff with a
// connection-count token dispenser) as a small standalone primitive
// shared by rpcclient's connection retry (spec.md §4.2) and uploader's
// retry/backoff (spec.md §4.7).
package pacer

import (
	"sync"
	"time"
)

// State is the mutable backoff state, mirroring lib/pacer's State.
type State struct {
	SleepTime          time.Duration
	ConsecutiveRetries int
}

// Calculator derives the next sleep duration from State, mirroring
// lib/pacer's Calculator interface.
type Calculator interface {
	Calculate(in State) time.Duration
}

// Default is lib/pacer's exponential decay/attack calculator.
type Default struct {
	minSleep       time.Duration
	maxSleep       time.Duration
	decayConstant  uint
	attackConstant uint
}

// NewDefault builds a Default calculator with the teacher's defaults
// (10ms min, 2s max) unless overridden by options.
func NewDefault(opts ...Option) *Default {
	d := &Default{
		minSleep:       10 * time.Millisecond,
		maxSleep:       2 * time.Second,
		decayConstant:  2,
		attackConstant: 1,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Calculate implements Calculator: on success (ConsecutiveRetries == 0)
// sleep decays geometrically toward minSleep; on retry it attacks upward
// toward maxSleep.
func (d *Default) Calculate(in State) time.Duration {
	if in.ConsecutiveRetries == 0 {
		sleepTime := in.SleepTime
		if d.decayConstant > 0 {
			sleepTime = (sleepTime<<d.decayConstant - sleepTime) >> d.decayConstant
		} else {
			sleepTime = 0
		}
		if sleepTime < d.minSleep {
			sleepTime = d.minSleep
		}
		return sleepTime
	}

	sleepTime := in.SleepTime<<d.attackConstant + d.minSleep
	if sleepTime > d.maxSleep || sleepTime < in.SleepTime {
		sleepTime = d.maxSleep
	}
	return sleepTime
}

// Option configures a Default calculator.
type Option func(*Default)

// MinSleep sets the floor sleep duration.
func MinSleep(d time.Duration) Option { return func(c *Default) { c.minSleep = d } }

// MaxSleep sets the ceiling sleep duration.
func MaxSleep(d time.Duration) Option { return func(c *Default) { c.maxSleep = d } }

// TokenDispenser bounds concurrent use of a limited resource (e.g. open
// TCP connections), mirroring lib/pacer's TokenDispenser.
type TokenDispenser struct {
	tokens chan struct{}
}

// NewTokenDispenser builds a dispenser with n tokens available.
func NewTokenDispenser(n int) *TokenDispenser {
	td := &TokenDispenser{tokens: make(chan struct{}, n)}
	for i := 0; i < n; i++ {
		td.tokens <- struct{}{}
	}
	return td
}

// Get blocks until a token is available.
func (t *TokenDispenser) Get() { <-t.tokens }

// Put returns a token.
func (t *TokenDispenser) Put() { t.tokens <- struct{}{} }

// Pacer serializes retryable calls and tracks backoff state, mirroring
// lib/pacer's Pacer (minus the HTTP-specific retry predicate, which the
// caller supplies directly as a plain retry-or-not boolean).
type Pacer struct {
	mu         sync.Mutex
	calculator Calculator
	state      State
	retries    int
}

// New builds a Pacer with the teacher's default calculator and retries.
func New(retries int, calc Calculator) *Pacer {
	if calc == nil {
		calc = NewDefault()
	}
	p := &Pacer{calculator: calc, retries: retries}
	p.state.SleepTime = calc.Calculate(State{})
	return p
}

// Retries returns the configured maximum attempt count.
func (p *Pacer) Retries() int { return p.retries }

// Sleep blocks for the current backoff duration and advances state
// according to whether the last attempt should be retried.
func (p *Pacer) Sleep(retry bool) time.Duration {
	p.mu.Lock()
	if retry {
		p.state.ConsecutiveRetries++
	} else {
		p.state.ConsecutiveRetries = 0
	}
	sleepTime := p.calculator.Calculate(p.state)
	p.state.SleepTime = sleepTime
	p.mu.Unlock()

	if retry {
		time.Sleep(sleepTime)
	}
	return sleepTime
}
