// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package source evaluates value expressions against the state store and
// reports their results to listeners as the state changes.
package source

import (
	"sync"

	"github.com/ffutop/modbus-bridge/internal/state"
	"github.com/ffutop/modbus-bridge/internal/transcode"
)

// Listener receives re-evaluated results. Calls for one subscription are
// serialised and arrive in change order.
type Listener interface {
	OnResult(r transcode.Result)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(r transcode.Result)

func (f ListenerFunc) OnResult(r transcode.Result) { f(r) }

// Source hands out expression subscriptions over one store.
type Source struct {
	store *state.Store
}

func New(store *state.Store) *Source {
	return &Source{store: store}
}

// Subscription follows one expression until Unsubscribe.
type Subscription struct {
	store    *state.Store
	expr     *Expression
	listener Listener

	mu     sync.Mutex
	last   transcode.Result
	closed bool
	cancel func()
}

// Subscribe compiles expr, evaluates it and returns that first result, which
// is also delivered to listener. listener is then notified whenever the
// result changes.
func (s *Source) Subscribe(expr string, listener Listener) (*Subscription, transcode.Result, error) {
	e, err := Parse(expr)
	if err != nil {
		return nil, transcode.Result{}, err
	}

	sub := &Subscription{store: s.store, expr: e, listener: listener}
	sub.mu.Lock()
	defer sub.mu.Unlock()

	if len(e.Entities()) > 0 {
		sub.cancel = s.store.Subscribe(sub.onChange)
	}
	sub.last = e.Eval(s.store)
	listener.OnResult(sub.last)
	return sub, sub.last, nil
}

// Expression returns the followed expression.
func (sub *Subscription) Expression() string {
	return sub.expr.String()
}

// Unsubscribe stops notifications. It is safe to call more than once.
func (sub *Subscription) Unsubscribe() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	if sub.cancel != nil {
		sub.cancel()
	}
}

func (sub *Subscription) onChange(c state.Change) {
	if !sub.expr.DependsOn(c.ID) {
		return
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}
	r := sub.expr.Eval(sub.store)
	if r.Equal(sub.last) {
		return
	}
	sub.last = r
	sub.listener.OnResult(r)
}
