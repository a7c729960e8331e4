// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package source

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/ffutop/modbus-bridge/internal/state"
	"github.com/ffutop/modbus-bridge/internal/transcode"
	"gotest.tools/v3/assert"
)

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		expr string
		want error
	}{
		{"", ErrEmptyExpression},
		{"   ", ErrEmptyExpression},
		{"heat", ErrSyntax},
		{"'heat", ErrSyntax},
		{`"a"b"`, ErrSyntax},
		{"sensor.", ErrSyntax},
		{"a.b.c.d", ErrSyntax},
		{"sensor.x * ten", ErrSyntax},
		{"sensor.x ? 1", ErrSyntax},
		{"sensor.x *", ErrSyntax},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			_, err := Parse(tt.expr)
			assert.Assert(t, errors.Is(err, tt.want), "err = %v", err)
		})
	}
}

func TestExpression_Eval(t *testing.T) {
	st := state.NewStore()
	st.Set("sensor.outdoor", "12.5", map[string]any{"humidity": 40.0, "label": "north"})
	st.Set("climate.living", "heat", map[string]any{"temperature": 21.5})

	tests := []struct {
		expr string
		want transcode.Result
	}{
		{"42", transcode.OK(42.0)},
		{"'cool'", transcode.OK("cool")},
		{`"auto"`, transcode.OK("auto")},
		{"climate.living", transcode.OK("heat")},
		{"climate.living.temperature", transcode.OK(21.5)},
		{"climate.living.temperature * 10", transcode.OK(215.0)},
		{"sensor.outdoor*2", transcode.OK(25.0)},
		{"sensor.outdoor / 5", transcode.OK(2.5)},
		{"sensor.outdoor + 0.5", transcode.OK(13.0)},
		{"sensor.outdoor - 2.5", transcode.OK(10.0)},
		{"sensor.outdoor.humidity", transcode.OK(40.0)},
		{"sensor.outdoor.missing", transcode.OK(nil)},
		{"sensor.indoor", transcode.Unavailable()},
		{"sensor.indoor.humidity * 10", transcode.Unavailable()},
		{"sensor.outdoor / 0", transcode.EvalError("ZeroDivisionError: float division by zero")},
		{"sensor.outdoor + climate.living.temperature", transcode.OK(34.0)},
		{"abs(sensor.outdoor - 20)", transcode.OK(7.5)},
		{"climate.living == 'heat' ? 1 : 0", transcode.OK(1)},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			e, err := Parse(tt.expr)
			assert.NilError(t, err)
			got := e.Eval(st)
			assert.Assert(t, got.Equal(tt.want), "got %v, want %v", got, tt.want)
		})
	}
}

func TestExpression_EvalErrors(t *testing.T) {
	st := state.NewStore()
	st.Set("climate.living", "heat", map[string]any{"label": "north"})

	for _, in := range []string{
		"climate.living * 10",
		"climate.living.label - 1",
		"climate.living.missing * 10",
	} {
		t.Run(in, func(t *testing.T) {
			e, err := Parse(in)
			assert.NilError(t, err)
			r := e.Eval(st)
			assert.Equal(t, r.Kind, transcode.KindEvalError)
			assert.Assert(t, transcode.HasErrorMarker(r.Message), "message %q", r.Message)
			assert.Equal(t, transcode.FromResult(r, nil), int16(0))
		})
	}
}

func TestExpression_Entities(t *testing.T) {
	e, err := Parse("sensor.b.offset + sensor.a * 2 + sensor.a")
	assert.NilError(t, err)
	assert.DeepEqual(t, e.Entities(), []string{"sensor.a", "sensor.b"})
	assert.Assert(t, e.DependsOn("sensor.b"))
	assert.Assert(t, !e.DependsOn("sensor.c"))

	lit, err := Parse("'heat'")
	assert.NilError(t, err)
	assert.Equal(t, len(lit.Entities()), 0)
}

type recorder struct {
	mu      sync.Mutex
	results []transcode.Result
}

func (r *recorder) OnResult(res transcode.Result) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.results))
	for i, res := range r.results {
		out[i] = res.String()
	}
	return out
}

func TestSource_Subscribe(t *testing.T) {
	st := state.NewStore()
	st.Set("sensor.outdoor", "10", nil)
	src := New(st)

	rec := &recorder{}
	sub, first, err := src.Subscribe("sensor.outdoor * 10", rec)
	assert.NilError(t, err)
	assert.Assert(t, first.Equal(transcode.OK(100.0)))
	assert.Equal(t, sub.Expression(), "sensor.outdoor * 10")

	st.Set("sensor.outdoor", "10.0", nil) // same result, not reported
	st.Set("sensor.other", "3", nil)      // unrelated entity
	st.Set("sensor.outdoor", "11", nil)
	st.Remove("sensor.outdoor")
	st.Set("sensor.outdoor", "oops", nil)

	got := rec.all()
	assert.Equal(t, len(got), 4)
	assert.DeepEqual(t, got[:3], []string{"100", "110", "unavailable"})
	assert.Assert(t, strings.HasPrefix(got[3], "error: TypeError: "), got[3])

	sub.Unsubscribe()
	sub.Unsubscribe()
	st.Set("sensor.outdoor", "12", nil)
	assert.Equal(t, len(rec.all()), 4)
}

func TestSource_SubscribeLiteral(t *testing.T) {
	st := state.NewStore()
	src := New(st)
	rec := &recorder{}
	sub, first, err := src.Subscribe("'heat'", rec)
	assert.NilError(t, err)
	assert.Assert(t, first.Equal(transcode.OK("heat")))

	st.Set("climate.living", "cool", nil)
	assert.DeepEqual(t, rec.all(), []string{"heat"})
	sub.Unsubscribe()
}

func TestSource_SubscribeParseError(t *testing.T) {
	src := New(state.NewStore())
	_, _, err := src.Subscribe("sensor.x *", &recorder{})
	assert.Assert(t, errors.Is(err, ErrSyntax))
	assert.Assert(t, strings.Contains(err.Error(), "sensor.x *"))
}
