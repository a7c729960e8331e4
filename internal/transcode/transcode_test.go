// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transcode

import (
	"strconv"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func mustMap(t *testing.T, raw string) ValueMap {
	t.Helper()
	m, err := ParseValueMap(raw)
	assert.NilError(t, err)
	return m
}

func TestToRegister(t *testing.T) {
	m := mustMap(t, `{"Eco": 7, "broken": "n/a", "broken2": 9, "Boost": "12.9"}`)

	tests := []struct {
		name  string
		value any
		m     ValueMap
		want  int16
	}{
		{"Integer", "42", nil, 42},
		{"PaddedFloat", "  21.9 ", nil, 21},
		{"NegativeTruncatesTowardZero", "-3.7", nil, -3},
		{"Float64", 19.5, nil, 19},
		{"Int", 215, nil, 215},
		{"BoolTrue", true, nil, 1},
		{"Nil", nil, nil, 0},
		{"Empty", "", nil, 0},
		{"Garbage", "lorem ipsum", nil, 0},
		{"NaNIsNotNumeric", "nan", nil, 0},
		{"Overflow", "40000", nil, 32767},
		{"Underflow", "-99999", nil, -32768},
		{"MapCaseInsensitive", "ECO", m, 7},
		{"MapNumericString", "boost", m, 12},
		{"MapNonNumericSkipped", "broken", m, 0},
		{"BuiltinAfterMapMiss", "Cool", m, 2},
		{"BuiltinFanOnly", "fan_only", nil, 5},
		{"BuiltinUnavailable", "unavailable", nil, 0},
		{"BuiltinOn", "ON", nil, 1},
		{"ErrorMarker", "ValueError: could not convert string to float", nil, 0},
		{"ErrorMarkerWithNumber", "TypeError: 5", nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, ToRegister(tt.value, tt.m), tt.want)
		})
	}
}

func TestToRegisterMapSkipsBadEntryAndContinues(t *testing.T) {
	m := ValueMap{{Key: "mode", Value: []any{1}}, {Key: "MODE", Value: 3}}
	assert.Equal(t, ToRegister("mode", m), int16(3))
}

func TestToRegisterIdempotent(t *testing.T) {
	for _, x := range []any{0, 1, -1, 12.75, "99.99", -32768, 70000, "-1e3"} {
		first := ToRegister(x, nil)
		second := ToRegister(strconv.Itoa(int(first)), nil)
		assert.Equal(t, first, second, "input %v", x)
	}
}

func TestFromResult(t *testing.T) {
	assert.Equal(t, FromResult(OK("heat"), nil), int16(1))
	assert.Equal(t, FromResult(Unavailable(), nil), int16(0))
	assert.Equal(t, FromResult(EvalError("NameError: x"), nil), int16(0))
}

func TestFromRegister(t *testing.T) {
	m := mustMap(t, `{"low": 1, "LOW_ALIAS": 1, "high": 25, "weird": "x"}`)

	tests := []struct {
		name  string
		value int16
		m     ValueMap
		scale uint32
		p     Precedence
		want  string
	}{
		{"ScaledWhole", 250, nil, 10, ScaleFirst, "25"},
		{"ScaledFraction", 255, nil, 10, ScaleFirst, "25.5"},
		{"ScaledNegative", -5, nil, 100, ScaleFirst, "-0.05"},
		{"ScaleOneIgnored", 3, nil, 1, ScaleFirst, "auto"},
		{"MapFirstMatchWins", 1, m, 0, ScaleFirst, "low"},
		{"ScaleBeatsMap", 250, m, 10, ScaleFirst, "25"},
		{"MapBeatsScale", 25, m, 10, MapFirst, "high"},
		{"MapFirstFallsBackToScale", 250, m, 10, MapFirst, "25"},
		{"BuiltinReverse", 5, nil, 0, ScaleFirst, "fan_only"},
		{"Raw", 17, nil, 0, ScaleFirst, "17"},
		{"RawNegative", -1, nil, 0, ScaleFirst, "-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, FromRegister(tt.value, tt.m, tt.scale, tt.p), tt.want)
		})
	}
}

func TestDetectScale(t *testing.T) {
	n, ok := DetectScale("climate.living.temperature * 10")
	assert.Assert(t, ok)
	assert.Equal(t, n, uint32(10))

	n, ok = DetectScale("sensor.power*100 * 5")
	assert.Assert(t, ok)
	assert.Equal(t, n, uint32(100))

	_, ok = DetectScale("sensor.power / 10")
	assert.Assert(t, !ok)

	_, ok = DetectScale("")
	assert.Assert(t, !ok)

	assert.Equal(t, EffectiveScale(0, "x.y * 10"), uint32(10))
	assert.Equal(t, EffectiveScale(100, "x.y * 10"), uint32(100))
	assert.Equal(t, EffectiveScale(0, "x.y"), uint32(0))
}

func TestParseValueMap(t *testing.T) {
	m := mustMap(t, `{"b": 2, "a": 1, "c": {"nested": true}}`)
	assert.Assert(t, is.Len(m, 3))
	assert.Equal(t, m[0].Key, "b")
	assert.Equal(t, m[1].Key, "a")
	assert.Equal(t, m[2].Key, "c")
	assert.Equal(t, m[0].Value, 2.0)

	dup := mustMap(t, `{"a": 1, "b": 2, "a": 3}`)
	assert.Assert(t, is.Len(dup, 2))
	assert.Equal(t, dup[0].Key, "a")
	assert.Equal(t, dup[0].Value, 3.0)

	empty, err := ParseValueMap("  ")
	assert.NilError(t, err)
	assert.Assert(t, empty == nil)

	_, err = ParseValueMap(`[1, 2]`)
	assert.ErrorContains(t, err, "expected a JSON object")

	_, err = ParseValueMap(`{"a": 1`)
	assert.Assert(t, err != nil)
}

func TestParsePrecedence(t *testing.T) {
	p, err := ParsePrecedence("")
	assert.NilError(t, err)
	assert.Equal(t, p, ScaleFirst)

	p, err = ParsePrecedence("Map")
	assert.NilError(t, err)
	assert.Equal(t, p, MapFirst)

	_, err = ParsePrecedence("both")
	assert.ErrorContains(t, err, "unknown reverse precedence")
}

func TestResultEqual(t *testing.T) {
	assert.Assert(t, OK("1").Equal(OK("1")))
	assert.Assert(t, !OK("1").Equal(OK("2")))
	assert.Assert(t, Unavailable().Equal(Unavailable()))
	assert.Assert(t, !EvalError("a").Equal(Unavailable()))
}
