// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package transcode converts between application values and 16-bit
// register values.
//
// The forward direction (ToRegister) never fails: anything that cannot be
// interpreted becomes 0 so the serial link keeps answering. The reverse
// direction (FromRegister) is best effort and not a bijection.
package transcode

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// errorMarkers appear in results of a failed upstream evaluation.
var errorMarkers = []string{"TypeError:", "ValueError:", "NameError:", "AttributeError:"}

var builtinForward = map[string]int16{
	"off":         0,
	"heat":        1,
	"cool":        2,
	"auto":        3,
	"dry":         4,
	"fan_only":    5,
	"idle":        0,
	"heating":     1,
	"cooling":     2,
	"false":       0,
	"true":        1,
	"on":          1,
	"unknown":     0,
	"unavailable": 0,
}

var builtinReverse = map[int16]string{
	0: "off",
	1: "heat",
	2: "cool",
	3: "auto",
	4: "dry",
	5: "fan_only",
}

var scalePattern = regexp.MustCompile(`\*\s*(\d+)`)

// Precedence decides whether scaling or the value map wins in FromRegister
// when both are configured.
type Precedence int

const (
	ScaleFirst Precedence = iota
	MapFirst
)

func (p Precedence) String() string {
	if p == MapFirst {
		return "map"
	}
	return "scale"
}

// ParsePrecedence accepts "scale", "map" or "" (ScaleFirst).
func ParsePrecedence(s string) (Precedence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "scale":
		return ScaleFirst, nil
	case "map":
		return MapFirst, nil
	default:
		return ScaleFirst, fmt.Errorf("unknown reverse precedence %q", s)
	}
}

// HasErrorMarker reports whether s looks like the text of an evaluation error.
func HasErrorMarker(s string) bool {
	for _, m := range errorMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// ToRegister converts a value-source result to a register value.
func ToRegister(value any, m ValueMap) int16 {
	if value == nil {
		return 0
	}
	text := strings.TrimSpace(stringify(value))
	if HasErrorMarker(text) {
		slog.Warn("Evaluation error in value, using 0", "value", text)
		return 0
	}

	if f, ok := parseNumber(text); ok {
		return saturate(f)
	}

	for _, e := range m {
		if !strings.EqualFold(e.Key, text) {
			continue
		}
		f, ok := numeric(e.Value)
		if !ok {
			slog.Warn("Value map contains non-numeric value", "key", e.Key, "value", e.Value)
			continue
		}
		return saturate(f)
	}

	if v, ok := builtinForward[strings.ToLower(text)]; ok {
		return v
	}

	slog.Warn("Could not convert value to a register value, using 0", "value", text)
	return 0
}

// FromResult folds a tagged value-source result into a register value.
func FromResult(r Result, m ValueMap) int16 {
	switch r.Kind {
	case KindUnavailable:
		slog.Warn("Value unavailable, using 0")
		return 0
	case KindEvalError:
		slog.Warn("Value evaluation failed, using 0", "err", r.Message)
		return 0
	default:
		return ToRegister(r.Value, m)
	}
}

// FromRegister converts a register value written by the master back into the
// symbolic form handed to the write-back sink.
func FromRegister(value int16, m ValueMap, scale uint32, p Precedence) string {
	if p == MapFirst {
		if key, ok := m.reverse(value); ok {
			return key
		}
	}
	if scale > 1 {
		return formatScaled(float64(value) / float64(scale))
	}
	if p == ScaleFirst {
		if key, ok := m.reverse(value); ok {
			return key
		}
	}
	if s, ok := builtinReverse[value]; ok {
		return s
	}
	return strconv.Itoa(int(value))
}

// DetectScale finds the first "* N" multiplication in a value expression.
func DetectScale(expr string) (uint32, bool) {
	match := scalePattern.FindStringSubmatch(expr)
	if match == nil {
		return 0, false
	}
	n, err := strconv.ParseUint(match[1], 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// EffectiveScale returns the configured scale, or the one inferred from expr
// when none is configured.
func EffectiveScale(explicit uint32, expr string) uint32 {
	if explicit > 0 {
		return explicit
	}
	if n, ok := DetectScale(expr); ok {
		return n
	}
	return 0
}

func formatScaled(f float64) string {
	if f == math.Trunc(f) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		if x {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprint(v)
	}
}

func parseNumber(s string) (float64, bool) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// numeric interprets a value map entry as a number.
func numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, !math.IsNaN(x) && !math.IsInf(x, 0)
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		return parseNumber(strings.TrimSpace(x))
	default:
		return 0, false
	}
}

func saturate(f float64) int16 {
	t := math.Trunc(f)
	switch {
	case t > math.MaxInt16:
		slog.Warn("Value exceeds register range, saturating", "value", f)
		return math.MaxInt16
	case t < math.MinInt16:
		slog.Warn("Value below register range, saturating", "value", f)
		return math.MinInt16
	}
	return int16(t)
}
