// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package transcode

import "fmt"

// Kind tags a Result.
type Kind int

const (
	KindOK Kind = iota
	KindUnavailable
	KindEvalError
)

// Result is what a value source hands over for a binding.
type Result struct {
	Kind    Kind
	Value   any
	Message string
}

// OK wraps a successfully evaluated value.
func OK(v any) Result { return Result{Kind: KindOK, Value: v} }

// Unavailable reports that the referenced state does not exist.
func Unavailable() Result { return Result{Kind: KindUnavailable} }

// EvalError reports an evaluation failure.
func EvalError(msg string) Result { return Result{Kind: KindEvalError, Message: msg} }

// Equal reports whether two results carry the same outcome.
func (r Result) Equal(o Result) bool {
	if r.Kind != o.Kind || r.Message != o.Message {
		return false
	}
	return fmt.Sprint(r.Value) == fmt.Sprint(o.Value)
}

func (r Result) String() string {
	switch r.Kind {
	case KindUnavailable:
		return "unavailable"
	case KindEvalError:
		return "error: " + r.Message
	default:
		return fmt.Sprint(r.Value)
	}
}
