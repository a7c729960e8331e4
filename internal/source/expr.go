// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package source

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/file"
	"github.com/expr-lang/expr/vm"
	"github.com/ffutop/modbus-bridge/internal/state"
	"github.com/ffutop/modbus-bridge/internal/transcode"
)

var (
	ErrEmptyExpression = errors.New("source: empty expression")
	ErrSyntax          = errors.New("source: syntax error")
)

// Names the entity references are rewritten to.
const (
	stateFunc = "entityState"
	attrFunc  = "entityAttr"
)

// Expression is a compiled value expression. Besides literals and the
// expr-lang operators it understands entity references:
//
//	sensor.outdoor               state of the entity
//	climate.living.temperature   attribute of the entity
//	sensor.outdoor * 10          any arithmetic on them
//
// Numeric entity states are handed to the program as numbers.
type Expression struct {
	raw      string
	program  *vm.Program
	entities []string
}

// refPatcher rewrites entity references into lookup calls and records the
// entities the expression depends on.
type refPatcher struct {
	entities map[string]bool
	created  map[ast.Node]bool
	idents   int
	consumed int
	err      error
}

func (p *refPatcher) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		p.idents++
	case *ast.CallNode:
		if _, ok := n.Callee.(*ast.IdentifierNode); ok && !p.created[n] {
			p.consumed++
		}
	case *ast.MemberNode:
		prop, ok := n.Property.(*ast.StringNode)
		if !ok {
			return
		}
		switch inner := n.Node.(type) {
		case *ast.IdentifierNode:
			id := inner.Value + "." + prop.Value
			p.entities[id] = true
			p.consumed++
			p.replace(node, stateFunc, id)
		case *ast.CallNode:
			if !p.created[inner] {
				return
			}
			if callee := inner.Callee.(*ast.IdentifierNode); callee.Value != stateFunc {
				p.err = fmt.Errorf("%w: reference deeper than domain.object.attribute", ErrSyntax)
				return
			}
			id := inner.Arguments[0].(*ast.StringNode).Value
			p.replace(node, attrFunc, id, prop.Value)
		}
	}
}

func (p *refPatcher) replace(node *ast.Node, fn string, args ...string) {
	call := &ast.CallNode{Callee: &ast.IdentifierNode{Value: fn}}
	for _, a := range args {
		call.Arguments = append(call.Arguments, &ast.StringNode{Value: a})
	}
	p.created[call] = true
	ast.Patch(node, call)
}

// Parse compiles a value expression.
func Parse(input string) (*Expression, error) {
	if strings.TrimSpace(input) == "" {
		return nil, ErrEmptyExpression
	}
	p := &refPatcher{entities: make(map[string]bool), created: make(map[ast.Node]bool)}
	program, err := expr.Compile(input, expr.Patch(p))
	if err != nil {
		return nil, fmt.Errorf("%w in %q: %s", ErrSyntax, input, errorMessage(err))
	}
	if p.err != nil {
		return nil, fmt.Errorf("%w in %q", p.err, input)
	}
	if p.idents > p.consumed {
		return nil, fmt.Errorf("%w in %q: bare names must be domain.object references", ErrSyntax, input)
	}

	e := &Expression{raw: input, program: program}
	for id := range p.entities {
		e.entities = append(e.entities, id)
	}
	sort.Strings(e.entities)
	return e, nil
}

// String returns the expression as written.
func (e *Expression) String() string { return e.raw }

// Entities returns the referenced entity ids, none for a literal.
func (e *Expression) Entities() []string { return e.entities }

// DependsOn reports whether the expression reads entity id.
func (e *Expression) DependsOn(id string) bool {
	i := sort.SearchStrings(e.entities, id)
	return i < len(e.entities) && e.entities[i] == id
}

// Eval evaluates the expression against the store. A reference to a missing
// entity makes the whole result unavailable.
func (e *Expression) Eval(st *state.Store) transcode.Result {
	var missing bool
	lookup := func(id string) (state.Entity, bool) {
		ent, ok := st.Get(id)
		if !ok {
			missing = true
		}
		return ent, ok
	}
	env := map[string]any{
		stateFunc: func(id string) any {
			ent, ok := lookup(id)
			if !ok {
				return nil
			}
			return coerce(ent.State)
		},
		attrFunc: func(id, name string) any {
			ent, ok := lookup(id)
			if !ok {
				return nil
			}
			return coerce(ent.Attributes[name])
		},
	}

	out, err := expr.Run(e.program, env)
	if missing {
		return transcode.Unavailable()
	}
	if err != nil {
		return transcode.EvalError("TypeError: " + errorMessage(err))
	}
	if f, ok := out.(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
		return transcode.EvalError("ZeroDivisionError: float division by zero")
	}
	return transcode.OK(out)
}

// coerce turns numeric strings into numbers so arithmetic works on states.
func coerce(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return s
	}
	return f
}

func errorMessage(err error) string {
	var fe *file.Error
	if errors.As(err, &fe) {
		return fe.Message
	}
	return err.Error()
}
