// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package genome turns model templates into concrete model documents by
// substituting genome values into the arithmetic expressions they contain.
//
// A template is plain text with expressions delimited by "[[" and "]]":
//
//	<joint lower="[[ -g(0) ]]" upper="[[ g(0) * 2 + pi ]]"/>
//
// Inside an expression, g(i) is the i-th genome value. The constants pi and e
// and the functions sin, cos, tan, sqrt, exp, log, pow, abs, min and max are
// available.
package genome

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/pkg/errors"
)

const (
	openDelim  = "[["
	closeDelim = "]]"
)

// SyntaxError reports a template whose delimiters do not pair up. It is
// fatal to that template only.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("template syntax error at offset %d: %s", e.Offset, e.Msg)
}

// EvalError reports an expression that could not be evaluated. The
// expression is replaced by 0 in the produced document.
type EvalError struct {
	Span int
	Expr string
	Err  error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("expression %d %q: %v", e.Span, e.Expr, e.Err)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

type span struct {
	literal string

	isExpr     bool
	source     string
	program    *vm.Program
	compileErr error
	value      float64
}

// Template is a compiled template. It can be applied to any number of
// genomes. A Template serializes concurrent calls to Apply.
type Template struct {
	mu     sync.Mutex
	spans  []span
	genome []float64
	env    map[string]interface{}
}

// Compile splits text into literal and expression spans and compiles every
// expression. An expression that does not compile is not an error here: it
// evaluates to 0 on every Apply.
func Compile(text string) (*Template, error) {
	t := &Template{env: constants()}
	opts := []expr.Option{
		expr.Env(t.env),
		expr.Function("g", t.gene, new(func(int) float64), new(func(float64) float64)),
	}
	opts = append(opts, mathFunctions()...)

	rest := text
	offset := 0
	for {
		i := strings.Index(rest, openDelim)
		if i < 0 {
			if rest != "" {
				t.spans = append(t.spans, span{literal: rest})
			}
			break
		}
		if i > 0 {
			t.spans = append(t.spans, span{literal: rest[:i]})
		}
		body := rest[i+len(openDelim):]
		j := strings.Index(body, closeDelim)
		if j < 0 {
			return nil, &SyntaxError{Offset: offset + i, Msg: "unmatched " + openDelim}
		}

		s := span{isExpr: true, source: strings.TrimSpace(body[:j])}
		s.program, s.compileErr = expr.Compile(s.source, opts...)
		t.spans = append(t.spans, s)

		consumed := i + len(openDelim) + j + len(closeDelim)
		offset += consumed
		rest = rest[consumed:]
	}
	return t, nil
}

// Apply evaluates every expression against genome and returns the document.
// Expressions that fail are substituted with 0 and reported in the returned
// slice; they never abort the document.
func (t *Template) Apply(genome []float64) (string, []*EvalError) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.genome = genome
	defer func() { t.genome = nil }()

	var sb strings.Builder
	var evalErrs []*EvalError
	for i := range t.spans {
		s := &t.spans[i]
		if !s.isExpr {
			sb.WriteString(s.literal)
			continue
		}
		v, err := t.eval(s)
		if err != nil {
			evalErrs = append(evalErrs, &EvalError{Span: i, Expr: s.source, Err: err})
			v = 0
		}
		s.value = v
		sb.WriteString(FormatValue(v))
	}
	return sb.String(), evalErrs
}

// Values returns the value each expression produced on the last Apply, in
// document order.
func (t *Template) Values() []float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []float64
	for _, s := range t.spans {
		if s.isExpr {
			out = append(out, s.value)
		}
	}
	return out
}

// Expressions returns the number of expression spans.
func (t *Template) Expressions() int {
	n := 0
	for _, s := range t.spans {
		if s.isExpr {
			n++
		}
	}
	return n
}

// FormatValue formats v with 17 digits after the point so that parsing the
// text back yields the same float64.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'e', 17, 64)
}

func (t *Template) eval(s *span) (float64, error) {
	if s.compileErr != nil {
		return 0, s.compileErr
	}
	out, err := expr.Run(s.program, t.env)
	if err != nil {
		return 0, err
	}
	v, err := toFloat(out)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) {
		return 0, errors.New("expression is not a number")
	}
	return v, nil
}

// gene backs g(i). It reads the genome of the Apply in progress.
func (t *Template) gene(params ...interface{}) (interface{}, error) {
	if len(params) != 1 {
		return nil, errors.Errorf("g takes 1 argument, got %d", len(params))
	}
	f, err := toFloat(params[0])
	if err != nil {
		return nil, err
	}
	if f != math.Trunc(f) {
		return nil, errors.Errorf("genome index %v is not an integer", f)
	}
	i := int(f)
	if i < 0 || i >= len(t.genome) {
		return nil, errors.Errorf("genome index %d out of range [0,%d)", i, len(t.genome))
	}
	return t.genome[i], nil
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, errors.Errorf("expression yields %T, not a number", v)
	}
}
