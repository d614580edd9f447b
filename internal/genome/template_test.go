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

package genome

import (
	"context"
	"math"
	"strconv"
	"testing"

	"evalfarm.dev/evalfarm/internal/wire"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	testCases := []struct {
		name     string
		template string
		genome   []float64
		expected string
	}{
		{"sum", "a[[g(0)+g(1)]]b", []float64{2, 3}, "a5.00000000000000000e+00b"},
		{"no expressions", "<model/>", nil, "<model/>"},
		{"empty", "", nil, ""},
		{"whitespace", "[[  g(0) * 2  ]]", []float64{1.5}, "3.00000000000000000e+00"},
		{"parentheses", "[[(g(0)+1)*(g(1)-1)]]", []float64{1, 3}, "4.00000000000000000e+00"},
		{"division", "x=[[g(0)/4]];", []float64{1}, "x=2.50000000000000000e-01;"},
		{"unary minus", "[[-g(0)]]", []float64{7}, "-7.00000000000000000e+00"},
		{"constants", "[[pi]]", nil, FormatValue(math.Pi)},
		{"functions", "[[sqrt(16) + pow(2, 3)]]", nil, "1.20000000000000000e+01"},
		{"float index", "[[g(1.0)]]", []float64{0, 9}, "9.00000000000000000e+00"},
		{"several", "[[g(0)]] and [[g(1)]]", []float64{1, 2}, "1.00000000000000000e+00 and 2.00000000000000000e+00"},
		{"close without open", "a]]b", nil, "a]]b"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)
			tmpl, err := Compile(tc.template)
			require.NoError(err)
			doc, evalErrs := tmpl.Apply(tc.genome)
			require.Empty(evalErrs)
			require.Equal(tc.expected, doc)
		})
	}
}

func TestApplySubstitutesZeroOnFailure(t *testing.T) {
	testCases := []struct {
		name     string
		template string
		genome   []float64
	}{
		{"index out of range", "<[[g(5)]]>", []float64{1}},
		{"negative index", "<[[g(-1)]]>", []float64{1}},
		{"unknown name", "<[[h(0)]]>", []float64{1}},
		{"parse error", "<[[g(0) +]]>", []float64{1}},
		{"not a number", "<[[sqrt(-1)]]>", nil},
		{"non numeric result", "<[[1 < 2]]>", nil},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)
			tmpl, err := Compile(tc.template)
			require.NoError(err)
			doc, evalErrs := tmpl.Apply(tc.genome)
			require.Len(evalErrs, 1)
			require.Equal(1, evalErrs[0].Span)
			require.Equal("<"+FormatValue(0)+">", doc)
		})
	}
}

func TestOneBadSpanDoesNotAbort(t *testing.T) {
	require := require.New(t)
	tmpl, err := Compile("[[g(0)]]|[[g(9)]]|[[g(1)]]")
	require.NoError(err)
	doc, evalErrs := tmpl.Apply([]float64{1, 2})
	require.Len(evalErrs, 1)
	require.Equal("1.00000000000000000e+00|0.00000000000000000e+00|2.00000000000000000e+00", doc)
	require.Equal([]float64{1, 0, 2}, tmpl.Values())
}

func TestCompileUnmatched(t *testing.T) {
	require := require.New(t)
	_, err := Compile("abc [[g(0)")
	require.Error(err)
	syntaxErr, ok := err.(*SyntaxError)
	require.True(ok)
	require.Equal(4, syntaxErr.Offset)

	_, err = Compile("[[g(0)]] then [[")
	require.IsType(&SyntaxError{}, err)
}

func TestFullPrecision(t *testing.T) {
	require := require.New(t)
	tmpl, err := Compile("[[g(0)]]")
	require.NoError(err)
	for _, v := range []float64{0.1, 1.0 / 3.0, math.MaxFloat64, math.SmallestNonzeroFloat64, -2.718281828459045} {
		doc, evalErrs := tmpl.Apply([]float64{v})
		require.Empty(evalErrs)
		back, err := strconv.ParseFloat(doc, 64)
		require.NoError(err)
		require.Equal(math.Float64bits(v), math.Float64bits(back))
	}
}

func TestReuseAcrossGenomes(t *testing.T) {
	require := require.New(t)
	tmpl, err := Compile("[[g(0)*10]]")
	require.NoError(err)
	for i := 0; i < 5; i++ {
		doc, evalErrs := tmpl.Apply([]float64{float64(i)})
		require.Empty(evalErrs)
		require.Equal(FormatValue(float64(i*10)), doc)
	}
}

func TestSubstituterRecompilesOnHashChange(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s := NewSubstituter()

	t1 := "[[g(0)]]"
	h1 := wire.HashOf([]byte(t1))
	doc, err := s.Substitute(ctx, h1, t1, []float64{1})
	require.NoError(err)
	require.Equal(FormatValue(1), doc)
	first := s.compiled

	doc, err = s.Substitute(ctx, h1, t1, []float64{2})
	require.NoError(err)
	require.Equal(FormatValue(2), doc)
	require.True(first == s.compiled, "same hash must reuse the compiled template")

	t2 := "[[g(0)+100]]"
	h2 := wire.HashOf([]byte(t2))
	doc, err = s.Substitute(ctx, h2, t2, []float64{2})
	require.NoError(err)
	require.Equal(FormatValue(102), doc)
	require.False(first == s.compiled)

	_, err = s.Substitute(ctx, wire.Hash{9}, "[[", nil)
	require.IsType(&SyntaxError{}, err)
}
