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
	"math"

	"github.com/expr-lang/expr"
	"github.com/pkg/errors"
)

func constants() map[string]interface{} {
	return map[string]interface{}{
		"pi": math.Pi,
		"e":  math.E,
	}
}

// abs, min and max are expr builtins.
func mathFunctions() []expr.Option {
	unary := map[string]func(float64) float64{
		"sin":  math.Sin,
		"cos":  math.Cos,
		"tan":  math.Tan,
		"sqrt": math.Sqrt,
		"exp":  math.Exp,
		"log":  math.Log,
	}
	var opts []expr.Option
	for name, fn := range unary {
		opts = append(opts, expr.Function(name, wrapUnary(name, fn)))
	}
	opts = append(opts, expr.Function("pow", func(params ...interface{}) (interface{}, error) {
		if len(params) != 2 {
			return nil, errors.Errorf("pow takes 2 arguments, got %d", len(params))
		}
		x, err := toFloat(params[0])
		if err != nil {
			return nil, err
		}
		y, err := toFloat(params[1])
		if err != nil {
			return nil, err
		}
		return math.Pow(x, y), nil
	}))
	return opts
}

func wrapUnary(name string, fn func(float64) float64) func(params ...interface{}) (interface{}, error) {
	return func(params ...interface{}) (interface{}, error) {
		if len(params) != 1 {
			return nil, errors.Errorf("%s takes 1 argument, got %d", name, len(params))
		}
		x, err := toFloat(params[0])
		if err != nil {
			return nil, err
		}
		return fn(x), nil
	}
}
