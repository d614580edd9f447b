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

// Package main is the evaluation worker. It requests genomes from the
// configured servers, evaluates them and reports their fitness.
package main

import (
	"evalfarm.dev/evalfarm/internal/app/evalworker"
	"evalfarm.dev/evalfarm/internal/appmain"
)

func main() {
	appmain.RunApplication("evalworker", evalworker.Defaults, evalworker.BindService)
}
