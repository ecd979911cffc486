// Copyright 2025 Tom Barlow
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

package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/pflag"
)

// envValue collects repeated key=value flags into a map.
type envValue struct {
	dest *map[string]string
}

var _ pflag.Value = (*envValue)(nil)

func newEnvValue(dest *map[string]string) *envValue {
	return &envValue{dest: dest}
}

func (v *envValue) Set(s string) error {
	name, value, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return fmt.Errorf("invalid env pair %q, want key=value", s)
	}
	if *v.dest == nil {
		*v.dest = make(map[string]string)
	}
	(*v.dest)[name] = value
	return nil
}

func (v *envValue) String() string {
	if *v.dest == nil {
		return ""
	}
	pairs := make([]string, 0, len(*v.dest))
	for name, value := range *v.dest {
		pairs = append(pairs, name+"="+value)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func (v *envValue) Type() string {
	return "key=value"
}
