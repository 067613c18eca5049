// Copyright 2025 Kadir Pekel
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

// Package utils provides small filesystem helpers shared across components.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureStateDir ensures the .orchestrate directory exists at the given base
// path and returns its full path. If basePath is empty or ".", it creates
// ./.orchestrate in the current directory; otherwise {basePath}/.orchestrate.
//
// Used for the embedded sqlite store file and local queue/lock state when
// running without etcd/Consul.
func EnsureStateDir(basePath string) (string, error) {
	var dir string
	if basePath == "" || basePath == "." {
		dir = ".orchestrate"
	} else {
		dir = filepath.Join(basePath, ".orchestrate")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create state directory at '%s': %w", dir, err)
	}

	return dir, nil
}
