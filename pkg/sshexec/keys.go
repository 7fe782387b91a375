/*
Copyright 2025 The Jarvis Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package sshexec

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Parsed keys are cached: the same key file serves every host unless a
// per-host override is configured.
var (
	keyCacheMu sync.Mutex
	keyCache   = map[string]ssh.Signer{}
)

func readKey(path string) (ssh.Signer, error) {
	keyCacheMu.Lock()
	defer keyCacheMu.Unlock()

	if signer, ok := keyCache[path]; ok {
		return signer, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ssh key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ssh key %s: %w", path, err)
	}
	keyCache[path] = signer
	return signer, nil
}
