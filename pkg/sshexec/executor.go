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

// Package sshexec executes shell commands on named hosts over pooled SSH
// connections, with connection-layer retry and per-command timeouts.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"
	"golang.org/x/crypto/ssh"

	"github.com/nexushome/jarvis/internal/config"
)

var (
	// ErrConnect indicates a connection-layer failure (dial, auth, session
	// setup). Retried with backoff; command-exit failures are not.
	ErrConnect = errors.New("ssh connect failed")

	// ErrUnknownHost indicates the host is not in the inventory.
	ErrUnknownHost = errors.New("unknown host")
)

// TimeoutExitCode is the sentinel exit code for a command that exceeded its
// wall-clock deadline.
const TimeoutExitCode = -1

// connectRetryDelays: 2s, 4s, 8s between the initial attempt and up to 3
// retries. A stale pooled connection is discarded before each retry.
const (
	connectAttempts  = 4
	connectBaseDelay = 2 * time.Second
	dialTimeout      = 10 * time.Second
)

// SelfHost is the pseudo-host that executes locally when the service lives
// on the target host.
const SelfHost = "self"

// Result is the outcome of one command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Recorder receives the outcome of every SSH attempt. Satisfied by
// *hostmonitor.Monitor.
type Recorder interface {
	Record(ctx context.Context, host string, success bool, errMsg string)
}

// Executor owns the long-lived per-host connection pool. Connections are
// not closed after each command; one that fails during use is discarded so
// the next call re-establishes it.
type Executor struct {
	mu    sync.Mutex
	conns map[string]*ssh.Client

	hosts    map[string]config.Host
	timeout  time.Duration
	recorder Recorder
	logger   logr.Logger
}

// New builds an executor over the configured inventory. timeout is the
// per-command wall-clock deadline.
func New(hosts map[string]config.Host, timeout time.Duration, recorder Recorder, logger logr.Logger) *Executor {
	return &Executor{
		conns:    make(map[string]*ssh.Client),
		hosts:    hosts,
		timeout:  timeout,
		recorder: recorder,
		logger:   logger,
	}
}

// Execute runs a single shell command on the named host. Connection-layer
// errors are retried up to 3 times with 2s/4s/8s delays; command-exit
// errors are returned in the Result, not retried. Exceeding the deadline
// yields ExitCode = TimeoutExitCode.
func (e *Executor) Execute(ctx context.Context, host, command string) (*Result, error) {
	if host == SelfHost {
		return e.executeLocal(ctx, command)
	}
	if _, ok := e.hosts[host]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, host)
	}

	var result *Result
	err := retry.Do(
		func() error {
			r, err := e.runOnce(ctx, host, command)
			if err != nil {
				return err
			}
			result = r
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.Delay(connectBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrConnect) }),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Info("ssh connection failed, retrying",
				"host", host,
				"attempt", n+1,
				"error", err.Error(),
			)
		}),
	)

	if e.recorder != nil {
		if err != nil {
			e.recorder.Record(ctx, host, false, err.Error())
		} else {
			e.recorder.Record(ctx, host, true, "")
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// runOnce executes the command over a pooled connection. Any error it
// returns is connection-layer (and the pooled connection has been
// discarded); command failures come back inside the Result.
func (e *Executor) runOnce(ctx context.Context, host, command string) (*Result, error) {
	client, err := e.getConnection(host)
	if err != nil {
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		e.discard(host, client)
		return nil, fmt.Errorf("%w: new session on %s: %v", ErrConnect, host, err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	if err := session.Start(command); err != nil {
		e.discard(host, client)
		return nil, fmt.Errorf("%w: start on %s: %v", ErrConnect, host, err)
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	timer := time.NewTimer(e.timeout)
	defer timer.Stop()

	select {
	case err = <-done:
	case <-timer.C:
		_ = session.Signal(ssh.SIGKILL)
		_ = session.Close()
		e.logger.Info("command_timeout",
			"host", host,
			"command", command,
			"timeout", e.timeout,
		)
		return &Result{
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			ExitCode: TimeoutExitCode,
			Duration: time.Since(start),
			TimedOut: true,
		}, nil
	case <-ctx.Done():
		_ = session.Close()
		return nil, ctx.Err()
	}

	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		// Wait failed below the command layer: connection is suspect.
		e.discard(host, client)
		return nil, fmt.Errorf("%w: wait on %s: %v", ErrConnect, host, err)
	}
	return result, nil
}

// getConnection returns the pooled connection for the host, establishing
// one if absent. The pool holds at most one connection per host.
func (e *Executor) getConnection(host string) (*ssh.Client, error) {
	e.mu.Lock()
	if client, ok := e.conns[host]; ok {
		e.mu.Unlock()
		return client, nil
	}
	e.mu.Unlock()

	client, err := e.dial(host)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.conns[host]; ok {
		// Lost the race; keep the existing connection.
		_ = client.Close()
		return existing, nil
	}
	e.conns[host] = client
	return client, nil
}

func (e *Executor) dial(host string) (*ssh.Client, error) {
	cfg := e.hosts[host]
	port := cfg.Port
	if port == 0 {
		port = 22
	}

	auth, err := publicKeyAuth(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnect, host, err)
	}

	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", cfg.Addr, port), &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // small trusted fleet, keys distributed out of band
		Timeout:         dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnect, host, err)
	}
	return client, nil
}

// discard removes a connection from the pool if it is still the pooled one.
func (e *Executor) discard(host string, client *ssh.Client) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conns[host] == client {
		delete(e.conns, host)
		_ = client.Close()
	}
}

// Close tears down the pool. Called on shutdown only.
func (e *Executor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for host, client := range e.conns {
		_ = client.Close()
		delete(e.conns, host)
	}
}

// PoolSize reports the number of pooled connections.
func (e *Executor) PoolSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.conns)
}

// executeLocal runs the command on the local host with the same timeout
// contract as remote execution.
func (e *Executor) executeLocal(ctx context.Context, command string) (*Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if runCtx.Err() == context.DeadlineExceeded {
		result.ExitCode = TimeoutExitCode
		result.TimedOut = true
		e.logger.Info("command_timeout", "host", SelfHost, "command", command, "timeout", e.timeout)
		return result, nil
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("%w: local: %v", ErrConnect, err)
	}
	return result, nil
}

func publicKeyAuth(keyPath string) ([]ssh.AuthMethod, error) {
	if keyPath == "" {
		return nil, errors.New("no ssh key configured")
	}
	key, err := readKey(keyPath)
	if err != nil {
		return nil, err
	}
	return []ssh.AuthMethod{ssh.PublicKeys(key)}, nil
}
