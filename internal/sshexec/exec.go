// Package sshexec runs single commands over an SSH session and reports
// their exit code, stdout, and stderr, bounded by a caller timeout.
package sshexec

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// DefaultReadTimeout bounds how long a single Exec call waits for a
// remote command to finish before giving up.
const DefaultReadTimeout = 30 * time.Second

// Result is the outcome of one remote command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Channel runs commands over a single SSH session, one at a time. It is
// the C2 SshChannelExec collaborator: everything above it (IdentityProbe,
// SshfsMount) depends only on this interface so it can be exercised
// against a fake in tests.
type Channel interface {
	Exec(ctx context.Context, cmd string) (Result, error)
}

type sshChannel struct {
	client  *ssh.Client
	timeout time.Duration
	log     *logrus.Entry
}

// New wraps an already-dialled *ssh.Client as a Channel.
func New(client *ssh.Client, timeout time.Duration, log *logrus.Entry) Channel {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &sshChannel{client: client, timeout: timeout, log: log.WithField("subsystem", "sshexec")}
}

func (c *sshChannel) Exec(ctx context.Context, cmd string) (Result, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to open ssh session")
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case runErr := <-done:
		return resultFromRunError(runErr, stdout.String(), stderr.String())
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, ctx.Err()
	case <-time.After(c.timeout):
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, fmt.Errorf("timed out waiting for %q after %s", cmd, c.timeout)
	}
}

func resultFromRunError(runErr error, stdout, stderr string) (Result, error) {
	if runErr == nil {
		return Result{ExitCode: 0, Stdout: stdout, Stderr: stderr}, nil
	}
	if exitErr, ok := runErr.(*ssh.ExitError); ok {
		return Result{ExitCode: exitErr.ExitStatus(), Stdout: stdout, Stderr: stderr}, nil
	}
	return Result{}, errors.Wrap(runErr, "ssh command failed to run")
}
