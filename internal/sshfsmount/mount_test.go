package sshfsmount

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/gavin0723/multipass/internal/sshexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type discardWriteCloser struct{ io.Writer }

func (discardWriteCloser) Close() error { return nil }

type fakeSession struct {
	stdoutR   *io.PipeReader
	stdoutW   *io.PipeWriter
	startedCh chan string
	closed    bool
}

func newFakeSession() *fakeSession {
	r, w := io.Pipe()
	return &fakeSession{stdoutR: r, stdoutW: w, startedCh: make(chan string, 1)}
}

func (f *fakeSession) StdinPipe() (io.WriteCloser, error) {
	return discardWriteCloser{io.Discard}, nil
}

func (f *fakeSession) StdoutPipe() (io.Reader, error) {
	return f.stdoutR, nil
}

func (f *fakeSession) Start(cmd string) error {
	f.startedCh <- cmd
	return nil
}

func (f *fakeSession) Wait() error { return nil }

func (f *fakeSession) Close() error {
	f.closed = true
	return f.stdoutW.Close()
}

type fakeOpener struct{ session *fakeSession }

func (o fakeOpener) NewSession() (Session, error) { return o.session, nil }

type fakeChannel struct{}

func (fakeChannel) Exec(_ context.Context, cmd string) (sshexec.Result, error) {
	switch {
	case strings.Contains(cmd, "sshfs -V"):
		return sshexec.Result{ExitCode: 0, Stdout: "FUSE library version: 3.10.5\n"}, nil
	default:
		return sshexec.Result{ExitCode: 0, Stdout: "1000\n"}, nil
	}
}

// TestUnblocksWhenSftpServerExits is the S3 end-to-end scenario: all
// probes succeed, then the peer closes the SFTP session immediately.
// The mount's Wait must return promptly with no error surfaced.
func TestUnblocksWhenSftpServerExits(t *testing.T) {
	session := newFakeSession()
	opener := fakeOpener{session: session}

	cfg := Config{Source: "/host/shared", Target: "/home/ubuntu/Shared"}

	resultCh := make(chan *Mount, 1)
	errCh := make(chan error, 1)
	go func() {
		m, err := New(context.Background(), fakeChannel{}, opener, cfg, nil)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- m
	}()

	select {
	case <-session.startedCh:
	case err := <-errCh:
		t.Fatalf("mount construction failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sshfs bridge to start")
	}

	var mnt *Mount
	select {
	case mnt = <-resultCh:
	case err := <-errCh:
		t.Fatalf("mount construction failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for mount construction")
	}
	require.NotNil(t, mnt)

	// Simulate the peer closing the SFTP session.
	require.NoError(t, session.stdoutW.Close())

	done := make(chan struct{})
	go func() {
		mnt.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait() did not unblock after peer closed the session")
	}

	assert.True(t, session.closed)
}
