package procfd

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFactory() Factory {
	log := logrus.NewEntry(logrus.New())
	return NewExecFactory(log)
}

func TestProcessStartedAndStdoutEvents(t *testing.T) {
	f := testFactory()
	ph := f.NewProcess("/bin/sh", []string{"-c", "echo hello; read _"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ph.Start(ctx, nil))

	var sawStarted, sawStdout bool
	deadline := time.After(2 * time.Second)
	for !sawStarted || !sawStdout {
		select {
		case ev := <-ph.Events():
			switch ev.Kind {
			case Started:
				sawStarted = true
			case Stdout:
				if string(ev.Line) == "hello" {
					sawStdout = true
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for process events")
		}
	}

	assert.True(t, ph.Running())
	require.NoError(t, ph.Kill())
	code, err := ph.WaitForFinished(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, 0, code)
	assert.False(t, ph.Running())
}

func TestProcessFinishedEventOnNaturalExit(t *testing.T) {
	f := testFactory()
	ph := f.NewProcess("/bin/sh", []string{"-c", "exit 0"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ph.Start(ctx, nil))

	code, err := ph.WaitForFinished(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)

	var sawFinished bool
	for ev := range ph.Events() {
		if ev.Kind == Finished {
			sawFinished = true
			assert.Equal(t, 0, ev.ExitCode)
		}
	}
	assert.True(t, sawFinished)
}

func TestProcessWriteGoesToStdin(t *testing.T) {
	f := testFactory()
	ph := f.NewProcess("/bin/sh", []string{"-c", "read line; echo got:$line"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ph.Start(ctx, nil))

	_, err := ph.Write([]byte("ping\n"))
	require.NoError(t, err)

	for ev := range ph.Events() {
		if ev.Kind == Stdout && string(ev.Line) == "got:ping" {
			return
		}
	}
	t.Fatal("never observed echoed stdin")
}
