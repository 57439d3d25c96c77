package identity

import (
	"context"
	"strings"
	"testing"

	"github.com/gavin0723/multipass/internal/sshexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel scripts sshexec.Channel responses by command prefix or
// substring (commands after the first carry an `env ...` prefix), the
// way a real remote shell bootstrap would be driven in tests without a
// live SSH session.
type fakeChannel struct {
	responses map[string]sshexec.Result
	fallback  sshexec.Result
}

func (f *fakeChannel) Exec(_ context.Context, cmd string) (sshexec.Result, error) {
	for prefix, res := range f.responses {
		if strings.HasPrefix(cmd, prefix) || strings.Contains(cmd, prefix) {
			return res, nil
		}
	}
	return f.fallback, nil
}

func happyPathChannel() *fakeChannel {
	return &fakeChannel{
		responses: map[string]sshexec.Result{
			"multipass-sshfs.env": {ExitCode: 0, Stdout: "LD_LIBRARY_PATH=/snap/multipass-sshfs/x1/lib\nSNAP=/snap/multipass-sshfs/x1\n"},
			"which sshfs":         {ExitCode: 0, Stdout: "/usr/bin/sshfs\n"},
			"mkdir -p":            {ExitCode: 0},
			"id -nu":              {ExitCode: 0, Stdout: "ubuntu\n"},
			"id -ng":              {ExitCode: 0, Stdout: "ubuntu\n"},
			"chown":               {ExitCode: 0},
			"id -u":               {ExitCode: 0, Stdout: "1000\n"},
			"id -g":               {ExitCode: 0, Stdout: "1000\n"},
			"sshfs -V":            {ExitCode: 0, Stdout: "SSHFS version 3.7.1\nFUSE library version: 3.10.5\n"},
		},
	}
}

func TestProbeHappyPath(t *testing.T) {
	ch := happyPathChannel()
	res, err := Run(context.Background(), ch, "/home/ubuntu/Shared", nil)
	require.NoError(t, err)
	assert.Equal(t, "ubuntu", res.Login)
	assert.Equal(t, "ubuntu", res.Group)
	assert.Equal(t, 1000, res.UID)
	assert.Equal(t, 1000, res.GID)
	assert.Equal(t, FuseVersion{3, 10, 5}, res.FuseVersion)
	assert.Equal(t, "/snap/multipass-sshfs/x1", res.Env["SNAP"])
}

func TestProbeMissingSshfs(t *testing.T) {
	ch := &fakeChannel{
		responses: map[string]sshexec.Result{
			"multipass-sshfs.env": {ExitCode: 1},
			"which sshfs":         {ExitCode: 1},
		},
	}
	_, err := Run(context.Background(), ch, "/target", nil)
	require.Error(t, err)
	var missing *SshfsMissingError
	assert.ErrorAs(t, err, &missing)
}

func TestProbeNonIntegerUID(t *testing.T) {
	ch := happyPathChannel()
	ch.responses["id -u"] = sshexec.Result{ExitCode: 0, Stdout: "ubuntu\n"}

	_, err := Run(context.Background(), ch, "/target", nil)
	require.Error(t, err)
	var invalid *InvalidArgumentError
	assert.ErrorAs(t, err, &invalid)
}

func TestProbeInvalidFuseVersion(t *testing.T) {
	ch := happyPathChannel()
	ch.responses["sshfs -V"] = sshexec.Result{ExitCode: 0, Stdout: "FUSE library version: fu.man.chu\n"}

	_, err := Run(context.Background(), ch, "/target", nil)
	require.Error(t, err)
	var rtErr *RuntimeError
	require.ErrorAs(t, err, &rtErr)
	assert.Contains(t, rtErr.Op, "invalid fuse version")
}
