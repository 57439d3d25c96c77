// Package sshfsmount orchestrates the identity probe, the remote sshfs
// process, and the embedded SFTP server that together bridge a host
// directory into a guest over a single SSH session.
package sshfsmount

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/gavin0723/multipass/internal/identity"
	"github.com/gavin0723/multipass/internal/sshexec"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/ssh"
)

var tracer = otel.Tracer("github.com/gavin0723/multipass/internal/sshfsmount")

// Session is the subset of *ssh.Session the mount's long-lived bridge
// needs. golang.org/x/crypto/ssh.Session already satisfies this
// structurally; it is re-declared here so tests can fake the bridge
// without a real SSH transport.
type Session interface {
	StdinPipe() (io.WriteCloser, error)
	StdoutPipe() (io.Reader, error)
	Start(cmd string) error
	Wait() error
	Close() error
}

// SessionOpener opens the persistent session the sshfs/SFTP bridge rides
// on, separate from the short-lived sshexec.Channel used for bootstrap
// probing.
type SessionOpener interface {
	NewSession() (Session, error)
}

type clientOpener struct{ client *ssh.Client }

// NewClientOpener adapts a dialled *ssh.Client into a SessionOpener.
func NewClientOpener(client *ssh.Client) SessionOpener {
	return clientOpener{client: client}
}

func (o clientOpener) NewSession() (Session, error) {
	s, err := o.client.NewSession()
	if err != nil {
		return nil, err
	}
	return s, nil
}

// IDMap is a finite relation from host id to guest id. A nil or empty
// map means identity mapping.
type IDMap map[int]int

// Config describes one host-directory-to-guest-directory SSHFS session.
type Config struct {
	Source string
	Target string
	UIDMap IDMap
	GIDMap IDMap
}

// Mount owns one SSH session carrying first the bootstrap probe, then
// the long-lived sshfs/SFTP bridge. Construction runs the probe and
// launches the bridge; the SFTP serve loop runs on its own goroutine and
// Wait blocks until the peer closes the session.
type Mount struct {
	id      string
	cfg     Config
	probe   identity.Result
	session Session
	sftpSrv *sftp.Server
	log     *logrus.Entry

	once sync.Once
	done chan struct{}
}

// New runs the identity probe over ch, then opens a fresh session via
// opener to launch `sshfs -o slave` on the guest and bridge it to an
// SFTP server rooted at cfg.Source on the host.
func New(ctx context.Context, ch sshexec.Channel, opener SessionOpener, cfg Config, log *logrus.Entry) (*Mount, error) {
	ctx, span := tracer.Start(ctx, "sshfsmount.New", trace.WithAttributes())
	defer span.End()

	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	id := uuid.NewString()
	log = log.WithFields(logrus.Fields{"subsystem": "sshfsmount", "mount-id": id})

	probe, err := identity.Run(ctx, ch, cfg.Target, log)
	if err != nil {
		return nil, err
	}

	mapPaths, err := writeIDMapFiles(ctx, ch, id, cfg.UIDMap, cfg.GIDMap)
	if err != nil {
		return nil, err
	}

	session, err := opener.NewSession()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sshfs bridge session")
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, errors.Wrap(err, "failed to attach sshfs bridge stdin")
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, errors.Wrap(err, "failed to attach sshfs bridge stdout")
	}

	cmdLine := buildSshfsCommand(cfg, mapPaths)
	log.WithField("cmd", cmdLine).Debug("launching sshfs bridge")
	if err := session.Start(cmdLine); err != nil {
		session.Close()
		return nil, errors.Wrap(err, "failed to launch remote sshfs")
	}

	srv, err := sftp.NewServer(struct {
		io.WriteCloser
		io.Reader
	}{WriteCloser: stdin, Reader: stdout}, sftp.WithServerWorkingDirectory(cfg.Source))
	if err != nil {
		session.Close()
		return nil, errors.Wrap(err, "failed to start sftp bridge")
	}

	m := &Mount{
		id:      id,
		cfg:     cfg,
		probe:   probe,
		session: session,
		sftpSrv: srv,
		log:     log,
		done:    make(chan struct{}),
	}
	go m.serve()

	return m, nil
}

// serve drives the SFTP server loop until the peer closes the session.
// A clean close (io.EOF, or nil from a server that already normalises
// EOF) is not logged as an error.
func (m *Mount) serve() {
	defer m.closeDone()

	err := m.sftpSrv.Serve()
	if err != nil && err != io.EOF {
		m.log.WithError(err).Warn("sftp bridge exited with error")
	} else {
		m.log.Debug("sftp bridge closed by peer")
	}
	m.session.Close()
}

func (m *Mount) closeDone() {
	m.once.Do(func() { close(m.done) })
}

// Wait blocks until the SFTP bridge loop has exited, i.e. the peer
// closed the session.
func (m *Mount) Wait() {
	<-m.done
}

// Close tears the bridge down from this side.
func (m *Mount) Close() error {
	m.sftpSrv.Close()
	return m.session.Close()
}

func buildSshfsCommand(cfg Config, mapPaths idMapPaths) string {
	opts := []string{"slave", "transform_symlinks", "allow_other", "reconnect"}
	if mapPaths.uidFile != "" {
		opts = append(opts, "idmap=file", fmt.Sprintf("uidfile=%s", mapPaths.uidFile))
	}
	if mapPaths.gidFile != "" {
		opts = append(opts, fmt.Sprintf("gidfile=%s", mapPaths.gidFile))
	}

	var b strings.Builder
	b.WriteString("sudo sshfs")
	for _, o := range opts {
		fmt.Fprintf(&b, " -o %s", o)
	}
	fmt.Fprintf(&b, " : %s", cfg.Target)
	return b.String()
}

type idMapPaths struct {
	uidFile string
	gidFile string
}

// writeIDMapFiles renders cfg's uid/gid maps into sshfs's "remote:local"
// idmap file format and writes them onto the guest so the remote sshfs
// process — not this code — performs the bidirectional translation, as
// required by spec.md §4.4. Empty maps are skipped entirely, leaving
// sshfs's default identity mapping in place.
func writeIDMapFiles(ctx context.Context, ch sshexec.Channel, id string, uidMap, gidMap IDMap) (idMapPaths, error) {
	var paths idMapPaths

	if len(uidMap) > 0 {
		path := fmt.Sprintf("/tmp/multipass-sshfs-%s.uidmap", id)
		if err := writeRemoteFile(ctx, ch, path, renderIDMap(uidMap)); err != nil {
			return idMapPaths{}, err
		}
		paths.uidFile = path
	}
	if len(gidMap) > 0 {
		path := fmt.Sprintf("/tmp/multipass-sshfs-%s.gidmap", id)
		if err := writeRemoteFile(ctx, ch, path, renderIDMap(gidMap)); err != nil {
			return idMapPaths{}, err
		}
		paths.gidFile = path
	}

	return paths, nil
}

func renderIDMap(m IDMap) string {
	hostIDs := make([]int, 0, len(m))
	for host := range m {
		hostIDs = append(hostIDs, host)
	}
	sort.Ints(hostIDs)

	var b strings.Builder
	for _, host := range hostIDs {
		fmt.Fprintf(&b, "%d:%d\n", host, m[host])
	}
	return b.String()
}

func writeRemoteFile(ctx context.Context, ch sshexec.Channel, path, content string) error {
	cmd := fmt.Sprintf("cat > %s <<'MULTIPASS_EOF'\n%sMULTIPASS_EOF", path, content)
	res, err := ch.Exec(ctx, cmd)
	if err != nil || res.ExitCode != 0 {
		return errors.Errorf("unable to write id map file %s: %s", path, firstNonEmpty(res.Stderr, errString(err)))
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
