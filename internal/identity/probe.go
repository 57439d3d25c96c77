// Package identity runs the remote capability probe an SSHFS mount
// needs before it can bridge a host directory into a guest: identity
// mapping, target directory ownership, and sshfs/FUSE version checks.
package identity

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/gavin0723/multipass/internal/sshexec"
	"github.com/sirupsen/logrus"
)

// FuseVersion is the parsed "FUSE library version: major.minor[.patch]"
// line reported by `sshfs -V`.
type FuseVersion struct {
	Major, Minor, Patch int
}

func (v FuseVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Result is everything SshfsMount needs from the guest before it can
// launch the sshfs/SFTP bridge.
type Result struct {
	Env         map[string]string
	Login       string
	Group       string
	UID         int
	GID         int
	FuseVersion FuseVersion
}

var fuseVersionPattern = regexp.MustCompile(`FUSE library version:\s*(\d+)\.(\d+)(?:\.(\d+))?`)

// Run executes the ordered probe described in spec.md §4.3 over ch,
// preparing targetDir for mounting.
func Run(ctx context.Context, ch sshexec.Channel, targetDir string, log *logrus.Entry) (Result, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("subsystem", "identity-probe")

	env, err := probeEnvironment(ctx, ch)
	if err != nil {
		return Result{}, err
	}

	run := func(cmd string) (sshexec.Result, error) {
		return ch.Exec(ctx, envPrefix(env)+cmd)
	}

	if res, err := run(fmt.Sprintf("mkdir -p %s", shellQuote(targetDir))); err != nil || res.ExitCode != 0 {
		return Result{}, &RuntimeError{Op: "unable to make target dir", Detail: firstNonEmpty(res.Stderr, errString(err))}
	}

	login, err := runLine(run, "id -nu", "unable to determine login name")
	if err != nil {
		return Result{}, err
	}
	group, err := runLine(run, "id -ng", "unable to determine primary group")
	if err != nil {
		return Result{}, err
	}

	if res, err := run(fmt.Sprintf("chown %s:%s %s", login, group, shellQuote(targetDir))); err != nil || res.ExitCode != 0 {
		return Result{}, &RuntimeError{Op: "unable to chown target dir", Detail: firstNonEmpty(res.Stderr, errString(err))}
	}

	uidStr, err := runLine(run, "id -u", "unable to determine uid")
	if err != nil {
		return Result{}, err
	}
	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return Result{}, &InvalidArgumentError{Op: "id -u", Detail: fmt.Sprintf("non-integer uid %q", uidStr)}
	}

	gidStr, err := runLine(run, "id -g", "unable to determine gid")
	if err != nil {
		return Result{}, err
	}
	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return Result{}, &InvalidArgumentError{Op: "id -g", Detail: fmt.Sprintf("non-integer gid %q", gidStr)}
	}

	fuseVer, err := probeFuseVersion(run)
	if err != nil {
		return Result{}, err
	}

	log.WithFields(logrus.Fields{
		"login": login, "group": group, "uid": uid, "gid": gid, "fuse": fuseVer,
	}).Debug("identity probe complete")

	return Result{Env: env, Login: login, Group: group, UID: uid, GID: gid, FuseVersion: fuseVer}, nil
}

// probeEnvironment runs the first probe step: multipass-sshfs's
// bundled environment script plus a `which sshfs` sanity check. Either
// failing means sshfs guest support is not installed.
func probeEnvironment(ctx context.Context, ch sshexec.Channel) (map[string]string, error) {
	envRes, envErr := ch.Exec(ctx, "sudo multipass-sshfs.env")
	whichRes, whichErr := ch.Exec(ctx, "which sshfs")

	if envErr != nil || envRes.ExitCode != 0 || whichErr != nil || whichRes.ExitCode != 0 {
		return nil, &SshfsMissingError{Reason: "multipass-sshfs is not installed or sshfs is unavailable"}
	}

	return parseEnv(envRes.Stdout), nil
}

func parseEnv(stdout string) map[string]string {
	env := make(map[string]string)
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		env[k] = v
	}
	return env
}

func envPrefix(env map[string]string) string {
	if len(env) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("env ")
	for k, v := range env {
		fmt.Fprintf(&b, "%s=%s ", k, shellQuote(v))
	}
	return b.String()
}

func runLine(run func(string) (sshexec.Result, error), cmd, failMsg string) (string, error) {
	res, err := run(cmd)
	if err != nil || res.ExitCode != 0 {
		return "", &RuntimeError{Op: failMsg, Detail: firstNonEmpty(res.Stderr, errString(err))}
	}
	return strings.TrimSpace(res.Stdout), nil
}

func probeFuseVersion(run func(string) (sshexec.Result, error)) (FuseVersion, error) {
	res, err := run("sshfs -V")
	if err != nil || res.ExitCode != 0 {
		return FuseVersion{}, &RuntimeError{Op: "unable to determine fuse version", Detail: firstNonEmpty(res.Stderr, errString(err))}
	}

	m := fuseVersionPattern.FindStringSubmatch(res.Stdout)
	if m == nil {
		return FuseVersion{}, &RuntimeError{Op: "invalid fuse version", Detail: strings.TrimSpace(res.Stdout)}
	}

	major, majErr := strconv.Atoi(m[1])
	minor, minErr := strconv.Atoi(m[2])
	if majErr != nil || minErr != nil {
		return FuseVersion{}, &RuntimeError{Op: "invalid fuse version", Detail: res.Stdout}
	}
	patch := 0
	if m[3] != "" {
		p, perr := strconv.Atoi(m[3])
		if perr != nil {
			return FuseVersion{}, &RuntimeError{Op: "invalid fuse version", Detail: res.Stdout}
		}
		patch = p
	}

	return FuseVersion{Major: major, Minor: minor, Patch: patch}, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
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
