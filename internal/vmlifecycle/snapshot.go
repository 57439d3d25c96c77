package vmlifecycle

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
)

// snapshotTag is the conventional name under which the controller saves
// and loads VM memory for suspend/resume.
const snapshotTag = "suspend"

// HostExec runs a host-local command and captures its stdout, the way
// DetectInitialState and ProbeMachineType drive qemu-img and
// qemu-system-<arch>. A real process factory would work too, but those
// two commands are short-lived, run-to-completion probes rather than
// long-running children with an event feed, so a narrower interface
// keeps the call sites simple.
type HostExec interface {
	Output(ctx context.Context, name string, args ...string) (string, error)
}

type execHostExec struct{}

// NewExecHostExec returns a HostExec that runs real host commands via
// os/exec.
func NewExecHostExec() HostExec { return execHostExec{} }

func (execHostExec) Output(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	return string(out), err
}

// DetectInitialState inspects imagePath for a snapshot named "suspend"
// via `qemu-img snapshot -l`, per spec.md §3/§8 property 5.
func DetectInitialState(ctx context.Context, host HostExec, imagePath string) (State, error) {
	out, err := host.Output(ctx, "qemu-img", "snapshot", "-l", imagePath)
	if err != nil {
		return Off, errors.Wrapf(err, "failed to inspect snapshots for %s", imagePath)
	}

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		for _, f := range fields {
			if f == snapshotTag {
				return Suspended, nil
			}
		}
	}
	return Off, nil
}

// vmstateMachine is the minimal shape read out of qemu-system-<arch>
// -dump-vmstate's JSON, per spec.md §6's read path vmschkmachine.Name.
type vmstateMachine struct {
	Name string `json:"Name"`
}

type vmstateDump struct {
	Vmschkmachine vmstateMachine `json:"vmschkmachine"`
}

// ProbeMachineType runs qemu-system-<arch> -dump-vmstate against a
// scratch file and returns the machine type it reports, for persisting
// into VM metadata so a later resume can pin -machine to the same type.
func ProbeMachineType(ctx context.Context, host HostExec, arch string) (string, error) {
	if arch == "" {
		arch = runtime.GOARCH
		if arch == "amd64" {
			arch = "x86_64"
		}
	}

	tmp, err := os.CreateTemp("", "multipass-vmstate-*.json")
	if err != nil {
		return "", errors.Wrap(err, "failed to create vmstate scratch file")
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	binary := fmt.Sprintf("qemu-system-%s", arch)
	if _, err := host.Output(ctx, binary, "-nographic", "-dump-vmstate", tmpPath); err != nil {
		return "", errors.Wrapf(err, "failed to probe machine type via %s", binary)
	}

	b, err := os.ReadFile(tmpPath)
	if err != nil {
		return "", errors.Wrap(err, "failed to read vmstate dump")
	}

	var dump vmstateDump
	if err := json.Unmarshal(b, &dump); err != nil {
		return "", errors.Wrap(err, "failed to parse vmstate dump")
	}
	if dump.Vmschkmachine.Name == "" {
		return "", errors.New("vmstate dump did not report a machine type")
	}
	return dump.Vmschkmachine.Name, nil
}

// tearDownTap removes the tap device by name, guarded by the link
// actually existing first, the netlink equivalent of `ip addr show
// <tap>` followed by `ip link delete <tap>`.
func tearDownTap(name string) error {
	if name == "" {
		return nil
	}

	handle, err := netlink.NewHandle()
	if err != nil {
		return errors.Wrap(err, "failed to open netlink handle")
	}
	defer handle.Close()

	link, err := handle.LinkByName(name)
	if err != nil {
		// Nothing to tear down: mirrors the `ip addr show <tap>` guard
		// in spec.md §4.2's destructor contract.
		return nil
	}

	if err := handle.LinkDel(link); err != nil {
		return errors.Wrapf(err, "failed to remove tap device %s", name)
	}
	return nil
}
