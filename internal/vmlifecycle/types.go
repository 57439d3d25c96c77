// Package vmlifecycle drives one QEMU child process through its QMP
// monitor, reconciling asynchronous QMP/process events with synchronous
// caller requests (start, stop, suspend, shutdown) and persisted
// per-VM metadata.
package vmlifecycle

import (
	"context"
	"fmt"

	"github.com/gavin0723/multipass/internal/procfd"
)

// State is one node of the VM lifecycle state machine.
type State int

const (
	Off State = iota
	Starting
	Running
	DelayedShutdown
	Restarting
	Suspending
	Suspended
	Unknown
)

func (s State) String() string {
	switch s {
	case Off:
		return "off"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case DelayedShutdown:
		return "delayed_shutdown"
	case Restarting:
		return "restarting"
	case Suspending:
		return "suspending"
	case Suspended:
		return "suspended"
	case Unknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// Descriptor is the immutable identity of one VM. It never changes after
// construction; the lazily-discovered ipv4 address lives in VmLifecycle,
// not here, so the descriptor can be shared freely without locking.
type Descriptor struct {
	VMName        string
	ImagePath     string
	CloudInitPath string
	TapDeviceName string
	MacAddr       string
	SSHUsername   string
}

// DhcpDirectory resolves a MAC address to the IPv4 address DHCP handed
// out for it. Out of scope per spec; named here only as the collaborator
// interface VmLifecycle depends on.
type DhcpDirectory interface {
	GetIPForMAC(ctx context.Context, mac string) (string, error)
}

// StatusMonitor receives lifecycle callbacks and is responsible for
// persisting State durably. Out of scope per spec; named here only as
// the collaborator interface VmLifecycle depends on. PersistState is the
// persist_state_for step named in spec.md §5/§9: it must complete before
// the corresponding OnX notification is delivered for the same
// transition.
type StatusMonitor interface {
	PersistState(vmName string, state State)
	OnResume(vmName string)
	OnRestart(vmName string)
	OnSuspend(vmName string)
	OnShutdown(vmName string)
}

// ArgBuilder produces the base QEMU argument set for a VM. VmLifecycle
// is agnostic to its content except for the resume-only additions it
// appends itself; the image/cloud-init artefact store that would really
// own this logic is out of scope per spec.
type ArgBuilder interface {
	BaseArgs(desc Descriptor, commandVersion int, tapDevice, macAddr string) []string
}

// ProcessFactory constructs the ProcessHandle VmLifecycle drives QEMU
// through. Alias of procfd.Factory so callers don't need to import
// procfd just to satisfy this collaborator.
type ProcessFactory = procfd.Factory

// StartException reports that the QEMU child died before the VM reached
// running, carrying the most recent stderr line observed.
type StartException struct {
	VMName  string
	Message string
}

func (e *StartException) Error() string {
	return fmt.Sprintf("failed to start %s: %s", e.VMName, e.Message)
}

// TimeoutError reports that a bounded retry loop (IP discovery, SSH
// readiness) exhausted its budget without success.
type TimeoutError struct {
	Op string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("failed to %s", e.Op)
}
