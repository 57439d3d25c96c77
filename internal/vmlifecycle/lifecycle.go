package vmlifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/gavin0723/multipass/internal/procfd"
	"github.com/gavin0723/multipass/internal/qmp"
	"github.com/gavin0723/multipass/internal/vmmeta"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	sshPort             = 22
	sshHostnameBudget   = 2 * time.Minute
	dhcpRetryInterval   = 2 * time.Second
	defaultMachineType  = vmmeta.DefaultMachineType
	legacyUseCdromValue = 1
)

// VmLifecycle coordinates one QEMU child process through its QMP
// monitor: it reconciles asynchronous QMP and process events with
// synchronous caller requests, persists transitions via StatusMonitor
// and VmMetadataStore, and exposes the public start/stop/suspend/
// shutdown/ssh_* contract from spec.md §4.2.
type VmLifecycle struct {
	desc     Descriptor
	qemuPath string
	host     HostExec
	meta     vmmeta.Store
	monitor  StatusMonitor
	dhcp     DhcpDirectory
	procs    ProcessFactory
	args     ArgBuilder
	log      *logrus.Entry
	tracer   trace.Tracer

	mu   sync.Mutex
	cond *sync.Cond

	state                State
	ipv4                 string
	savedErrorMsg        string
	updateShutdownStatus bool
	deleteMemorySnapshot bool

	proc procfd.ProcessHandle
}

// New constructs a VmLifecycle for desc, deriving its initial state from
// whether imagePath already carries a "suspend" snapshot.
func New(
	ctx context.Context,
	desc Descriptor,
	qemuPath string,
	host HostExec,
	meta vmmeta.Store,
	monitor StatusMonitor,
	dhcp DhcpDirectory,
	procs ProcessFactory,
	args ArgBuilder,
	log *logrus.Entry,
) (*VmLifecycle, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	if args == nil {
		args = NewDefaultArgBuilder()
	}

	initial, err := DetectInitialState(ctx, host, desc.ImagePath)
	if err != nil {
		log.WithError(err).Warn("failed to detect initial vm state, assuming off")
		initial = Off
	}

	l := &VmLifecycle{
		desc:                 desc,
		qemuPath:             qemuPath,
		host:                 host,
		meta:                 meta,
		monitor:              monitor,
		dhcp:                 dhcp,
		procs:                procs,
		args:                 args,
		log:                  log.WithFields(logrus.Fields{"subsystem": "vmlifecycle", "vm": desc.VMName}),
		tracer:               otel.Tracer("github.com/gavin0723/multipass/internal/vmlifecycle"),
		state:                initial,
		updateShutdownStatus: true,
	}
	l.cond = sync.NewCond(&l.mu)
	return l, nil
}

func (l *VmLifecycle) span(ctx context.Context, op string) (context.Context, trace.Span) {
	return l.tracer.Start(ctx, "vmlifecycle."+op, trace.WithAttributes())
}

// CurrentState returns the controller's state, read under l.mu.
func (l *VmLifecycle) CurrentState() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// SSHPort returns the constant SSH port multipass VMs are reachable on.
func (l *VmLifecycle) SSHPort() int { return sshPort }

// IPv4 returns the cached address, or performs one DHCP lookup, or the
// literal "UNKNOWN" if that lookup fails.
func (l *VmLifecycle) IPv4(ctx context.Context) string {
	l.mu.Lock()
	if l.ipv4 != "" {
		ip := l.ipv4
		l.mu.Unlock()
		return ip
	}
	l.mu.Unlock()

	ip, err := l.dhcp.GetIPForMAC(ctx, l.desc.MacAddr)
	if err != nil || ip == "" {
		return "UNKNOWN"
	}

	l.mu.Lock()
	l.ipv4 = ip
	l.mu.Unlock()
	return ip
}

// IPv6 is not implemented, per spec.md §4.2.
func (l *VmLifecycle) IPv6() string { return "" }

// Start spawns QEMU per the preconditions and argument rules in
// spec.md §4.2's start row, and blocks until the started process event
// has been observed or the spawn has failed.
func (l *VmLifecycle) Start(ctx context.Context) error {
	ctx, span := l.span(ctx, "start")
	defer span.End()

	l.mu.Lock()
	switch l.state {
	case Running:
		l.mu.Unlock()
		return nil
	case Suspending:
		l.mu.Unlock()
		return errors.New("cannot start while suspending")
	}
	resuming := l.state == Suspended
	l.mu.Unlock()

	meta, err := l.meta.Load(l.desc.VMName)
	if err != nil {
		return errors.Wrap(err, "failed to load vm metadata")
	}

	baseArgs := l.args.BaseArgs(l.desc, meta.VMCommandVersion, l.desc.TapDeviceName, l.desc.MacAddr)
	proc := l.procs.NewProcess(l.qemuPath, baseArgs)

	l.mu.Lock()
	l.proc = proc
	l.savedErrorMsg = ""
	l.mu.Unlock()

	extraArgs := CloudInitArgs(meta.VMCommandVersion, l.desc.CloudInitPath)
	if resuming {
		machineType := meta.MachineType
		if machineType == "" {
			machineType = defaultMachineType
		}
		extraArgs = append(extraArgs, "-loadvm", snapshotTag, "-machine", machineType)

		l.mu.Lock()
		l.deleteMemorySnapshot = true
		l.mu.Unlock()
	} else if l.host != nil {
		if mt, err := ProbeMachineType(ctx, l.host, ""); err != nil {
			l.log.WithError(err).Debug("failed to probe machine type, keeping previous value")
		} else {
			meta.MachineType = mt
			if err := l.meta.Save(l.desc.VMName, meta); err != nil {
				l.log.WithError(err).Warn("failed to persist probed machine type")
			}
		}
	}

	go l.runEventLoop(proc)

	if err := proc.Start(ctx, extraArgs); err != nil {
		return errors.Wrap(err, "failed to start qemu instance")
	}

	if _, err := proc.Write(mustEncode(qmp.Capabilities())); err != nil {
		l.log.WithError(err).Warn("failed to send qmp_capabilities handshake")
	}

	return l.waitForStartingOrError()
}

func mustEncode(b []byte, err error) []byte {
	if err != nil {
		return nil
	}
	return b
}

// waitForStartingOrError blocks until the event loop has observed the
// started process event (state becomes starting) or has recorded a
// start failure.
func (l *VmLifecycle) waitForStartingOrError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.state != Starting && l.savedErrorMsg == "" {
		l.cond.Wait()
	}
	if l.state != Starting {
		return &StartException{VMName: l.desc.VMName, Message: l.savedErrorMsg}
	}
	return nil
}

// Stop is equivalent to Shutdown, per spec.md §4.2.
func (l *VmLifecycle) Stop(ctx context.Context) error {
	return l.Shutdown(ctx)
}

// Shutdown implements spec.md §4.2's shutdown row.
func (l *VmLifecycle) Shutdown(ctx context.Context) error {
	ctx, span := l.span(ctx, "shutdown")
	defer span.End()

	l.mu.Lock()
	state := l.state
	proc := l.proc
	if state == Suspended {
		l.mu.Unlock()
		l.log.Debug("shutdown called on a suspended vm, nothing to do")
		return nil
	}

	alive := proc != nil && proc.Running()
	shutdownViaQMP := alive && (state == Running || state == DelayedShutdown || state == Unknown)
	if state == Starting {
		l.updateShutdownStatus = false
	}
	l.mu.Unlock()

	if shutdownViaQMP {
		if _, err := proc.Write(mustEncode(qmp.Encode("system_powerdown", nil))); err != nil {
			l.log.WithError(err).Warn("failed to write system_powerdown")
		}
	} else if proc != nil {
		if err := proc.Kill(); err != nil {
			l.log.WithError(err).Debug("kill during shutdown returned error")
		}
	}

	if proc != nil {
		if _, err := proc.WaitForFinished(ctx); err != nil {
			l.log.WithError(err).Debug("wait for finished during shutdown returned error")
		}
	}
	return nil
}

// Suspend implements spec.md §4.2's suspend row.
func (l *VmLifecycle) Suspend(ctx context.Context) error {
	ctx, span := l.span(ctx, "suspend")
	defer span.End()

	l.mu.Lock()
	state := l.state
	proc := l.proc
	alive := proc != nil && proc.Running()
	l.mu.Unlock()

	if (state == Off || state == Suspended) && !alive {
		l.log.Debug("suspend called on an already-suspended or off vm")
		l.monitor.OnSuspend(l.desc.VMName)
		return nil
	}

	if !(state == Running || state == DelayedShutdown) || !alive {
		return nil
	}

	if _, err := proc.Write(mustEncode(qmp.HMC("savevm " + snapshotTag))); err != nil {
		return errors.Wrap(err, "failed to write savevm hmc command")
	}

	l.mu.Lock()
	shouldTransition := l.updateShutdownStatus
	if shouldTransition {
		l.state = Suspending
		l.updateShutdownStatus = false
	}
	l.mu.Unlock()

	if !shouldTransition {
		return nil
	}
	l.monitor.PersistState(l.desc.VMName, Suspending)

	if _, err := proc.WaitForFinished(ctx); err != nil {
		l.log.WithError(err).Debug("wait for finished during suspend returned error")
	}
	return nil
}

// WaitUntilSSHUp polls SSH reachability via isReachable, calling
// ensureVMIsRunning between polls, and clears a pending memory snapshot
// once reachability is confirmed after a resume.
func (l *VmLifecycle) WaitUntilSSHUp(ctx context.Context, timeout time.Duration, isReachable func(ctx context.Context, addr string, port int) bool) error {
	deadline := time.Now().Add(timeout)
	for {
		if err := l.ensureVMIsRunning(); err != nil {
			return err
		}

		addr := l.IPv4(ctx)
		if addr != "UNKNOWN" && isReachable(ctx, addr, l.SSHPort()) {
			l.mu.Lock()
			shouldDelete := l.deleteMemorySnapshot
			proc := l.proc
			wasStarting := l.state == Starting || l.state == Restarting
			if shouldDelete {
				l.deleteMemorySnapshot = false
			}
			if wasStarting {
				l.state = Running
			}
			l.mu.Unlock()

			if wasStarting {
				l.monitor.PersistState(l.desc.VMName, Running)
			}

			if shouldDelete && proc != nil {
				if _, err := proc.Write(mustEncode(qmp.HMC("delvm " + snapshotTag))); err != nil {
					l.log.WithError(err).Warn("failed to write delvm hmc command")
				}
			}
			return nil
		}

		if time.Now().After(deadline) {
			return &TimeoutError{Op: "determine SSH readiness"}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dhcpRetryInterval):
		}
	}
}

// SSHHostname returns the cached ipv4 or polls DhcpDirectory with retry
// for up to sshHostnameBudget, per spec.md §4.2.
func (l *VmLifecycle) SSHHostname(ctx context.Context) (string, error) {
	l.mu.Lock()
	if l.ipv4 != "" {
		ip := l.ipv4
		l.mu.Unlock()
		return ip, nil
	}
	l.mu.Unlock()

	deadline := time.Now().Add(sshHostnameBudget)
	for {
		if err := l.ensureVMIsRunning(); err != nil {
			return "", err
		}

		ip, err := l.dhcp.GetIPForMAC(ctx, l.desc.MacAddr)
		if err == nil && ip != "" {
			l.mu.Lock()
			l.ipv4 = ip
			l.mu.Unlock()
			return ip, nil
		}

		if time.Now().After(deadline) {
			return "", &TimeoutError{Op: "determine IP address"}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(dhcpRetryInterval):
		}
	}
}

// ensureVMIsRunning is the forcing function named throughout spec.md
// §4.2/§5: it is the only code path that unblocks a waiting onShutdown
// by observing a dead child and setting state to off.
func (l *VmLifecycle) ensureVMIsRunning() error {
	l.mu.Lock()
	proc := l.proc
	l.mu.Unlock()

	if proc != nil && proc.Running() {
		return nil
	}

	l.mu.Lock()
	l.state = Off
	l.ipv4 = ""
	msg := l.savedErrorMsg
	l.cond.Broadcast()
	l.mu.Unlock()

	l.monitor.PersistState(l.desc.VMName, Off)
	return &StartException{VMName: l.desc.VMName, Message: msg}
}

// runEventLoop drains proc's event feed until it closes, dispatching
// QMP messages decoded from stdout and raw process lifecycle events.
// This is the I/O thread named in spec.md §5: the event callbacks it
// runs write the synchronised state region only under l.mu.
func (l *VmLifecycle) runEventLoop(proc procfd.ProcessHandle) {
	for ev := range proc.Events() {
		switch ev.Kind {
		case procfd.Started:
			l.onStarted()
		case procfd.Stdout:
			msg := qmp.DecodeLine(ev.Line, l.log)
			if msg.IsEvent {
				l.onQMPEvent(proc, msg.Event)
			}
		case procfd.Stderr:
			l.mu.Lock()
			l.savedErrorMsg = string(ev.Line)
			l.mu.Unlock()
			l.log.WithField("stderr", string(ev.Line)).Warn("qemu stderr")
		case procfd.ErrorOccurred:
			l.onErrorOccurred(ev.Err)
		case procfd.Finished:
			l.onFinished(ev.ExitCode)
		case procfd.StateChanged:
			// Informational only; authoritative transitions come from
			// Started/ErrorOccurred/Finished.
		}
	}
}

func (l *VmLifecycle) onStarted() {
	l.mu.Lock()
	l.state = Starting
	l.mu.Unlock()

	l.monitor.PersistState(l.desc.VMName, Starting)
	l.monitor.OnResume(l.desc.VMName)

	l.mu.Lock()
	l.cond.Broadcast()
	l.mu.Unlock()
}

func (l *VmLifecycle) onQMPEvent(proc procfd.ProcessHandle, ev qmp.Event) {
	switch ev {
	case qmp.EventReset:
		l.mu.Lock()
		ignore := l.state == Restarting || l.state == Suspending
		if !ignore {
			l.ipv4 = ""
			l.state = Restarting
		}
		l.mu.Unlock()
		if !ignore {
			l.monitor.PersistState(l.desc.VMName, Restarting)
			l.monitor.OnRestart(l.desc.VMName)
		}
	case qmp.EventPowerdown, qmp.EventShutdown:
		l.log.WithField("event", ev.String()).Debug("qmp event observed, awaiting process exit")
	case qmp.EventStop:
		l.log.Debug("qmp STOP observed")
	case qmp.EventResume:
		l.mu.Lock()
		shouldSuspend := l.state == Suspending || l.state == Running
		l.mu.Unlock()
		if shouldSuspend {
			if err := proc.Kill(); err != nil {
				l.log.WithError(err).Debug("kill after RESUME returned error")
			}
			l.mu.Lock()
			l.state = Suspended
			l.mu.Unlock()
			l.monitor.PersistState(l.desc.VMName, Suspended)
			l.monitor.OnSuspend(l.desc.VMName)
		}
	}
}

func (l *VmLifecycle) onErrorOccurred(err error) {
	l.mu.Lock()
	controlled := l.updateShutdownStatus
	if controlled {
		l.state = Off
		l.ipv4 = ""
	}
	l.mu.Unlock()

	if err != nil {
		l.log.WithError(err).Warn("qemu process reported an error")
	}
	if controlled {
		l.monitor.PersistState(l.desc.VMName, Off)
	}
}

// onFinished implements spec.md §4.2's finished(code) row. The state
// transition to off only happens when update_shutdown_status is set or
// the child died mid-start; a RESUME-triggered suspend kill (which
// clears update_shutdown_status before killing) leaves the already-set
// suspended state untouched. monitor.OnShutdown fires unconditionally,
// "in all cases", per spec.md §4.2.
func (l *VmLifecycle) onFinished(code int) {
	l.mu.Lock()
	shouldTransition := l.updateShutdownStatus || l.state == Starting
	l.mu.Unlock()

	if shouldTransition {
		l.transitionToOffOnFinish(code)
	}
	l.monitor.OnShutdown(l.desc.VMName)
}

// transitionToOffOnFinish is spec.md §4.2's on_shutdown: if the child
// died while starting, it records the race into saved_error_msg and
// blocks on the condition variable until ensureVMIsRunning forces state
// to off and wakes it — the only notifier, per spec.md §9.
func (l *VmLifecycle) transitionToOffOnFinish(code int) {
	l.mu.Lock()
	if l.state == Starting {
		l.savedErrorMsg = "shutdown called while starting"
		l.log.WithField("exit-code", code).Warn("shutdown called while starting")
		for l.state != Off {
			l.cond.Wait()
		}
	} else {
		l.state = Off
	}
	l.ipv4 = ""
	l.mu.Unlock()

	l.monitor.PersistState(l.desc.VMName, Off)
}

// Destroy implements the destructor contract in spec.md §4.2: it
// disarms update_shutdown_status, suspends if running else shuts down,
// tears down the tap device, and waits for the child. All errors are
// swallowed; the destructor must not fail.
func (l *VmLifecycle) Destroy(ctx context.Context) {
	l.mu.Lock()
	l.updateShutdownStatus = false
	state := l.state
	proc := l.proc
	l.mu.Unlock()

	if proc != nil && proc.Running() {
		if state == Running || state == DelayedShutdown {
			if err := l.Suspend(ctx); err != nil {
				l.log.WithError(err).Debug("destructor suspend returned error")
			}
		} else if err := l.Shutdown(ctx); err != nil {
			l.log.WithError(err).Debug("destructor shutdown returned error")
		}
	}

	if err := tearDownTap(l.desc.TapDeviceName); err != nil {
		l.log.WithError(err).Debug("destructor tap teardown returned error")
	}

	if proc != nil {
		if _, err := proc.WaitForFinished(ctx); err != nil {
			l.log.WithError(err).Debug("destructor wait for finished returned error")
		}
	}
}
