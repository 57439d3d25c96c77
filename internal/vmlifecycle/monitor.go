package vmlifecycle

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// LogMonitor is a reference StatusMonitor: it logs every callback and
// keeps the last persisted State per VM in memory, the way the
// teacher's sandbox monitor tracks watcher state under a single mutex
// rather than fanning callbacks out to unbounded subscribers. A real
// deployment's StatusMonitor would instead write State to the same
// durable store backing VmMetadataStore; this one exists so
// VmLifecycle can be exercised without a collaborator from the caller.
type LogMonitor struct {
	mu     sync.Mutex
	states map[string]State
	log    *logrus.Entry
}

// NewLogMonitor returns a StatusMonitor that logs state persistence at
// debug level and lifecycle callbacks at info level, and records the
// last state persisted for each VM name.
func NewLogMonitor(log *logrus.Entry) *LogMonitor {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &LogMonitor{
		states: make(map[string]State),
		log:    log.WithField("subsystem", "vmlifecycle.monitor"),
	}
}

// StateFor returns the last state recorded for vmName via PersistState.
func (m *LogMonitor) StateFor(vmName string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[vmName]
	return s, ok
}

func (m *LogMonitor) PersistState(vmName string, state State) {
	m.mu.Lock()
	m.states[vmName] = state
	m.mu.Unlock()
	m.log.WithFields(logrus.Fields{"vm": vmName, "state": state.String()}).Debug("persisted vm state")
}

func (m *LogMonitor) OnResume(vmName string) {
	m.log.WithField("vm", vmName).Info("vm resumed")
}

func (m *LogMonitor) OnRestart(vmName string) {
	m.log.WithField("vm", vmName).Info("vm restarted")
}

func (m *LogMonitor) OnSuspend(vmName string) {
	m.log.WithField("vm", vmName).Info("vm suspended")
}

func (m *LogMonitor) OnShutdown(vmName string) {
	m.log.WithField("vm", vmName).Info("vm shut down")
}
