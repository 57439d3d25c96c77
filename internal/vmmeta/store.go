// Package vmmeta persists per-VM metadata (machine type, command
// version) as JSON, the way virtcontainers/persist/fs persists sandbox
// state: one file per entity, 0600/0700 modes, mkdir-all before write.
package vmmeta

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// LatestCommandVersion is the newest vm_command_version this build
// knows how to write. Bumping it is how a future change to the QEMU
// argument set would be rolled out without breaking already-provisioned
// VMs: start() reads the version a VM was last started with and adapts
// its argument set accordingly rather than assuming latest.
const LatestCommandVersion = 1

// DefaultMachineType is used when a VM's metadata has never recorded a
// probed machine type.
const DefaultMachineType = "pc-i440fx-xenial"

// Metadata is the persisted record for one VM.
type Metadata struct {
	VMCommandVersion int    `json:"vm_command_version"`
	MachineType      string `json:"machine_type"`
}

// legacyMetadata is the on-disk shape written by versions that predate
// vm_command_version. Its presence without vm_command_version implies
// command version 1 if use_cdrom is true, else version 0. Removing this
// inference would break resuming VMs provisioned by those versions.
type legacyMetadata struct {
	UseCdrom    *bool  `json:"use_cdrom,omitempty"`
	MachineType string `json:"machine_type,omitempty"`
}

// Store loads and saves Metadata for a named VM.
type Store interface {
	Load(vmName string) (Metadata, error)
	Save(vmName string, m Metadata) error
}

const (
	dirMode  = os.FileMode(0700)
	fileMode = os.FileMode(0600)
)

// FileStore is the default Store: one JSON file per VM under root.
type FileStore struct {
	root string
	log  *logrus.Entry
}

// NewFileStore returns a Store rooted at root. The directory is not
// created here; Save creates it on first write.
func NewFileStore(root string, log *logrus.Entry) *FileStore {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &FileStore{root: root, log: log.WithField("subsystem", "vmmeta")}
}

func (s *FileStore) path(vmName string) string {
	return filepath.Join(s.root, vmName+".json")
}

// Load returns the VM's metadata, applying the absence/legacy inference
// rules from spec.md §3: no file at all yields the zero-value defaults
// (version 0, no machine type); a legacy use_cdrom-only object infers
// version 1.
func (s *FileStore) Load(vmName string) (Metadata, error) {
	b, err := os.ReadFile(s.path(vmName))
	if os.IsNotExist(err) {
		return Metadata{VMCommandVersion: 0, MachineType: ""}, nil
	}
	if err != nil {
		return Metadata{}, errors.Wrapf(err, "failed to read metadata for %s", vmName)
	}

	var withVersion struct {
		VMCommandVersion *int   `json:"vm_command_version"`
		MachineType      string `json:"machine_type"`
	}
	if err := json.Unmarshal(b, &withVersion); err != nil {
		return Metadata{}, errors.Wrapf(err, "failed to parse metadata for %s", vmName)
	}

	if withVersion.VMCommandVersion != nil {
		return Metadata{VMCommandVersion: *withVersion.VMCommandVersion, MachineType: withVersion.MachineType}, nil
	}

	var legacy legacyMetadata
	if err := json.Unmarshal(b, &legacy); err != nil {
		return Metadata{}, errors.Wrapf(err, "failed to parse legacy metadata for %s", vmName)
	}

	version := 0
	if legacy.UseCdrom != nil && *legacy.UseCdrom {
		version = 1
	}
	return Metadata{VMCommandVersion: version, MachineType: legacy.MachineType}, nil
}

// Save always writes the latest command version with the probed machine
// type, never the legacy use_cdrom key.
func (s *FileStore) Save(vmName string, m Metadata) error {
	if err := os.MkdirAll(s.root, dirMode); err != nil {
		return errors.Wrapf(err, "failed to create metadata dir %s", s.root)
	}

	m.VMCommandVersion = LatestCommandVersion
	b, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "failed to marshal metadata")
	}

	if err := os.WriteFile(s.path(vmName), b, fileMode); err != nil {
		return errors.Wrapf(err, "failed to write metadata for %s", vmName)
	}

	s.log.WithField("vm", vmName).WithField("metadata", m).Debug("persisted vm metadata")
	return nil
}
