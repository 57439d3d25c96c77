package vmlifecycle

import "fmt"

// DefaultArgBuilder assembles the base QEMU argument set for a VM:
// machine name, memory, CPUs, the image drive, and a tap-backed
// virtio-net device. The cloud-init drive is not part of it; see
// CloudInitArgs. It is grounded on govmm's Device/
// QemuParams pattern (each concern renders its own flag group) but
// collapsed into a single function, since VmLifecycle only needs the
// finished argv and never mutates it once built.
type DefaultArgBuilder struct {
	MemoryMiB int
	CPUs      int
}

// NewDefaultArgBuilder returns an ArgBuilder with reasonable defaults
// for a single-VM desktop workload.
func NewDefaultArgBuilder() *DefaultArgBuilder {
	return &DefaultArgBuilder{MemoryMiB: 1024, CPUs: 1}
}

// BaseArgs renders the argument set shared by a fresh start and a
// resume: machine identity, memory, CPUs, the QMP/video/image/network
// flags. It never attaches the cloud-init drive — that attachment is the
// same regardless of whether the VM is starting fresh or resuming from
// a snapshot, so the controller appends it itself via CloudInitArgs
// exactly once, rather than each call site deciding independently
// whether it has already been added.
func (b *DefaultArgBuilder) BaseArgs(desc Descriptor, commandVersion int, tapDevice, macAddr string) []string {
	mem := b.MemoryMiB
	if mem == 0 {
		mem = 1024
	}
	cpus := b.CPUs
	if cpus == 0 {
		cpus = 1
	}

	return []string{
		"-name", desc.VMName,
		"-m", fmt.Sprintf("%dM", mem),
		"-smp", fmt.Sprintf("%d", cpus),
		"-qmp", "stdio",
		"-nographic",
		"-drive", fmt.Sprintf("file=%s,if=virtio,format=qcow2", desc.ImagePath),
		"-netdev", fmt.Sprintf("tap,id=net0,ifname=%s,script=no,downscript=no", tapDevice),
		"-device", fmt.Sprintf("virtio-net-pci,netdev=net0,mac=%s", macAddr),
	}
}

// CloudInitArgs renders the cloud-init attachment, the one place that
// decides between the legacy -cdrom form (command version 1) and the
// virtio read-only drive form (version 0). Both Start's fresh-boot and
// resume paths call this exactly once.
func CloudInitArgs(commandVersion int, cloudInitPath string) []string {
	if commandVersion == legacyUseCdromValue {
		return []string{"-cdrom", cloudInitPath}
	}
	return []string{"-drive", fmt.Sprintf("file=%s,if=virtio,format=raw,snapshot=off,read-only", cloudInitPath)}
}
