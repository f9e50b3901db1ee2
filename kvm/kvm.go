//go:build linux

// Package kvm wraps the subset of the Linux KVM API needed to bring up an
// arm64 guest. Each function issues one ioctl and returns the raw errno on
// failure.
package kvm

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// StableAPIVersion is the only KVM API version this package supports.
const StableAPIVersion = 12

// ioctl request numbers from include/uapi/linux/kvm.h.
const (
	kGetAPIVersion       = 0xae00
	kCreateVM            = 0xae01
	kCheckExtension      = 0xae03
	kGetVCPUMmapSize     = 0xae04
	kCreateVCPU          = 0xae41
	kSetUserMemoryRegion = 0x4020ae46
	kRun                 = 0xae80
	kGetOneReg           = 0x4010aeab
	kSetOneReg           = 0x4010aeac
	kArmVCPUInit         = 0x4020aeae
	kArmPreferredTarget  = 0x8020aeaf
)

// VM is a KVM virtual machine fd.
type VM struct {
	*os.File
}

// VCPU is a KVM virtual CPU fd.
type VCPU struct {
	*os.File
}

// UserspaceMemoryRegion has the same layout as the C struct
// kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// Open opens /dev/kvm.
func Open() (*os.File, error) {
	return os.OpenFile("/dev/kvm", os.O_RDWR, 0)
}

// GetAPIVersion returns the KVM API version. It should always be StableAPIVersion.
func GetAPIVersion(sys *os.File) (int, error) {
	v, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetAPIVersion, 0)
	if errno != 0 {
		return 0, errno
	}

	return int(v), nil
}

// CheckExtension queries a capability. The file may be the system fd or,
// if CapCheckExtensionVM is available, a VM fd.
func CheckExtension(f interface{ Fd() uintptr }, cap Cap) (int, error) {
	v, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), kCheckExtension, uintptr(cap))
	if errno != 0 {
		return 0, errno
	}

	return int(v), nil
}

// GetVCPUMmapSize returns the size of the shared kvm_run region of a VCPU fd.
func GetVCPUMmapSize(sys *os.File) (int, error) {
	sz, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kGetVCPUMmapSize, 0)
	if errno != 0 {
		return 0, errno
	}

	return int(sz), nil
}

// CreateVM creates a VM. On arm64, ipaBits selects the guest physical
// address size; 0 requests the 40-bit default.
func CreateVM(sys *os.File, ipaBits int) (*VM, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, sys.Fd(), kCreateVM, uintptr(ipaBits&0xff))
	if errno != 0 {
		return nil, errno
	}

	return &VM{os.NewFile(fd, "kvm-vm")}, nil
}

// CreateVCPU adds a VCPU with the given id to the VM.
func CreateVCPU(vm *VM, id int) (*VCPU, error) {
	fd, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kCreateVCPU, uintptr(id))
	if errno != 0 {
		return nil, errno
	}

	return &VCPU{os.NewFile(fd, "kvm-vcpu")}, nil
}

// SetUserMemoryRegion installs a slot of guest memory backed by host memory.
func SetUserMemoryRegion(vm *VM, region *UserspaceMemoryRegion) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kSetUserMemoryRegion, uintptr(unsafe.Pointer(region)))
	if errno != 0 {
		return errno
	}

	return nil
}

// Run enters the guest. It returns when the VCPU exits; the reason is
// reported in the VCPU's mmaped VCPUState.
func Run(vcpu *VCPU) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kRun, 0)
	if errno != 0 {
		return errno
	}

	return nil
}
