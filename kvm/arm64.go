//go:build linux

package kvm

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// VCPUFeature is a bit in the features array of VCPUInit.
type VCPUFeature uint32

// VCPU features from arch/arm64/include/uapi/asm/kvm.h.
const (
	FeaturePowerOff VCPUFeature = 0 // KVM_ARM_VCPU_POWER_OFF
	FeatureEL132Bit VCPUFeature = 1 // KVM_ARM_VCPU_EL1_32BIT
	FeaturePSCI02   VCPUFeature = 2 // KVM_ARM_VCPU_PSCI_0_2
	FeaturePMUv3    VCPUFeature = 3 // KVM_ARM_VCPU_PMU_V3
)

// VCPUInit has the same layout as the C struct kvm_vcpu_init.
type VCPUInit struct {
	Target   uint32
	Features [7]uint32
}

// Enable sets feature f. Features beyond the end of the array are ignored.
func (v *VCPUInit) Enable(f VCPUFeature) {
	word, bit := f/32, f%32
	if int(word) >= len(v.Features) {
		return
	}

	v.Features[word] |= 1 << bit
}

// Has reports whether feature f is set.
func (v *VCPUInit) Has(f VCPUFeature) bool {
	word, bit := f/32, f%32
	if int(word) >= len(v.Features) {
		return false
	}

	return v.Features[word]&(1<<bit) != 0
}

// oneReg has the same layout as the C struct kvm_one_reg.
type oneReg struct {
	id   uint64
	addr uint64
}

// ArmPreferredTarget returns the host's preferred VCPU target. Its Features
// are all clear; callers enable what they need before ArmVCPUInit.
func ArmPreferredTarget(vm *VM) (VCPUInit, error) {
	var init VCPUInit

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vm.Fd(), kArmPreferredTarget, uintptr(unsafe.Pointer(&init)))
	if errno != 0 {
		return VCPUInit{}, errno
	}

	return init, nil
}

// ArmVCPUInit resets the VCPU to its initial state with the given target and
// features. It must be called before any register is read or written.
func ArmVCPUInit(vcpu *VCPU, init *VCPUInit) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kArmVCPUInit, uintptr(unsafe.Pointer(init)))
	if errno != 0 {
		return errno
	}

	return nil
}

// GetOneReg reads the 64-bit register identified by id.
func GetOneReg(vcpu *VCPU, id uint64) (uint64, error) {
	var val uint64
	reg := oneReg{id: id, addr: uint64(uintptr(unsafe.Pointer(&val)))}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kGetOneReg, uintptr(unsafe.Pointer(&reg)))
	if errno != 0 {
		return 0, errno
	}

	return val, nil
}

// SetOneReg writes the 64-bit register identified by id.
func SetOneReg(vcpu *VCPU, id uint64, val uint64) error {
	reg := oneReg{id: id, addr: uint64(uintptr(unsafe.Pointer(&val)))}

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, vcpu.Fd(), kSetOneReg, uintptr(unsafe.Pointer(&reg)))
	if errno != 0 {
		return errno
	}

	return nil
}
