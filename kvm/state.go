//go:build linux

package kvm

import "unsafe"

// VCPUState has roughly the same layout as struct kvm_run.
type VCPUState struct {
	_/*requestInterruptWindow*/ uint8 // in
	ImmediateExit                     uint8 // in
	_                                 [6]uint8
	ExitReason                        Exit
	_/*readyForInterruptInjection*/ uint8
	_/*ifFlag*/ uint8
	_/*flags*/ uint16
	_/*cr8*/ uint64
	_/*apicBase*/ uint64

	// exitData is a union of anonymous structs in the C struct.
	exitData [256]uint8

	_/*kvmValidRegs*/ uint64
	_/*kvmDirtyRegs*/ uint64
	_ [2048]uint8
}

// MMIOExitData is the result of a KVM_EXIT_MMIO vmexit. It has the same layout as the
// "mmio" member of the union of vmexit data in struct kvm_run.
type MMIOExitData struct {
	PhysAddr uint64
	Data     [8]uint8
	Len      uint32
	IsWrite  bool
	_        [3]byte
}

// SystemEventExitData is the result of a KVM_EXIT_SYSTEM_EVENT vmexit. On arm64
// these are raised when the guest makes a PSCI SYSTEM_OFF or SYSTEM_RESET call.
type SystemEventExitData struct {
	Type  uint32
	NData uint32
	Data  [16]uint64
}

// MMIOExitData returns data describing the present KVM_EXIT_MMIO vmexit.
// The result is undefined (but bad) if the exit reason is not KVM_EXIT_MMIO.
func (s *VCPUState) MMIOExitData() *MMIOExitData {
	return (*MMIOExitData)(unsafe.Pointer(&s.exitData[0]))
}

// SystemEventExitData returns data describing the present KVM_EXIT_SYSTEM_EVENT vmexit.
func (s *VCPUState) SystemEventExitData() *SystemEventExitData {
	return (*SystemEventExitData)(unsafe.Pointer(&s.exitData[0]))
}
