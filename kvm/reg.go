package kvm

import (
	"fmt"
	"unsafe"
)

// Register id encoding from include/uapi/linux/kvm.h and
// arch/arm64/include/uapi/asm/kvm.h.
const (
	RegARM64   uint64 = 0x6000000000000000
	RegSizeU64 uint64 = 0x0030000000000000

	regARMCoprocShift        = 16
	RegARMCore        uint64 = 0x0010 << regARMCoprocShift
	RegARM64SysReg    uint64 = 0x0013 << regARMCoprocShift

	sysRegOp0Mask  uint64 = 0x000000000000c000
	sysRegOp0Shift        = 14
	sysRegOp1Mask  uint64 = 0x0000000000003800
	sysRegOp1Shift        = 11
	sysRegCRnMask  uint64 = 0x0000000000000780
	sysRegCRnShift        = 7
	sysRegCRmMask  uint64 = 0x0000000000000078
	sysRegCRmShift        = 3
	sysRegOp2Mask  uint64 = 0x0000000000000007
	sysRegOp2Shift        = 0
)

// UserPtRegs has the same layout as the C struct user_pt_regs, which is
// the first member of struct kvm_regs. Core register ids are derived from
// the offsets of its fields.
type UserPtRegs struct {
	Regs   [31]uint64
	SP     uint64
	PC     uint64
	PState uint64
}

// CoreReg names a field of UserPtRegs. X0 through X30 are the general
// purpose registers.
type CoreReg int

const (
	X0 CoreReg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	SP
	PC
	PState
)

func (r CoreReg) String() string {
	switch {
	case r >= X0 && r <= X30:
		return fmt.Sprintf("x%d", int(r-X0))
	case r == SP:
		return "sp"
	case r == PC:
		return "pc"
	case r == PState:
		return "pstate"
	}

	return fmt.Sprintf("CoreReg(%d)", int(r))
}

// offset returns the byte offset of r within UserPtRegs.
func (r CoreReg) offset() uintptr {
	var regs UserPtRegs

	switch {
	case r >= X0 && r <= X30:
		return unsafe.Offsetof(regs.Regs) + uintptr(r-X0)*unsafe.Sizeof(regs.Regs[0])
	case r == SP:
		return unsafe.Offsetof(regs.SP)
	case r == PC:
		return unsafe.Offsetof(regs.PC)
	case r == PState:
		return unsafe.Offsetof(regs.PState)
	}

	panic(fmt.Sprintf("kvm: unknown core register %d", int(r)))
}

// CoreRegID returns the KVM_{GET,SET}_ONE_REG id of a core register. As in
// kvm_arm_copy_reg_indices, the index is the field's offset in 32-bit words.
func CoreRegID(r CoreReg) uint64 {
	return RegARM64 | RegSizeU64 | RegARMCore | uint64(r.offset()/unsafe.Sizeof(uint32(0)))
}

// SysRegID returns the KVM_{GET,SET}_ONE_REG id of the system register with
// the given instruction encoding, like the ARM64_SYS_REG macro.
func SysRegID(op0, op1, crn, crm, op2 uint64) uint64 {
	return RegARM64 | RegSizeU64 | RegARM64SysReg |
		((op0 << sysRegOp0Shift) & sysRegOp0Mask) |
		((op1 << sysRegOp1Shift) & sysRegOp1Mask) |
		((crn << sysRegCRnShift) & sysRegCRnMask) |
		((crm << sysRegCRmShift) & sysRegCRmMask) |
		((op2 << sysRegOp2Shift) & sysRegOp2Mask)
}

// MPIDREL1 is the id of the Multiprocessor Affinity Register, see
// arch/arm64/include/asm/sysreg.h.
var MPIDREL1 = SysRegID(3, 0, 0, 0, 5)
