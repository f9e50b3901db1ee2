package arch

// PSTATE bits from arch/arm64/include/uapi/asm/ptrace.h.
const (
	PSRModeEL1h = 0x0000_0005
	PSRFBit     = 0x0000_0040 // FIQ masked
	PSRIBit     = 0x0000_0080 // IRQ masked
	PSRABit     = 0x0000_0100 // SError masked
	PSRDBit     = 0x0000_0200 // Debug masked
)

// BootPState returns the PSTATE every VCPU starts with: EL1 using SP_EL1,
// with debug, SError, IRQ and FIQ exceptions masked. It is the same value
// as PSTATE_FAULT_BITS_64 in arch/arm64/kvm/inject_fault.c.
func BootPState() uint64 {
	return PSRModeEL1h | PSRABit | PSRFBit | PSRIBit | PSRDBit
}
