package kvm

import (
	"fmt"
	"sort"
)

// Cap is a KVM capability (extension) that can be queried with CheckExtension.
type Cap int

// Capabilities relevant to arm64 guests, from include/uapi/linux/kvm.h.
const (
	CapIRQChip            Cap = 0
	CapUserMemory         Cap = 3
	CapNRVCPUs            Cap = 9
	CapNRMemSlots         Cap = 10
	CapIRQRouting         Cap = 25
	CapIRQFD              Cap = 32
	CapMaxVCPUs           Cap = 66
	CapOneReg             Cap = 70
	CapSignalMSI          Cap = 77
	CapARMPSCI            Cap = 87
	CapDeviceCtrl         Cap = 89
	CapARMEL132Bit        Cap = 93
	CapARMPSCI02          Cap = 102
	CapCheckExtensionVM   Cap = 105
	CapARMPMUv3           Cap = 126
	CapMaxVCPUID          Cap = 128
	CapImmediateExit      Cap = 136
	CapARMUserIRQ         Cap = 148
	CapARMInjectSErrorESR Cap = 158
	CapARMVMIPASize       Cap = 165
	CapARMSVE             Cap = 170
	CapARMPtrAuthAddress  Cap = 171
	CapARMPtrAuthGeneric  Cap = 172
)

var capNames = map[Cap]string{
	CapIRQChip:            "KVM_CAP_IRQCHIP",
	CapUserMemory:         "KVM_CAP_USER_MEMORY",
	CapNRVCPUs:            "KVM_CAP_NR_VCPUS",
	CapNRMemSlots:         "KVM_CAP_NR_MEMSLOTS",
	CapIRQRouting:         "KVM_CAP_IRQ_ROUTING",
	CapIRQFD:              "KVM_CAP_IRQFD",
	CapMaxVCPUs:           "KVM_CAP_MAX_VCPUS",
	CapOneReg:             "KVM_CAP_ONE_REG",
	CapSignalMSI:          "KVM_CAP_SIGNAL_MSI",
	CapARMPSCI:            "KVM_CAP_ARM_PSCI",
	CapDeviceCtrl:         "KVM_CAP_DEVICE_CTRL",
	CapARMEL132Bit:        "KVM_CAP_ARM_EL1_32BIT",
	CapARMPSCI02:          "KVM_CAP_ARM_PSCI_0_2",
	CapCheckExtensionVM:   "KVM_CAP_CHECK_EXTENSION_VM",
	CapARMPMUv3:           "KVM_CAP_ARM_PMU_V3",
	CapMaxVCPUID:          "KVM_CAP_MAX_VCPU_ID",
	CapImmediateExit:      "KVM_CAP_IMMEDIATE_EXIT",
	CapARMUserIRQ:         "KVM_CAP_ARM_USER_IRQ",
	CapARMInjectSErrorESR: "KVM_CAP_ARM_INJECT_SERROR_ESR",
	CapARMVMIPASize:       "KVM_CAP_ARM_VM_IPA_SIZE",
	CapARMSVE:             "KVM_CAP_ARM_SVE",
	CapARMPtrAuthAddress:  "KVM_CAP_ARM_PTRAUTH_ADDRESS",
	CapARMPtrAuthGeneric:  "KVM_CAP_ARM_PTRAUTH_GENERIC",
}

func (c Cap) String() string {
	if s, ok := capNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Cap(%d)", int(c))
}

// AllCaps returns every named capability in ascending order.
func AllCaps() []Cap {
	caps := make([]Cap, 0, len(capNames))
	for c := range capNames {
		caps = append(caps, c)
	}

	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })
	return caps
}

// Exit is the reason a VCPU returned from Run.
type Exit uint32

const (
	ExitUnknown       Exit = 0
	ExitException     Exit = 1
	ExitIO            Exit = 2
	ExitHypercall     Exit = 3
	ExitDebug         Exit = 4
	ExitHLT           Exit = 5
	ExitMMIO          Exit = 6
	ExitIRQWindowOpen Exit = 7
	ExitShutdown      Exit = 8
	ExitFailEntry     Exit = 9
	ExitIntr          Exit = 10
	ExitInternalError Exit = 17
	ExitSystemEvent   Exit = 24
	ExitARMNISV       Exit = 28
)

var exitNames = map[Exit]string{
	ExitUnknown:       "KVM_EXIT_UNKNOWN",
	ExitException:     "KVM_EXIT_EXCEPTION",
	ExitIO:            "KVM_EXIT_IO",
	ExitHypercall:     "KVM_EXIT_HYPERCALL",
	ExitDebug:         "KVM_EXIT_DEBUG",
	ExitHLT:           "KVM_EXIT_HLT",
	ExitMMIO:          "KVM_EXIT_MMIO",
	ExitIRQWindowOpen: "KVM_EXIT_IRQ_WINDOW_OPEN",
	ExitShutdown:      "KVM_EXIT_SHUTDOWN",
	ExitFailEntry:     "KVM_EXIT_FAIL_ENTRY",
	ExitIntr:          "KVM_EXIT_INTR",
	ExitInternalError: "KVM_EXIT_INTERNAL_ERROR",
	ExitSystemEvent:   "KVM_EXIT_SYSTEM_EVENT",
	ExitARMNISV:       "KVM_EXIT_ARM_NISV",
}

func (e Exit) String() string {
	if s, ok := exitNames[e]; ok {
		return s
	}

	return fmt.Sprintf("Exit(%d)", uint32(e))
}

// System event types reported with ExitSystemEvent.
const (
	SystemEventShutdown = 1
	SystemEventReset    = 2
	SystemEventCrash    = 3
)
