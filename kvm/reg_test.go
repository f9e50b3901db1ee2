package kvm_test

import (
	"testing"
	"unsafe"

	"github.com/c35s/armhype/kvm"
)

func TestUserPtRegsLayout(t *testing.T) {
	if sz := unsafe.Sizeof(kvm.UserPtRegs{}); sz != 34*8 {
		t.Fatalf("sizeof(user_pt_regs) %d != %d", sz, 34*8)
	}
}

func TestCoreRegID(t *testing.T) {
	// Reference values as printed by `KVM_GET_REG_LIST` on an arm64 host.
	tests := []struct {
		reg  kvm.CoreReg
		want uint64
	}{
		{kvm.X0, 0x6030000000100000},
		{kvm.X1, 0x6030000000100002},
		{kvm.X30, 0x603000000010003c},
		{kvm.SP, 0x603000000010003e},
		{kvm.PC, 0x6030000000100040},
		{kvm.PState, 0x6030000000100042},
	}

	for _, tt := range tests {
		if got := kvm.CoreRegID(tt.reg); got != tt.want {
			t.Errorf("CoreRegID(%v) %#x != %#x", tt.reg, got, tt.want)
		}
	}
}

func TestCoreRegIDDeterministic(t *testing.T) {
	for _, r := range []kvm.CoreReg{kvm.X0, kvm.PC, kvm.PState} {
		if a, b := kvm.CoreRegID(r), kvm.CoreRegID(r); a != b {
			t.Errorf("CoreRegID(%v) is not stable: %#x != %#x", r, a, b)
		}
	}
}

func TestCoreRegIDDistinct(t *testing.T) {
	seen := make(map[uint64]kvm.CoreReg)
	for r := kvm.X0; r <= kvm.PState; r++ {
		id := kvm.CoreRegID(r)
		if prev, ok := seen[id]; ok {
			t.Fatalf("%v and %v share id %#x", prev, r, id)
		}

		seen[id] = r
	}
}

func TestCoreRegUnknownPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("no panic")
		}
	}()

	kvm.CoreRegID(kvm.PState + 1)
}

func TestCoreRegString(t *testing.T) {
	for r, want := range map[kvm.CoreReg]string{
		kvm.X0:     "x0",
		kvm.X29:    "x29",
		kvm.SP:     "sp",
		kvm.PC:     "pc",
		kvm.PState: "pstate",
	} {
		if s := r.String(); s != want {
			t.Errorf("%d: %q != %q", int(r), s, want)
		}
	}
}

func TestSysRegID(t *testing.T) {
	tests := []struct {
		name                    string
		op0, op1, crn, crm, op2 uint64
		want                    uint64
	}{
		{"MPIDR_EL1", 3, 0, 0, 0, 5, 0x603000000013c005},
		{"SCTLR_EL1", 3, 0, 1, 0, 0, 0x603000000013c080},
		{"TTBR1_EL1", 3, 0, 2, 0, 1, 0x603000000013c101},
		{"CNTV_CTL_EL0", 3, 3, 14, 3, 1, 0x603000000013df19},
		{"SP_EL1", 3, 4, 4, 1, 0, 0x603000000013e208},
	}

	for _, tt := range tests {
		if got := kvm.SysRegID(tt.op0, tt.op1, tt.crn, tt.crm, tt.op2); got != tt.want {
			t.Errorf("%s: %#x != %#x", tt.name, got, tt.want)
		}
	}

	if kvm.MPIDREL1 != 0x603000000013c005 {
		t.Errorf("MPIDREL1 %#x != 0x603000000013c005", kvm.MPIDREL1)
	}
}

func TestSysRegIDMasksFields(t *testing.T) {
	// Out-of-range field values must not spill into neighboring fields.
	if got, want := kvm.SysRegID(0, 0, 0, 0, 0xff), kvm.SysRegID(0, 0, 0, 0, 7); got != want {
		t.Errorf("op2 overflow %#x != %#x", got, want)
	}

	if got, want := kvm.SysRegID(7, 0, 0, 0, 0), kvm.SysRegID(3, 0, 0, 0, 0); got != want {
		t.Errorf("op0 overflow %#x != %#x", got, want)
	}
}
