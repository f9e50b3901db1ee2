//go:build linux && arm64

package kvm_test

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"unsafe"

	"github.com/c35s/armhype/kvm"
	"golang.org/x/sys/unix"
)

// openKVM opens /dev/kvm or skips the test if the host can't run guests.
func openKVM(t *testing.T) *os.File {
	t.Helper()

	sys, err := kvm.Open()
	if err != nil {
		t.Skipf("KVM is not available: %v", err)
	}

	t.Cleanup(func() { sys.Close() })
	return sys
}

func TestGetAPIVersion(t *testing.T) {
	sys := openKVM(t)

	version, err := kvm.GetAPIVersion(sys)
	if err != nil {
		t.Fatal(err)
	}

	if version != kvm.StableAPIVersion {
		t.Fatalf("API version %d != %d", version, kvm.StableAPIVersion)
	}
}

func TestCreateVM(t *testing.T) {
	sys := openKVM(t)

	vm, err := kvm.CreateVM(sys, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()
}

func TestCheckExtension(t *testing.T) {
	sys := openKVM(t)

	if _, err := kvm.CheckExtension(sys, 0); err != nil {
		t.Fatal(err)
	}

	mem, err := kvm.CheckExtension(sys, kvm.CapUserMemory)
	if err != nil {
		t.Fatal(err)
	}

	if mem != 1 {
		t.Fatalf("user memory extension value %d != 1", mem)
	}

	if s := fmt.Sprintf("%v", kvm.CapOneReg); s != "KVM_CAP_ONE_REG" {
		t.Fatalf("cap string %s != KVM_CAP_ONE_REG", s)
	}
}

func TestCreateVCPU(t *testing.T) {
	sys := openKVM(t)

	vm, err := kvm.CreateVM(sys, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	maxVCPUs, err := kvm.CheckExtension(sys, kvm.CapMaxVCPUs)
	if err != nil {
		t.Fatal(err)
	}

	if maxVCPUs < 1 {
		t.Fatalf("maxVCPUs %d < 1", maxVCPUs)
	}

	// arm64 hosts report hundreds; a handful is enough.
	n := min(maxVCPUs, 4)
	vcpus := make([]*kvm.VCPU, n)

	for i := range vcpus {
		if vcpus[i], err = kvm.CreateVCPU(vm, i); err != nil {
			t.Fatalf("create vcpu %d: %v", i, err)
		}
	}

	for i, vcpu := range vcpus {
		if err := vcpu.Close(); err != nil {
			t.Fatalf("close vcpu %d: %v", i, err)
		}
	}
}

func TestArmVCPUInit(t *testing.T) {
	sys := openKVM(t)

	vm, err := kvm.CreateVM(sys, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	init, err := kvm.ArmPreferredTarget(vm)
	if err != nil {
		t.Fatal(err)
	}

	init.Enable(kvm.FeaturePSCI02)

	boot, err := kvm.CreateVCPU(vm, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer boot.Close()

	// registers are inaccessible until the VCPU is initialized
	if _, err := kvm.GetOneReg(boot, kvm.CoreRegID(kvm.PC)); !errors.Is(err, unix.ENOEXEC) {
		t.Errorf("get pc before init: %v != ENOEXEC", err)
	}

	if err := kvm.ArmVCPUInit(boot, &init); err != nil {
		t.Fatal(err)
	}

	if err := kvm.SetOneReg(boot, kvm.CoreRegID(kvm.PC), 0x80080000); err != nil {
		t.Fatal(err)
	}

	pc, err := kvm.GetOneReg(boot, kvm.CoreRegID(kvm.PC))
	if err != nil {
		t.Fatal(err)
	}

	if pc != 0x80080000 {
		t.Errorf("pc %#x != 0x80080000", pc)
	}

	second, err := kvm.CreateVCPU(vm, 1)
	if err != nil {
		t.Fatal(err)
	}

	defer second.Close()

	init.Enable(kvm.FeaturePowerOff)
	if err := kvm.ArmVCPUInit(second, &init); err != nil {
		t.Fatal(err)
	}

	for i, c := range []*kvm.VCPU{boot, second} {
		mpidr, err := kvm.GetOneReg(c, kvm.MPIDREL1)
		if err != nil {
			t.Fatal(err)
		}

		// Aff0 is the VCPU id for the first 16 VCPUs.
		if aff0 := mpidr & 0xff; aff0 != uint64(i) {
			t.Errorf("vcpu %d: MPIDR_EL1 %#x has Aff0 %d", i, mpidr, aff0)
		}
	}
}

func TestVCPUInitFeatures(t *testing.T) {
	var init kvm.VCPUInit

	init.Enable(kvm.FeaturePSCI02)
	init.Enable(kvm.FeaturePowerOff)
	init.Enable(kvm.VCPUFeature(7 * 32)) // out of range, ignored

	if init.Features[0] != 0b101 {
		t.Errorf("features[0] %#b != 0b101", init.Features[0])
	}

	if !init.Has(kvm.FeaturePSCI02) || !init.Has(kvm.FeaturePowerOff) || init.Has(kvm.FeaturePMUv3) {
		t.Errorf("unexpected features: %v", init.Features)
	}
}

func TestRun(t *testing.T) {
	sys := openKVM(t)

	mmapSz, err := kvm.GetVCPUMmapSize(sys)
	if err != nil {
		t.Fatal(err)
	}

	vm, err := kvm.CreateVM(sys, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	mem, err := unix.Mmap(-1, 0x0, os.Getpagesize(),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

	if err != nil {
		t.Fatal(err)
	}

	defer unix.Munmap(mem)

	const codeAddr = 0x80000000

	region := &kvm.UserspaceMemoryRegion{
		GuestPhysAddr: codeAddr,
		MemorySize:    uint64(len(mem)),
		UserspaceAddr: uint64(uintptr(unsafe.Pointer(&mem[0]))),
	}

	if err := kvm.SetUserMemoryRegion(vm, region); err != nil {
		t.Fatalf("unexpected error setting user memory region: %v", err)
	}

	vcpu, err := kvm.CreateVCPU(vm, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer vcpu.Close()

	init, err := kvm.ArmPreferredTarget(vm)
	if err != nil {
		t.Fatal(err)
	}

	if err := kvm.ArmVCPUInit(vcpu, &init); err != nil {
		t.Fatal(err)
	}

	rawState, err := unix.Mmap(int(vcpu.Fd()), 0, mmapSz,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		t.Fatal(err)
	}

	defer unix.Munmap(rawState)

	state := (*kvm.VCPUState)(unsafe.Pointer(&rawState[0]))

	const mmioAddr = 0x10000000

	// str x0, [x1]
	binary.LittleEndian.PutUint32(mem, 0xf9000020)

	regs := map[kvm.CoreReg]uint64{
		kvm.PC:     codeAddr,
		kvm.PState: 0x3c5,
		kvm.X0:     0xfeedface,
		kvm.X1:     mmioAddr,
	}

	for r, v := range regs {
		if err := kvm.SetOneReg(vcpu, kvm.CoreRegID(r), v); err != nil {
			t.Fatalf("set %v: %v", r, err)
		}
	}

	if err := kvm.Run(vcpu); err != nil {
		t.Fatal(err)
	}

	if state.ExitReason != kvm.ExitMMIO {
		t.Fatalf("%v != %v", state.ExitReason, kvm.ExitMMIO)
	}

	xd := state.MMIOExitData()
	if xd.PhysAddr != mmioAddr || !xd.IsWrite || xd.Len != 8 {
		t.Fatalf("unexpected mmio exit: %+v", *xd)
	}

	if v := binary.LittleEndian.Uint64(xd.Data[:]); v != 0xfeedface {
		t.Errorf("mmio data %#x != 0xfeedface", v)
	}
}

func TestDeviceClosed(t *testing.T) {
	devFn := map[string]func(*os.File) error{
		"GetAPIVersion":   func(sys *os.File) error { _, err := kvm.GetAPIVersion(sys); return err },
		"CreateVM":        func(sys *os.File) error { _, err := kvm.CreateVM(sys, 0); return err },
		"CheckExtension":  func(sys *os.File) error { _, err := kvm.CheckExtension(sys, 0); return err },
		"GetVCPUMmapSize": func(sys *os.File) error { _, err := kvm.GetVCPUMmapSize(sys); return err },
	}

	sys := openKVM(t)
	if err := sys.Close(); err != nil {
		t.Fatal(err)
	}

	for name, fn := range devFn {
		if err := fn(sys); !errors.Is(err, unix.EBADF) {
			t.Fatalf("%s: %v != EBADF", name, err)
		}
	}
}

func TestVCPUClosed(t *testing.T) {
	sys := openKVM(t)

	vm, err := kvm.CreateVM(sys, 0)
	if err != nil {
		t.Fatal(err)
	}

	defer vm.Close()

	vcpu, err := kvm.CreateVCPU(vm, 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := vcpu.Close(); err != nil {
		t.Fatal(err)
	}

	vcpuFn := map[string]func(vcpu *kvm.VCPU) error{
		"Run":       kvm.Run,
		"GetOneReg": func(vcpu *kvm.VCPU) error { _, err := kvm.GetOneReg(vcpu, kvm.MPIDREL1); return err },
		"SetOneReg": func(vcpu *kvm.VCPU) error { return kvm.SetOneReg(vcpu, kvm.CoreRegID(kvm.PC), 0) },
	}

	for name, fn := range vcpuFn {
		if err := fn(vcpu); !errors.Is(err, unix.EBADF) {
			t.Fatalf("%s: %v != EBADF", name, err)
		}
	}
}

func TestCapString(t *testing.T) {
	for _, c := range kvm.AllCaps() {
		unknown := fmt.Sprintf("Cap(%d)", c)
		if c.String() == unknown {
			t.Error(c)
		}
	}

	if s := kvm.Cap(9999).String(); s != "Cap(9999)" {
		t.Errorf("unexpected string for an unknown cap: %s", s)
	}
}

func TestExitString(t *testing.T) {
	for e := 0; e < 1000; e++ {
		s := kvm.Exit(e).String()
		if !strings.HasPrefix(s, "KVM_") && !strings.HasPrefix(s, "Exit(") {
			t.Errorf("malformed exit string for Exit(%d): %s", e, s)
		}
	}
}
