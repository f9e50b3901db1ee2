//go:build linux

// Package vmmtest provides an in-memory vmm.Hypervisor that records what the
// VMM asks of it, for testing VM bring-up without KVM.
package vmmtest

import (
	"sync"

	"github.com/c35s/armhype/kvm"
	"github.com/c35s/armhype/vmm"
	"golang.org/x/sys/unix"
)

// PreferredTarget is the CPU target the fake reports.
const PreferredTarget = 5 // KVM_ARM_TARGET_GENERIC_V8

// Hypervisor is a fake vmm.Hypervisor.
type Hypervisor struct {

	// VM is returned by CreateVM. If VM is nil, CreateVM creates one.
	VM *VM

	// MaxVCPUCount is returned by MaxVCPUs.
	MaxVCPUCount int

	// CreateVMErr, if set, is returned by CreateVM.
	CreateVMErr error

	// MaxVCPUsErr, if set, is returned by MaxVCPUs.
	MaxVCPUsErr error

	Closed bool
}

func (h *Hypervisor) CreateVM() (vmm.VMFD, error) {
	if h.CreateVMErr != nil {
		return nil, h.CreateVMErr
	}

	if h.VM == nil {
		h.VM = new(VM)
	}

	return h.VM, nil
}

func (h *Hypervisor) MaxVCPUs() (int, error) {
	if h.MaxVCPUsErr != nil {
		return 0, h.MaxVCPUsErr
	}

	return h.MaxVCPUCount, nil
}

func (h *Hypervisor) Close() error {
	h.Closed = true
	return nil
}

// VM is a fake vmm.VMFD.
type VM struct {

	// CreateVCPUErr maps a slot to the error CreateVCPU returns for it.
	CreateVCPUErr map[int]error

	// PreferredTargetErr, if set, is returned by PreferredTarget.
	PreferredTargetErr error

	// InitErr maps a slot to the error its VCPU's Init returns.
	InitErr map[int]error

	// SetOneRegErr maps a slot to the error its VCPU's SetOneReg returns.
	SetOneRegErr map[int]error

	// GetOneRegErr maps a slot to the error its VCPU's GetOneReg returns.
	GetOneRegErr map[int]error

	// Asleep lists the slots whose Run blocks until Stop is called, like a
	// powered-off VCPU on KVM. The guest never stops them.
	Asleep map[int]bool

	// RunsUntilExit is how many times a VCPU runs before the guest stops it.
	// Zero is the same as 1.
	RunsUntilExit int

	// RunErr, if set, is returned by every VCPU's Run.
	RunErr error

	// SlotRunErr maps a slot to the error its VCPU's Run returns.
	// It takes precedence over RunErr.
	SlotRunErr map[int]error

	// OnRun, if set, is called by every VCPU's Run, on the VCPU's goroutine.
	OnRun func(slot int)

	mu      sync.Mutex
	Regions []kvm.UserspaceMemoryRegion
	VCPUs   []*VCPU
	Closed  bool
}

func (m *VM) CreateVCPU(slot int) (vmm.VCPUFD, error) {
	if err := m.CreateVCPUErr[slot]; err != nil {
		return nil, err
	}

	runErr := m.RunErr
	if err := m.SlotRunErr[slot]; err != nil {
		runErr = err
	}

	c := &VCPU{
		Slot:      slot,
		Regs:      make(map[uint64]uint64),
		initErr:   m.InitErr[slot],
		setErr:    m.SetOneRegErr[slot],
		getErr:    m.GetOneRegErr[slot],
		runErr:    runErr,
		runsUntil: max(m.RunsUntilExit, 1),
		asleep:    m.Asleep[slot],
		onRun:     m.OnRun,
		stop:      make(chan struct{}),
	}

	m.mu.Lock()
	m.VCPUs = append(m.VCPUs, c)
	m.mu.Unlock()

	return c, nil
}

func (m *VM) PreferredTarget() (kvm.VCPUInit, error) {
	if m.PreferredTargetErr != nil {
		return kvm.VCPUInit{}, m.PreferredTargetErr
	}

	return kvm.VCPUInit{Target: PreferredTarget}, nil
}

func (m *VM) SetUserMemoryRegion(region *kvm.UserspaceMemoryRegion) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Regions = append(m.Regions, *region)
	return nil
}

func (m *VM) Close() error {
	m.Closed = true
	return nil
}

// RegWrite is a register write seen by a VCPU.
type RegWrite struct {
	ID  uint64
	Val uint64
}

// VCPU is a fake vmm.VCPUFD. Like KVM, it refuses register access until it's
// initialized, and its MPIDR_EL1 has the slot in Aff0.
type VCPU struct {
	Slot int

	// Features is the feature set the VCPU was initialized with.
	Features *kvm.VCPUInit

	Writes []RegWrite
	Regs   map[uint64]uint64
	Runs   int
	Closed bool

	initErr   error
	setErr    error
	getErr    error
	runErr    error
	runsUntil int
	asleep    bool
	onRun     func(slot int)

	stopOnce sync.Once
	stop     chan struct{}
}

// MPIDR returns the MPIDR_EL1 value of the VCPU in slot.
func MPIDR(slot int) uint64 {
	return 1<<31 | uint64(slot)
}

func (c *VCPU) Init(init *kvm.VCPUInit) error {
	if c.initErr != nil {
		return c.initErr
	}

	vi := *init
	c.Features = &vi
	c.Regs[kvm.MPIDREL1] = MPIDR(c.Slot)
	return nil
}

func (c *VCPU) SetOneReg(id uint64, val uint64) error {
	if c.Features == nil {
		return unix.ENOEXEC
	}

	if c.setErr != nil {
		return c.setErr
	}

	c.Writes = append(c.Writes, RegWrite{ID: id, Val: val})
	c.Regs[id] = val
	return nil
}

func (c *VCPU) GetOneReg(id uint64) (uint64, error) {
	if c.Features == nil {
		return 0, unix.ENOEXEC
	}

	if c.getErr != nil {
		return 0, c.getErr
	}

	val, ok := c.Regs[id]
	if !ok {
		return 0, unix.ENOENT
	}

	return val, nil
}

func (c *VCPU) Run() (bool, error) {
	c.Runs++
	if c.onRun != nil {
		c.onRun(c.Slot)
	}

	if c.runErr != nil {
		return false, c.runErr
	}

	if c.asleep {
		<-c.stop
		return false, nil
	}

	return c.Runs >= c.runsUntil, nil
}

func (c *VCPU) Stop() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

// Stopped reports whether Stop has been called.
func (c *VCPU) Stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *VCPU) Close() error {
	c.Closed = true
	return nil
}
