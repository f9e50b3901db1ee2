//go:build linux

package vmm

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/c35s/armhype/kvm"
	"github.com/c35s/armhype/vmm/arch"
	"golang.org/x/sys/unix"
)

// Hypervisor creates VMs. KVM is the only real implementation.
type Hypervisor interface {

	// CreateVM creates an empty VM.
	CreateVM() (VMFD, error)

	// MaxVCPUs returns the largest number of VCPUs a VM can have,
	// or 0 if the hypervisor doesn't say.
	MaxVCPUs() (int, error)

	Close() error
}

// VMFD is a handle to a VM created by a Hypervisor.
type VMFD interface {

	// CreateVCPU creates the VCPU with the given index.
	CreateVCPU(slot int) (VCPUFD, error)

	// PreferredTarget returns the CPU target and feature set the
	// hypervisor recommends for new VCPUs.
	PreferredTarget() (kvm.VCPUInit, error)

	// SetUserMemoryRegion installs a span of guest memory.
	SetUserMemoryRegion(region *kvm.UserspaceMemoryRegion) error

	Close() error
}

// VCPUFD is a handle to a VCPU created by a VMFD.
type VCPUFD interface {

	// Init initializes the VCPU. It must be called before any
	// register is read or written.
	Init(init *kvm.VCPUInit) error

	SetOneReg(id uint64, val uint64) error
	GetOneReg(id uint64) (uint64, error)

	// Run executes guest code until the next exit and handles it.
	// It returns true when the guest has stopped for good.
	Run() (exited bool, err error)

	// Stop makes a Run in progress on another goroutine return soon,
	// and every later Run return right away. It may be called at any
	// time before Close.
	Stop() error

	Close() error
}

// defaultIPABits is the guest physical address size KVM uses for VMs
// created with type 0.
const defaultIPABits = 40

// KVM is a Hypervisor backed by /dev/kvm.
type KVM struct {
	sys      *os.File
	mmapSize int
	ipaBits  int
}

// OpenKVM opens /dev/kvm and checks that it can run arm64 guests.
func OpenKVM() (*KVM, error) {
	sys, err := kvm.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenKVM, err)
	}

	h := &KVM{sys: sys}
	if err := h.probe(); err != nil {
		sys.Close()
		return nil, err
	}

	return h, nil
}

func (h *KVM) probe() error {
	if err := arch.ValidateKVM(h.sys); err != nil {
		return fmt.Errorf("%w: %w", ErrCompat, err)
	}

	mmsz, err := kvm.GetVCPUMmapSize(h.sys)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrGetVCPUMmapSize, err)
	}

	h.mmapSize = mmsz

	// 0 means the host can't change the IPA size
	ipa, err := kvm.CheckExtension(h.sys, kvm.CapARMVMIPASize)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCompat, err)
	}

	if ipa > 0 {
		h.ipaBits = min(ipa, defaultIPABits)
	}

	return nil
}

func (h *KVM) CreateVM() (VMFD, error) {
	fd, err := kvm.CreateVM(h.sys, h.ipaBits)
	if err != nil {
		return nil, err
	}

	return &kvmVM{fd: fd, mmapSize: h.mmapSize}, nil
}

func (h *KVM) MaxVCPUs() (int, error) {
	n, err := kvm.CheckExtension(h.sys, kvm.CapMaxVCPUs)
	if err != nil {
		return 0, err
	}

	// KVM_CAP_MAX_VCPUS isn't always there; NR_VCPUS is the recommended limit
	if n == 0 {
		return kvm.CheckExtension(h.sys, kvm.CapNRVCPUs)
	}

	return n, nil
}

func (h *KVM) Close() error {
	return h.sys.Close()
}

type kvmVM struct {
	fd       *kvm.VM
	mmapSize int
}

func (m *kvmVM) CreateVCPU(slot int) (VCPUFD, error) {
	fd, err := kvm.CreateVCPU(m.fd, slot)
	if err != nil {
		return nil, err
	}

	mm, err := unix.Mmap(int(fd.Fd()), 0, m.mmapSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)

	if err != nil {
		fd.Close()
		return nil, fmt.Errorf("%w: %w", ErrMmapVCPU, err)
	}

	return &kvmVCPU{slot: slot, fd: fd, mm: mm}, nil
}

func (m *kvmVM) PreferredTarget() (kvm.VCPUInit, error) {
	return kvm.ArmPreferredTarget(m.fd)
}

func (m *kvmVM) SetUserMemoryRegion(region *kvm.UserspaceMemoryRegion) error {
	return kvm.SetUserMemoryRegion(m.fd, region)
}

func (m *kvmVM) Close() error {
	return m.fd.Close()
}

// kvmVCPU collects a VCPU fd and its mmaped state.
type kvmVCPU struct {
	slot int
	fd   *kvm.VCPU
	mm   []byte

	// tid is the thread that last called Run
	tid atomic.Int32
}

func (c *kvmVCPU) Init(init *kvm.VCPUInit) error {
	return kvm.ArmVCPUInit(c.fd, init)
}

func (c *kvmVCPU) SetOneReg(id uint64, val uint64) error {
	return kvm.SetOneReg(c.fd, id, val)
}

func (c *kvmVCPU) GetOneReg(id uint64) (uint64, error) {
	return kvm.GetOneReg(c.fd, id)
}

func (c *kvmVCPU) Run() (bool, error) {
	c.tid.Store(int32(unix.Gettid()))

	if err := kvm.Run(c.fd); err != nil {
		if errors.Is(err, unix.EINTR) {
			return false, nil
		}

		return false, err
	}

	var (
		state  = c.State()
		reason = state.ExitReason
	)

	switch reason {
	case kvm.ExitMMIO:
		// there are no devices: reads see zeros, writes are dropped
		xd := state.MMIOExitData()
		if !xd.IsWrite {
			clear(xd.Data[:])
		}

		slog.Debug("unhandled mmio", "slot", c.slot, "addr", xd.PhysAddr, "len", xd.Len, "write", xd.IsWrite)
		return false, nil

	case kvm.ExitSystemEvent:
		xd := state.SystemEventExitData()
		switch xd.Type {
		case kvm.SystemEventShutdown, kvm.SystemEventReset:
			slog.Debug("system event", "slot", c.slot, "type", xd.Type)
			return true, nil
		}

		return false, fmt.Errorf("system event %d", xd.Type)

	case kvm.ExitShutdown:
		return true, nil
	}

	return false, fmt.Errorf("unhandled exit: %v", reason)
}

// Stop sets immediate_exit so KVM_RUN returns EINTR without entering the
// guest, then signals the VCPU's thread to kick it out of the guest or out
// of a powered-off sleep. SIGURG is the runtime's preemption signal, so a
// thread that isn't in KVM_RUN just ignores it.
func (c *kvmVCPU) Stop() error {
	c.State().ImmediateExit = 1

	tid := c.tid.Load()
	if tid == 0 {
		return nil
	}

	return unix.Tgkill(unix.Getpid(), int(tid), unix.SIGURG)
}

func (c *kvmVCPU) State() *kvm.VCPUState {
	return (*kvm.VCPUState)(unsafe.Pointer(&c.mm[0]))
}

func (c *kvmVCPU) Close() error {
	c.fd.Close()
	unix.Munmap(c.mm)
	return nil
}
