//go:build linux

// Package vmm brings up an arm64 KVM virtual machine: it lays out guest
// memory, loads a kernel, initializes the VCPUs and starts them together.
package vmm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/c35s/armhype/vmm/arch"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/sync/errgroup"
)

// Config describes a new VM.
type Config struct {

	// BootVCPUs is the number of VCPUs created at boot. It must be at least 1.
	BootVCPUs int

	// MaxVCPUs is the most VCPUs the VM may ever have.
	// If MaxVCPUs is 0, it's the same as BootVCPUs.
	MaxVCPUs int

	// MemSize is the size of the VM's memory in bytes.
	// It must be a multiple of the host's page size.
	MemSize uint64

	// KernelPath is the path of the kernel image.
	KernelPath string

	// DiskPath is the path of a disk image. It isn't used yet.
	DiskPath string

	// Loader loads the kernel into memory.
	Loader Loader

	// Hypervisor, if set, is used instead of /dev/kvm. The VM doesn't
	// close it. Setting Hypervisor is probably only useful for testing.
	Hypervisor Hypervisor

	// Layout is the guest physical address map.
	// If Layout is nil, arch.DefaultLayout is used.
	Layout *arch.Layout
}

type Loader interface {

	// LoadKernel copies the kernel image into memory, as close to loadAddr
	// as the image format allows, and returns its entry point.
	LoadKernel(mem *Memory, image *io.SectionReader, loadAddr uint64) (entry uint64, err error)
}

type VM struct {
	cfg Config
	fd  VMFD
	mem *Memory

	mu     sync.Mutex
	cpu    []*vcpu
	g      *errgroup.Group
	stop   func()
	booted bool
	failed bool
}

var (
	ErrOpenKVM             = errors.New("vm: KVM is not available")
	ErrCompat              = errors.New("vm: incompatible KVM")
	ErrConfig              = errors.New("vm: invalid config")
	ErrInvalidSize         = errors.New("vm: invalid memory size")
	ErrGetVCPUMmapSize     = errors.New("vm: get VCPU mmap size failed")
	ErrCreate              = errors.New("vm: create failed")
	ErrAllocMemory         = errors.New("vm: memory allocation failed")
	ErrSetUserMemoryRegion = errors.New("vm: set user memory region failed")
	ErrGuestAddress        = errors.New("vm: guest address out of range")
	ErrLoadKernel          = errors.New("vm: kernel load failed")
	ErrCreateVCPU          = errors.New("vm: VCPU create failed")
	ErrMmapVCPU            = errors.New("vm: VCPU mmap failed")
	ErrRegisterAccess      = errors.New("vm: VCPU register access failed")
	ErrRunVCPU             = errors.New("vm: VCPU run failed")
	ErrBooted              = errors.New("vm: already booted")
	ErrBootFailed          = errors.New("vm: boot failed")
	ErrNotImplemented      = errors.New("vm: not implemented")
)

// New creates a new VM and its memory. The VM has no VCPUs until it boots.
func New(cfg Config) (_ *VM, err error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if _, err := cfg.Layout.MemoryRegions(cfg.MemSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSize, err)
	}

	hv := cfg.Hypervisor
	if hv == nil {
		k, err := OpenKVM()
		if err != nil {
			return nil, err
		}

		// the VM fd keeps KVM alive
		defer k.Close()
		hv = k
	}

	// not every host reports a limit; KVM enforces its own at CreateVCPU
	limit, err := hv.MaxVCPUs()
	if err != nil {
		slog.Debug("max vcpus unknown", "err", err)
	} else if limit > 0 && cfg.MaxVCPUs > limit {
		return nil, fmt.Errorf("%w: too many VCPUs: %d > %d", ErrConfig, cfg.MaxVCPUs, limit)
	}

	fd, err := hv.CreateVM()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreate, err)
	}

	m := &VM{cfg: cfg, fd: fd}
	defer func() {
		if err != nil {
			m.Close()
		}
	}()

	if m.mem, err = NewMemory(cfg.Layout, cfg.MemSize); err != nil {
		return nil, err
	}

	// install memory
	for _, mr := range m.mem.userspaceRegions() {
		if err := fd.SetUserMemoryRegion(&mr); err != nil {
			return nil, fmt.Errorf("%w: slot %d: %w", ErrSetUserMemoryRegion, mr.Slot, err)
		}
	}

	slog.Info("vm created", "mem", m.mem.Size(), "regions", len(m.mem.Regions()))
	return m, nil
}

// Boot loads the kernel, creates and initializes the boot VCPUs, and starts
// them. It returns once every VCPU is running. If Boot fails, no VCPU is left
// running, every later Boot returns ErrBootFailed, and the VM should be closed.
func (m *VM) Boot() (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.booted:
		return ErrBooted
	case m.failed:
		return ErrBootFailed
	}

	defer func() {
		if err != nil {
			m.failed = true
		}
	}()

	entry, err := m.loadKernel()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrLoadKernel, err)
	}

	slog.Info("kernel loaded", "path", m.cfg.KernelPath, "entry", entry)
	m.logEntryInst(entry)

	fdt := m.cfg.Layout.FDTAddr(m.mem)
	cpu, err := createVCPUs(m.fd, m.cfg.BootVCPUs, entry, fdt)
	if err != nil {
		return err
	}

	m.cpu = cpu
	m.booted = true

	m.g, m.stop = startVCPUs(m.cpu)
	slog.Info("vm started", "vcpus", len(m.cpu))

	return nil
}

// Wait blocks until every VCPU has stopped and returns the first error.
// It returns nil right away if the VM hasn't booted.
func (m *VM) Wait() error {
	m.mu.Lock()
	g := m.g
	m.mu.Unlock()

	if g == nil {
		return nil
	}

	return g.Wait()
}

// Run boots the VM and waits for it to stop. If ctx is done first, the
// VCPUs are stopped.
func (m *VM) Run(ctx context.Context) error {
	if err := m.Boot(); err != nil {
		return err
	}

	defer context.AfterFunc(ctx, m.stopVCPUs)()
	return m.Wait()
}

func (m *VM) stopVCPUs() {
	m.mu.Lock()
	stop := m.stop
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
}

// VCPUs describes the VM's VCPUs in slot order.
func (m *VM) VCPUs() []VCPUInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	info := make([]VCPUInfo, len(m.cpu))
	for i, c := range m.cpu {
		info[i] = c.info()
	}

	return info
}

// Memory returns the VM's memory.
func (m *VM) Memory() *Memory {
	return m.mem
}

// Close stops any running VCPUs, waits for them, and releases the VM's
// VCPUs, fd, and memory.
func (m *VM) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.g != nil {
		m.stop()
		m.g.Wait()
	}

	for _, c := range m.cpu {
		c.fd.Close()
	}

	m.cpu = nil
	m.fd.Close()

	if m.mem != nil {
		m.mem.Close()
	}

	return nil
}

func (m *VM) loadKernel() (uint64, error) {
	f, err := os.Open(m.cfg.KernelPath)
	if err != nil {
		return 0, err
	}

	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, err
	}

	image := io.NewSectionReader(f, 0, fi.Size())
	return m.cfg.Loader.LoadKernel(m.mem, image, m.cfg.Layout.DRAMStart)
}

// logEntryInst logs the first instruction the boot VCPU will execute.
func (m *VM) logEntryInst(entry uint64) {
	if !slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		return
	}

	var word [4]byte
	if _, err := m.mem.ReadAt(word[:], int64(entry)); err != nil {
		slog.Debug("entry point is not in memory", "entry", entry, "err", err)
		return
	}

	inst, err := arm64asm.Decode(word[:])
	if err != nil {
		slog.Debug("entry instruction", "word", binary.LittleEndian.Uint32(word[:]), "err", err)
		return
	}

	slog.Debug("entry instruction", "inst", inst.String())
}

func (cfg Config) validate() error {
	if cfg.BootVCPUs < 1 {
		return fmt.Errorf("need at least one VCPU: %d", cfg.BootVCPUs)
	}

	if cfg.BootVCPUs > cfg.MaxVCPUs {
		return fmt.Errorf("boot VCPUs exceed max VCPUs: %d > %d", cfg.BootVCPUs, cfg.MaxVCPUs)
	}

	if cfg.Loader == nil {
		return errors.New("loader is not set")
	}

	if cfg.KernelPath == "" {
		return errors.New("kernel path is not set")
	}

	return cfg.Layout.Validate()
}

func (cfg Config) withDefaults() Config {
	if cfg.MaxVCPUs == 0 {
		cfg.MaxVCPUs = cfg.BootVCPUs
	}

	if cfg.Layout == nil {
		cfg.Layout = arch.DefaultLayout()
	}

	return cfg
}
