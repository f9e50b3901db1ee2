//go:build linux

package vmm

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/c35s/armhype/kvm"
	"github.com/c35s/armhype/vmm/arch"
	"golang.org/x/sync/errgroup"
)

// vcpu is an initialized VCPU.
type vcpu struct {
	slot  int
	fd    VCPUFD
	mpidr uint64
}

// VCPUInfo describes a VCPU after boot.
type VCPUInfo struct {
	Slot int

	// MPIDR is the VCPU's MPIDR_EL1, read back after initialization.
	MPIDR uint64
}

type regWrite struct {
	reg kvm.CoreReg
	val uint64
}

// vcpuSpawned is called on each VCPU's goroutine before it waits to start.
var vcpuSpawned = func(slot int) {}

// initVCPU puts a new VCPU into its boot state and returns its MPIDR_EL1.
// Only the boot VCPU (slot 0) gets an entry point and a device tree. The
// others start powered off until the guest wakes them with PSCI CPU_ON.
func initVCPU(vm VMFD, fd VCPUFD, slot int, entry, fdt uint64) (uint64, error) {
	init, err := vm.PreferredTarget()
	if err != nil {
		return 0, fmt.Errorf("preferred target: %w", err)
	}

	init.Enable(kvm.FeaturePSCI02)
	if slot > 0 {
		init.Enable(kvm.FeaturePowerOff)
	}

	if err := fd.Init(&init); err != nil {
		return 0, fmt.Errorf("init: %w", err)
	}

	regs := []regWrite{{kvm.PState, arch.BootPState()}}
	if slot == 0 {
		regs = append(regs, regWrite{kvm.PC, entry}, regWrite{kvm.X0, fdt})
	}

	for _, r := range regs {
		if err := fd.SetOneReg(kvm.CoreRegID(r.reg), r.val); err != nil {
			return 0, fmt.Errorf("set %v: %w", r.reg, err)
		}
	}

	mpidr, err := fd.GetOneReg(kvm.MPIDREL1)
	if err != nil {
		return 0, fmt.Errorf("get MPIDR_EL1: %w", err)
	}

	return mpidr, nil
}

// createVCPUs creates and initializes n VCPUs in slot order. If any of them
// fails, the ones already created are closed and no VCPUs are returned.
func createVCPUs(vm VMFD, n int, entry, fdt uint64) (cpu []*vcpu, err error) {
	defer func() {
		if err != nil {
			for _, c := range cpu {
				c.fd.Close()
			}

			cpu = nil
		}
	}()

	for slot := 0; slot < n; slot++ {
		fd, err := vm.CreateVCPU(slot)
		if err != nil {
			return cpu, fmt.Errorf("%w: slot %d: %w", ErrCreateVCPU, slot, err)
		}

		c := &vcpu{slot: slot, fd: fd}
		cpu = append(cpu, c)

		if c.mpidr, err = initVCPU(vm, fd, slot, entry, fdt); err != nil {
			return cpu, fmt.Errorf("%w: slot %d: %w", ErrRegisterAccess, slot, err)
		}

		slog.Debug("vcpu initialized", "slot", slot, "mpidr", c.mpidr)
	}

	return cpu, nil
}

// startVCPUs runs each VCPU on its own locked OS thread. No VCPU enters
// the guest until every VCPU goroutine exists. When one VCPU stops, for
// any reason, the others are stopped too. The returned func stops them all
// and may be called any number of times.
func startVCPUs(cpu []*vcpu) (*errgroup.Group, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	stop := sync.OnceFunc(func() {
		cancel()
		for _, c := range cpu {
			if err := c.fd.Stop(); err != nil {
				slog.Debug("vcpu stop", "slot", c.slot, "err", err)
			}
		}
	})

	var (
		g = new(errgroup.Group)
		b = newBarrier(len(cpu) + 1)
	)

	for _, c := range cpu {
		c := c // per-iteration copy (go1.22 loopvar semantics)
		g.Go(func() error {
			// KVM wants a VCPU to run on the same thread every time
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			defer stop()

			vcpuSpawned(c.slot)
			b.Wait()

			return c.run(ctx)
		})
	}

	b.Wait()
	return g, stop
}

// run runs the VCPU until the guest stops it, it fails, or ctx is done.
func (c *vcpu) run(ctx context.Context) error {
	slog.Debug("vcpu started", "slot", c.slot)

	for {
		exited, err := c.fd.Run()
		if err != nil {
			return fmt.Errorf("%w: slot %d: %w", ErrRunVCPU, c.slot, err)
		}

		if exited {
			slog.Debug("vcpu exited", "slot", c.slot)
			return nil
		}

		if ctx.Err() != nil {
			slog.Debug("vcpu stopped", "slot", c.slot)
			return nil
		}
	}
}

func (c *vcpu) info() VCPUInfo {
	return VCPUInfo{Slot: c.slot, MPIDR: c.mpidr}
}
