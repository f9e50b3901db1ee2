// Package arch describes the arm64 guest platform: its physical address map,
// how guest RAM is partitioned into regions, and the boot-time processor state.
package arch

import (
	"errors"
	"fmt"
	"os"
)

//	==== Address map in use in ARM development systems today ====
//
//	          - 32-bit -     - 36-bit -          - 40-bit -
//	1024GB +              +                    +-----------------+  <- 40-bit
//	       |                                   | DRAM            |
//	544GB  +              +                    +-----------------+
//	       |                                   | Hole or DRAM    |
//	512GB  +              +                    +-----------------+
//	       |                                   | Mapped I/O      |
//	256GB  +              +                    +-----------------+
//	       |                                   | Reserved        |
//	64GB   +              +--------------------+-----------------+  <- 36-bit
//	       |              |              DRAM                    |
//	34GB   +              +--------------------+-----------------+
//	       |              |          Hole or DRAM                |
//	32GB   +              +--------------------+-----------------+
//	       |              |          Mapped I/O                  |
//	16GB   +              +--------------------+-----------------+
//	       |              |          Reserved                    |
//	4GB    +--------------+--------------------+-----------------+  <- 32-bit
//	       |                 2GB of DRAM                         |
//	2GB    +--------------+--------------------+-----------------+
//	       |                 Mapped I/O                          |
//	1GB    +--------------+--------------------+-----------------+
//	       |                 ROM & RAM & I/O                     |
//	0GB    +--------------+--------------------+-----------------+  0
//
// See DEN0001C, Principles of ARM Memory Maps.
const (
	// DRAMStart is the guest physical address of the start of RAM.
	DRAMStart uint64 = 0x8000_0000 // 2G

	// DRAMEnd is the highest addressable RAM address.
	DRAMEnd uint64 = 0x00ff_8000_0000 // 1022G

	// DRAMMaxSize is the largest amount of RAM a guest can have.
	DRAMMaxSize = DRAMEnd - DRAMStart

	// CmdlineMaxSize is COMMAND_LINE_SIZE from arch/arm64/include/uapi/asm/setup.h.
	CmdlineMaxSize = 2048

	// FDTMaxSize is the largest device tree blob the kernel accepts,
	// per Documentation/arm64/booting.rst.
	FDTMaxSize uint64 = 0x20_0000 // 2M

	// The GIC supports more than 32 and fewer than 1023 interrupts, in
	// multiples of 32 (virt/kvm/arm/vgic/vgic-kvm-device.c). The guest
	// gets 128, numbered from IRQBase to IRQMax.
	IRQBase uint32 = 32
	IRQMax  uint32 = 159

	// MappedIOStart separates the interrupt controller (below) from
	// memory-mapped devices (above).
	MappedIOStart uint64 = 1 << 30 // 1G
)

// ErrMemSize means that a memory size can't be laid out in guest RAM.
var ErrMemSize = errors.New("arch: invalid memory size")

// Layout is the guest physical address map. A Layout is a plain value; use
// DefaultLayout to get the standard arm64 map.
type Layout struct {
	DRAMStart      uint64
	DRAMEnd        uint64
	CmdlineMaxSize uint64
	FDTMaxSize     uint64
	IRQBase        uint32
	IRQMax         uint32
	MappedIOStart  uint64
}

// DefaultLayout returns the arm64 guest address map.
func DefaultLayout() *Layout {
	return &Layout{
		DRAMStart:      DRAMStart,
		DRAMEnd:        DRAMEnd,
		CmdlineMaxSize: CmdlineMaxSize,
		FDTMaxSize:     FDTMaxSize,
		IRQBase:        IRQBase,
		IRQMax:         IRQMax,
		MappedIOStart:  MappedIOStart,
	}
}

// DRAMMaxSize is the largest amount of RAM the layout can hold.
func (l *Layout) DRAMMaxSize() uint64 {
	return l.DRAMEnd - l.DRAMStart
}

// Validate checks the layout's invariants.
func (l *Layout) Validate() error {
	if l.DRAMStart >= l.DRAMEnd {
		return fmt.Errorf("arch: RAM start %#x is not below RAM end %#x", l.DRAMStart, l.DRAMEnd)
	}

	if pgsz := uint64(os.Getpagesize()); l.DRAMStart%pgsz != 0 {
		return fmt.Errorf("arch: RAM start %#x is not page aligned", l.DRAMStart)
	}

	if l.IRQBase > l.IRQMax {
		return fmt.Errorf("arch: empty IRQ range [%d, %d]", l.IRQBase, l.IRQMax)
	}

	if l.MappedIOStart > l.DRAMStart {
		return fmt.Errorf("arch: mapped I/O start %#x overlaps RAM at %#x", l.MappedIOStart, l.DRAMStart)
	}

	return nil
}

// RegionKind says what a guest memory region is used for.
type RegionKind int

const (
	RegionRAM RegionKind = iota
	RegionReserved
)

func (k RegionKind) String() string {
	switch k {
	case RegionRAM:
		return "ram"
	case RegionReserved:
		return "reserved"
	}

	return fmt.Sprintf("RegionKind(%d)", int(k))
}

// Region is a span of guest physical memory.
type Region struct {
	Addr uint64
	Size uint64
	Kind RegionKind
}

// End returns the first address after the region.
func (r Region) End() uint64 {
	return r.Addr + r.Size
}

// Contains reports whether addr is inside the region.
func (r Region) Contains(addr uint64) bool {
	return addr >= r.Addr && addr < r.End()
}

// MemoryRegions partitions size bytes of guest memory into regions. The
// arm64 guest gets a single RAM region at DRAMStart. The size must be
// non-zero, a multiple of the host page size, and no larger than DRAMMaxSize.
func (l *Layout) MemoryRegions(size uint64) ([]Region, error) {
	if size == 0 {
		return nil, fmt.Errorf("%w: zero", ErrMemSize)
	}

	if max := l.DRAMMaxSize(); size > max {
		return nil, fmt.Errorf("%w: too large: %d > %d", ErrMemSize, size, max)
	}

	if pgsz := uint64(os.Getpagesize()); size%pgsz != 0 {
		return nil, fmt.Errorf("%w: %d is not a multiple of the host page size (%d)", ErrMemSize, size, pgsz)
	}

	rr := []Region{
		{
			Addr: l.DRAMStart,
			Size: size,
			Kind: RegionRAM,
		},
	}

	if err := checkRegions(rr); err != nil {
		return nil, err
	}

	return rr, nil
}

// checkRegions returns an error if any RAM regions overlap or if a region
// isn't page aligned.
func checkRegions(rr []Region) error {
	pgsz := uint64(os.Getpagesize())

	for i, a := range rr {
		if a.Addr%pgsz != 0 {
			return fmt.Errorf("arch: region %d at %#x is not page aligned", i, a.Addr)
		}

		if a.Kind != RegionRAM {
			continue
		}

		for _, b := range rr[i+1:] {
			if b.Kind == RegionRAM && a.Addr < b.End() && b.Addr < a.End() {
				return fmt.Errorf("arch: RAM regions [%#x, %#x) and [%#x, %#x) overlap",
					a.Addr, a.End(), b.Addr, b.End())
			}
		}
	}

	return nil
}

// GuestRAM is the view of allocated guest memory that FDTAddr needs.
type GuestRAM interface {

	// End returns the first address after the last RAM region.
	End() uint64

	// Contains reports whether addr is backed by RAM.
	Contains(addr uint64) bool
}

// FDTAddr returns the guest physical address of the device tree blob. The
// blob goes at the top of RAM, FDTMaxSize bytes below the end. If RAM is
// too small for that, it goes at the start of RAM instead.
func (l *Layout) FDTAddr(mem GuestRAM) uint64 {
	if end := mem.End(); end >= l.FDTMaxSize {
		if addr := end - l.FDTMaxSize; mem.Contains(addr) {
			return addr
		}
	}

	return l.DRAMStart
}
