//go:build linux

package vmm

import (
	"fmt"
	"unsafe"

	"github.com/c35s/armhype/kvm"
	"github.com/c35s/armhype/vmm/arch"
	"golang.org/x/sys/unix"
)

// Memory is guest RAM, indexed by guest physical address. It's backed by
// one anonymous host mapping per RAM region and is zero-filled when created.
type Memory struct {
	regions []arch.Region
	spans   []span
}

// span is a RAM region and the host memory behind it.
type span struct {
	arch.Region
	buf []byte
}

// NewMemory allocates size bytes of guest RAM laid out according to l.
func NewMemory(l *arch.Layout, size uint64) (*Memory, error) {
	rr, err := l.MemoryRegions(size)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSize, err)
	}

	m := &Memory{regions: rr}
	for _, r := range rr {
		if r.Kind != arch.RegionRAM {
			continue
		}

		buf, err := unix.Mmap(-1, 0, int(r.Size),
			unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)

		if err != nil {
			m.Close()
			return nil, fmt.Errorf("%w: %w", ErrAllocMemory, err)
		}

		m.spans = append(m.spans, span{Region: r, buf: buf})
	}

	return m, nil
}

// Regions returns the layout of guest memory, including any reserved regions.
func (m *Memory) Regions() []arch.Region {
	return append([]arch.Region(nil), m.regions...)
}

// Size returns the total amount of RAM in bytes.
func (m *Memory) Size() uint64 {
	var n uint64
	for _, s := range m.spans {
		n += s.Size
	}

	return n
}

// Start returns the lowest RAM address.
func (m *Memory) Start() uint64 {
	if len(m.spans) == 0 {
		return 0
	}

	return m.spans[0].Addr
}

// End returns the first address after the highest RAM region.
func (m *Memory) End() uint64 {
	var end uint64
	for _, s := range m.spans {
		end = max(end, s.End())
	}

	return end
}

// Contains reports whether addr is backed by RAM.
func (m *Memory) Contains(addr uint64) bool {
	_, ok := m.find(addr)
	return ok
}

// Slice returns the n bytes of RAM starting at addr. The range must not
// cross a region boundary.
func (m *Memory) Slice(addr uint64, n int) ([]byte, error) {
	s, ok := m.find(addr)
	if !ok {
		return nil, fmt.Errorf("%w: %#x", ErrGuestAddress, addr)
	}

	off := addr - s.Addr
	if n < 0 || uint64(n) > s.Size-off {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrGuestAddress, addr, addr+uint64(n))
	}

	return s.buf[off : off+uint64(n)], nil
}

// ReadAt copies RAM at guest physical address off into p.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	b, err := m.Slice(uint64(off), len(p))
	if err != nil {
		return 0, err
	}

	return copy(p, b), nil
}

// WriteAt copies p into RAM at guest physical address off.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	b, err := m.Slice(uint64(off), len(p))
	if err != nil {
		return 0, err
	}

	return copy(b, p), nil
}

// Close unmaps the host memory. It's safe to call more than once.
func (m *Memory) Close() error {
	for _, s := range m.spans {
		unix.Munmap(s.buf)
	}

	m.spans = nil
	return nil
}

func (m *Memory) find(addr uint64) (span, bool) {
	for _, s := range m.spans {
		if s.Contains(addr) {
			return s, true
		}
	}

	return span{}, false
}

// userspaceRegions describes the RAM as KVM memory slots.
func (m *Memory) userspaceRegions() []kvm.UserspaceMemoryRegion {
	mrs := make([]kvm.UserspaceMemoryRegion, len(m.spans))
	for i, s := range m.spans {
		mrs[i] = kvm.UserspaceMemoryRegion{
			Slot:          uint32(i),
			GuestPhysAddr: s.Addr,
			MemorySize:    s.Size,
			UserspaceAddr: uint64(uintptr(unsafe.Pointer(&s.buf[0]))),
		}
	}

	return mrs
}
