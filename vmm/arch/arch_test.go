package arch_test

import (
	"errors"
	"os"
	"testing"

	"github.com/c35s/armhype/vmm/arch"
	"github.com/google/go-cmp/cmp"
)

func TestDefaultLayout(t *testing.T) {
	l := arch.DefaultLayout()
	if err := l.Validate(); err != nil {
		t.Fatal(err)
	}

	if max := l.DRAMMaxSize(); max != arch.DRAMMaxSize {
		t.Errorf("max size %#x != %#x", max, arch.DRAMMaxSize)
	}

	// each call returns a fresh value
	l.DRAMStart = 0
	if arch.DefaultLayout().DRAMStart != arch.DRAMStart {
		t.Error("default layout was modified through a previous result")
	}
}

func TestLayoutValidate(t *testing.T) {
	tests := map[string]func(l *arch.Layout){
		"empty ram":       func(l *arch.Layout) { l.DRAMEnd = l.DRAMStart },
		"unaligned start": func(l *arch.Layout) { l.DRAMStart++ },
		"empty irqs":      func(l *arch.Layout) { l.IRQBase = l.IRQMax + 1 },
		"io over ram":     func(l *arch.Layout) { l.MappedIOStart = l.DRAMStart + 1 },
	}

	for name, mod := range tests {
		l := arch.DefaultLayout()
		mod(l)

		if err := l.Validate(); err == nil {
			t.Errorf("%s: no error", name)
		}
	}
}

func TestMemoryRegions(t *testing.T) {
	l := arch.DefaultLayout()

	for _, size := range []uint64{1 << 20, 128 << 20, 4 << 30, arch.DRAMMaxSize} {
		rr, err := l.MemoryRegions(size)
		if err != nil {
			t.Fatalf("%#x: %v", size, err)
		}

		want := []arch.Region{{Addr: arch.DRAMStart, Size: size, Kind: arch.RegionRAM}}
		if diff := cmp.Diff(want, rr); diff != "" {
			t.Errorf("%#x: regions mismatch (-want +got):\n%s", size, diff)
		}
	}
}

func TestMemoryRegionsInvalidSize(t *testing.T) {
	l := arch.DefaultLayout()
	pgsz := uint64(os.Getpagesize())

	for _, size := range []uint64{0, arch.DRAMMaxSize + pgsz, pgsz + 1} {
		if _, err := l.MemoryRegions(size); !errors.Is(err, arch.ErrMemSize) {
			t.Errorf("%#x: %v is not ErrMemSize", size, err)
		}
	}
}

func TestRegion(t *testing.T) {
	r := arch.Region{Addr: 0x1000, Size: 0x1000}

	if r.End() != 0x2000 {
		t.Errorf("end %#x != 0x2000", r.End())
	}

	for addr, want := range map[uint64]bool{0xfff: false, 0x1000: true, 0x1fff: true, 0x2000: false} {
		if got := r.Contains(addr); got != want {
			t.Errorf("contains %#x: %v != %v", addr, got, want)
		}
	}

	if s := arch.RegionReserved.String(); s != "reserved" {
		t.Errorf("%q != reserved", s)
	}
}

// ram is a single span of guest RAM.
type ram struct {
	start, size uint64
}

func (r ram) End() uint64 {
	return r.start + r.size
}

func (r ram) Contains(addr uint64) bool {
	return addr >= r.start && addr < r.End()
}

func TestFDTAddr(t *testing.T) {
	l := arch.DefaultLayout()

	tests := []struct {
		name string
		size uint64
		want uint64
	}{
		{"1M", 1 << 20, arch.DRAMStart},
		{"2M", arch.FDTMaxSize, arch.DRAMStart},
		{"64M", 64 << 20, arch.DRAMStart + 64<<20 - arch.FDTMaxSize},
		{"4G", 4 << 30, arch.DRAMStart + 4<<30 - arch.FDTMaxSize},
	}

	for _, tt := range tests {
		mem := ram{start: arch.DRAMStart, size: tt.size}
		if got := l.FDTAddr(mem); got != tt.want {
			t.Errorf("%s: %#x != %#x", tt.name, got, tt.want)
		}
	}
}

func TestBootPState(t *testing.T) {
	if ps := arch.BootPState(); ps != 0x3c5 {
		t.Fatalf("boot pstate %#x != 0x3c5", ps)
	}

	if arch.BootPState() != arch.BootPState() {
		t.Fatal("boot pstate is not stable")
	}

	if ps := arch.BootPState(); ps&0xf != arch.PSRModeEL1h {
		t.Errorf("boot pstate %#x is not EL1h", ps)
	}
}
