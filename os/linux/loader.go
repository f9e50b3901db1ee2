//go:build linux

package linux

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/c35s/armhype/vmm"
)

// Loader loads an arm64 Linux kernel Image, optionally gzipped, into guest memory.
type Loader struct{}

var gzipMagic = []byte{0x1f, 0x8b}

// LoadKernel copies the Image to TextOffset bytes above the first 2M
// aligned address at or above loadAddr and returns its entry point.
func (l *Loader) LoadKernel(mem *vmm.Memory, image *io.SectionReader, loadAddr uint64) (uint64, error) {
	r, size, err := open(image)
	if err != nil {
		return 0, err
	}

	data := make([]byte, ImageHeaderSize)
	if _, err := io.ReadFull(r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		return 0, fmt.Errorf("read Image header: %w", err)
	}

	h, err := parseImageHeader(data)
	if err != nil {
		return 0, err
	}

	base := alignUp(loadAddr, ImageAlign)
	if !mem.Contains(base) {
		return 0, fmt.Errorf("%w: base %#x is outside memory", ErrImageTooLarge, base)
	}

	var (
		entry = base + h.Offset()
		end   = mem.End()
	)

	if entry >= end || h.ImageSize > end-entry {
		return 0, fmt.Errorf("%w: %d bytes at %#x", ErrImageTooLarge, h.ImageSize, entry)
	}

	room := int64(end - entry)
	if size > room {
		return 0, fmt.Errorf("%w: %d bytes at %#x", ErrImageTooLarge, size, entry)
	}

	src := io.MultiReader(bytes.NewReader(data), r)
	n, err := io.CopyN(io.NewOffsetWriter(mem, int64(entry)), src, room)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("copy Image: %w", err)
	}

	// a compressed Image's size is only known once it has been read
	if n == room {
		if k, _ := io.ReadFull(src, make([]byte, 1)); k > 0 {
			return 0, fmt.Errorf("%w: more than %d bytes at %#x", ErrImageTooLarge, room, entry)
		}
	}

	slog.Debug("loaded Image", "base", base, "text_offset", h.Offset(), "size", n, "flags", h.Flags)
	return entry, nil
}

// open returns a reader of the uncompressed Image and its size, or -1 if
// the Image is gzipped.
func open(image *io.SectionReader) (io.Reader, int64, error) {
	magic := make([]byte, len(gzipMagic))
	if _, err := image.ReadAt(magic, 0); err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, err
	}

	raw := io.NewSectionReader(image, 0, image.Size())
	if !bytes.Equal(magic, gzipMagic) {
		return raw, raw.Size(), nil
	}

	zr, err := gzip.NewReader(raw)
	if err != nil {
		return nil, 0, fmt.Errorf("gunzip Image: %w", err)
	}

	return zr, -1, nil
}

func alignUp(addr, align uint64) uint64 {
	return (addr + align - 1) &^ (align - 1)
}
