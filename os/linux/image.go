package linux

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ImageHeader is the 64-byte header at the start of an arm64 kernel Image.
// See Documentation/arch/arm64/booting.rst.
type ImageHeader struct {
	Code0      uint32 // executable code
	Code1      uint32 // executable code
	TextOffset uint64 // image load offset, little endian
	ImageSize  uint64 // effective image size, little endian
	Flags      uint64 // kernel flags, little endian
	Res2       uint64
	Res3       uint64
	Res4       uint64
	Magic      uint32 // "ARM\x64"
	Res5       uint32 // reserved (used for PE COFF offset)
}

const (
	// ImageMagic is the Image header magic, "ARM\x64".
	ImageMagic = 0x644d5241

	// ImageHeaderSize is the size of the Image header in bytes.
	ImageHeaderSize = 64

	// ImageAlign is the alignment of the base an Image is loaded
	// TextOffset bytes above.
	ImageAlign = 0x20_0000 // 2M

	// legacyTextOffset is the text offset of kernels older than 3.17,
	// which leave ImageSize zero and TextOffset unreliable.
	legacyTextOffset = 0x8_0000
)

var (
	ErrImageMagic    = errors.New("linux: parse Image: bad header magic")
	ErrImageTooLarge = errors.New("linux: Image doesn't fit in memory")
)

// Offset returns the image load offset. Images with a zero ImageSize
// predate the field and are loaded at the old fixed offset.
func (h *ImageHeader) Offset() uint64 {
	if h.ImageSize == 0 {
		return legacyTextOffset
	}

	return h.TextOffset
}

// MarshalBinary marshals the header into its on-disk layout.
func (h *ImageHeader) MarshalBinary() (data []byte, err error) {
	b := new(bytes.Buffer)
	if err := binary.Write(b, binary.LittleEndian, h); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// UnmarshalBinary unmarshals a packed Image header. It returns
// io.ErrUnexpectedEOF if the given data is too short.
func (h *ImageHeader) UnmarshalBinary(data []byte) error {
	if len(data) < ImageHeaderSize {
		return io.ErrUnexpectedEOF
	}

	return binary.Read(bytes.NewReader(data[:ImageHeaderSize]), binary.LittleEndian, h)
}

// ParseImage reads and checks the header at the start of an uncompressed Image.
func ParseImage(r io.ReaderAt) (*ImageHeader, error) {
	data := make([]byte, ImageHeaderSize)
	if _, err := r.ReadAt(data, 0); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		return nil, err
	}

	return parseImageHeader(data)
}

func parseImageHeader(data []byte) (*ImageHeader, error) {
	h := new(ImageHeader)
	if err := h.UnmarshalBinary(data); err != nil {
		return nil, err
	}

	if h.Magic != ImageMagic {
		return nil, fmt.Errorf("%w: %#x != %#x", ErrImageMagic, h.Magic, ImageMagic)
	}

	return h, nil
}
