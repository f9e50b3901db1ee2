package linux_test

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/c35s/armhype/os/linux"
	"github.com/google/go-cmp/cmp"
)

func TestMarshalImageHeader(t *testing.T) {
	h := linux.ImageHeader{
		Code0:      0x14000010,
		TextOffset: 0x80000,
		ImageSize:  0x1000,
		Magic:      linux.ImageMagic,
	}

	data, err := h.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	if len(data) != linux.ImageHeaderSize {
		t.Fatalf("header byte size %d != %d", len(data), linux.ImageHeaderSize)
	}

	if magic := string(data[56:60]); magic != "ARM\x64" {
		t.Fatalf("magic bytes %q", magic)
	}

	var got linux.ImageHeader
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(h, got); diff != "" {
		t.Fatalf("headers differ: %s", diff)
	}
}

func TestUnmarshalImageHeaderShort(t *testing.T) {
	var h linux.ImageHeader
	if err := h.UnmarshalBinary(make([]byte, linux.ImageHeaderSize-1)); err != io.ErrUnexpectedEOF {
		t.Fatalf("error isn't io.ErrUnexpectedEOF: %v", err)
	}
}

func TestParseImage(t *testing.T) {
	img := buildImage(t, 0x10000, 0x2000, nil)

	h, err := linux.ParseImage(bytes.NewReader(img))
	if err != nil {
		t.Fatal(err)
	}

	if h.TextOffset != 0x10000 || h.ImageSize != 0x2000 {
		t.Errorf("unexpected header: %+v", h)
	}
}

func TestParseImageBadMagic(t *testing.T) {
	img := buildImage(t, 0, 0x1000, nil)
	img[56] = 'X'

	if _, err := linux.ParseImage(bytes.NewReader(img)); !errors.Is(err, linux.ErrImageMagic) {
		t.Fatalf("error isn't ErrImageMagic: %v", err)
	}
}

func TestParseImageShort(t *testing.T) {
	if _, err := linux.ParseImage(bytes.NewReader([]byte("ARM"))); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("error isn't io.ErrUnexpectedEOF: %v", err)
	}
}

func TestImageOffset(t *testing.T) {
	h := linux.ImageHeader{TextOffset: 0x1234}
	if off := h.Offset(); off != 0x80000 {
		t.Errorf("legacy offset %#x != 0x80000", off)
	}

	h.ImageSize = 0x1000
	if off := h.Offset(); off != 0x1234 {
		t.Errorf("offset %#x != 0x1234", off)
	}
}

// buildImage returns an Image with the given header fields followed by body.
// If body is nil, the Image is padded with a pattern to imageSize bytes.
func buildImage(t *testing.T, textOffset, imageSize uint64, body []byte) []byte {
	t.Helper()

	h := linux.ImageHeader{
		Code0:      0x14000010, // b #64
		TextOffset: textOffset,
		ImageSize:  imageSize,
		Magic:      linux.ImageMagic,
	}

	data, err := h.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	if body == nil {
		n := int(imageSize) - len(data)
		if n < 0 {
			n = 0
		}

		body = make([]byte, n)
		for i := range body {
			body[i] = byte(i)
		}
	}

	return append(data, body...)
}
