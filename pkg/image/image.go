// Package image holds the working buffer a patch run mutates.
package image

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/blacktop/fwpatch/internal/magic"
	"github.com/blacktop/fwpatch/pkg/container"
	"github.com/blacktop/fwpatch/pkg/img4"
	"github.com/dustin/go-humanize"
)

// Format is the on-disk wrapping of an image.
type Format int

const (
	FormatRaw Format = iota
	FormatIM4P
)

func (f Format) String() string {
	if f == FormatIM4P {
		return "IM4P"
	}
	return "raw"
}

// ErrOutOfBounds is returned for writes that would change the buffer length.
var ErrOutOfBounds = errors.New("write outside image bounds")

// Image is an unwrapped binary. Data is the working buffer and always has the
// same length as Raw.
type Image struct {
	Path   string
	Raw    []byte
	Data   []byte
	BaseVA uint64
	Format Format
	// Payload is the IM4P the image was unwrapped from.
	Payload *img4.Payload
	// MachO is the parsed load command table, nil for raw firmware.
	MachO *container.File

	syms *container.Symbols
}

// New wraps an already unwrapped buffer. The buffer becomes the working copy.
func New(data []byte) *Image {
	i := &Image{
		Raw:  bytes.Clone(data),
		Data: data,
	}
	if magic.Detect(data) == magic.MachO {
		if m, err := container.Parse(data); err == nil {
			i.MachO = m
			i.BaseVA = m.Base
		} else {
			log.WithError(err).Debug("image has a Mach-O magic but its load commands do not parse")
		}
	}
	return i
}

// Parse unwraps buf when it is an IM4P and returns the image inside.
func Parse(buf []byte) (*Image, error) {
	switch k := magic.Detect(buf); k {
	case magic.IM4P:
		p, err := img4.Parse(buf)
		if err != nil {
			return nil, err
		}
		i := New(p.Data)
		i.Format = FormatIM4P
		i.Payload = p
		return i, nil
	case magic.IMG4:
		return nil, fmt.Errorf("%s containers must be split into IM4P/IM4M first", k)
	default:
		return New(bytes.Clone(buf)), nil
	}
}

// Load reads and unwraps the image at path.
func Load(path string) (*Image, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	i, err := Parse(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	i.Path = path
	ctx := log.WithFields(log.Fields{"format": i.Format, "size": humanize.Bytes(uint64(len(i.Data)))})
	if i.Payload != nil {
		ctx = ctx.WithFields(log.Fields{"fourcc": i.Payload.Fourcc, "compression": i.Payload.Compression})
	}
	ctx.Debugf("loaded %s", path)
	return i, nil
}

// Bytes serializes the working buffer, re-wrapping it in its original
// container. The PAYP trailer is written only when keepTrailer is set.
func (i *Image) Bytes(keepTrailer bool) ([]byte, error) {
	if len(i.Data) != len(i.Raw) {
		return nil, fmt.Errorf("image size changed from %#x to %#x", len(i.Raw), len(i.Data))
	}
	if i.Format == FormatIM4P && i.Payload != nil {
		i.Payload.Data = i.Data
		return i.Payload.Marshal(keepTrailer)
	}
	return i.Data, nil
}

// Save writes img to path in its original wrapping.
func Save(path string, img *Image, keepTrailer bool) error {
	out, err := img.Bytes(keepTrailer)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	log.WithFields(log.Fields{"format": img.Format, "size": humanize.Bytes(uint64(len(out)))}).Debugf("saved %s", path)
	return nil
}

// Size returns the buffer length.
func (i *Image) Size() int { return len(i.Data) }

// Word returns the little-endian instruction word at off, or 0 when off is
// out of range.
func (i *Image) Word(off int) uint32 {
	if off < 0 || off+4 > len(i.Data) {
		return 0
	}
	return uint32(i.Data[off]) | uint32(i.Data[off+1])<<8 | uint32(i.Data[off+2])<<16 | uint32(i.Data[off+3])<<24
}

// Write copies b to off without changing the buffer length.
func (i *Image) Write(off int, b []byte) error {
	if off < 0 || off+len(b) > len(i.Data) {
		return fmt.Errorf("%d bytes at %#x (size %#x): %w", len(b), off, len(i.Data), ErrOutOfBounds)
	}
	copy(i.Data[off:], b)
	return nil
}

// VA returns the address of file offset off. Mach-O offsets map through the
// segment holding them; offsets outside every segment and raw images are
// taken relative to BaseVA.
func (i *Image) VA(off int) uint64 {
	if i.MachO != nil {
		if va, err := i.MachO.OffsetToVA(off); err == nil {
			return va
		}
	}
	return i.BaseVA + uint64(off)
}

// Offset converts a virtual address to a file offset.
func (i *Image) Offset(va uint64) (int, error) {
	if i.MachO != nil {
		return i.MachO.VAToOffset(va)
	}
	if va < i.BaseVA || va-i.BaseVA >= uint64(len(i.Data)) {
		return 0, fmt.Errorf("%#x: %w", va, container.ErrNotMapped)
	}
	return int(va - i.BaseVA), nil
}

// CodeRanges returns the executable ranges, or the whole buffer for raw
// firmware.
func (i *Image) CodeRanges() []container.Range {
	if i.MachO != nil {
		if rs := i.MachO.CodeRanges(); len(rs) > 0 {
			return rs
		}
	}
	return []container.Range{{Start: 0, End: len(i.Data) &^ 3}}
}

// Symbols returns the merged symbol table, empty for raw images.
func (i *Image) Symbols() *container.Symbols {
	if i.syms == nil {
		if i.MachO != nil {
			i.syms = i.MachO.Symbols()
		} else {
			i.syms = container.NewSymbols()
		}
	}
	return i.syms
}

// Modified returns the ranges where Data differs from Raw.
func (i *Image) Modified() []container.Range {
	var out []container.Range
	start := -1
	for off := range i.Data {
		if i.Data[off] != i.Raw[off] {
			if start < 0 {
				start = off
			}
			continue
		}
		if start >= 0 {
			out = append(out, container.Range{Start: start, End: off})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, container.Range{Start: start, End: len(i.Data)})
	}
	return out
}

// Reload snapshots the working buffer as the new original, as a later pass
// over an already patched image would see it.
func (i *Image) Reload() {
	i.Raw = bytes.Clone(i.Data)
	if i.MachO != nil {
		if m, err := container.Parse(i.Data); err == nil {
			i.MachO = m
		}
	}
	i.syms = nil
}
