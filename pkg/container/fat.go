package container

import (
	"bytes"
	"fmt"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

// ErrNotFat is returned by Slices for buffers without a universal header.
var ErrNotFat = macho.ErrNotFat

// Slice is one architecture of a universal binary.
type Slice struct {
	CPU    types.CPU
	SubCPU types.CPUSubtype
	Offset uint64
	Size   uint64
}

// Slices returns the architecture slices of a universal binary.
func Slices(data []byte) ([]Slice, error) {
	ff, err := macho.NewFatFile(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer ff.Close()

	var slices []Slice
	for i, arch := range ff.Arches {
		s := Slice{
			CPU:    arch.CPU,
			SubCPU: arch.SubCPU,
			Offset: uint64(arch.Offset),
			Size:   uint64(arch.Size),
		}
		if s.Offset+s.Size > uint64(len(data)) {
			return nil, fmt.Errorf("fat arch %d (%#x+%#x) exceeds file size %#x", i, s.Offset, s.Size, len(data))
		}
		slices = append(slices, s)
	}
	return slices, nil
}

// Bytes returns the slice's window into data.
func (s Slice) Bytes(data []byte) []byte {
	return data[s.Offset : s.Offset+s.Size]
}
