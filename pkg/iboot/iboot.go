// Package iboot reads the identification header of raw iBoot-family images
// (LLB, iBSS, iBEC, iBoot) and lists the LZFSE blobs they embed.
package iboot

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/blacktop/arm64-cgo/disassemble"
	"github.com/blacktop/lzfse-cgo"
)

const (
	copyrightOffset = 0x200
	releaseOffset   = 0x240
	versionOffset   = 0x280
	headerSize      = 0x300
	// baseScanLimit bounds the search for the base address literal.
	baseScanLimit = 0x400
)

var (
	lzfseStart = []byte{0x62, 0x76, 0x78, 0x32} // bvx2
	lzfseEnd   = []byte{0x62, 0x76, 0x78, 0x24} // bvx$
)

// Blob is an LZFSE compressed payload embedded in the image.
type Blob struct {
	Name   string
	Offset int
	Size   int
	// Decompressed is the payload size after decoding, 0 when it did not
	// decode.
	Decompressed int
}

// IBoot is the identification of a boot stage image.
type IBoot struct {
	Version     string
	Release     string
	Copyright   string
	BaseAddress uint64
	Blobs       []Blob
}

func (i *IBoot) String() string {
	return fmt.Sprintf("%s %s (%s)", i.Version, i.Release, i.Copyright)
}

// Is reports whether data looks like an iBoot image: its version string
// sits at the fixed header slot.
func Is(data []byte) bool {
	if len(data) < headerSize {
		return false
	}
	return bytes.HasPrefix(data[versionOffset:], []byte("iBoot-")) ||
		bytes.HasPrefix(data[copyrightOffset:], []byte("SecureROM")) ||
		bytes.Contains(data[copyrightOffset:releaseOffset], []byte("iBoot"))
}

// Parse reads the header strings, the base address and the embedded blobs.
func Parse(data []byte) (*IBoot, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("image too small for an iBoot header: %#x bytes", len(data))
	}
	ib := &IBoot{
		Copyright: cstring(data[copyrightOffset:releaseOffset]),
		Release:   cstring(data[releaseOffset:versionOffset]),
		Version:   cstring(data[versionOffset:headerSize]),
	}

	var err error
	ib.BaseAddress, err = getBaseAddress(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to get base address: %v", err)
	}

	off := 0
	for {
		start := bytes.Index(data[off:], lzfseStart)
		if start < 0 {
			break
		}
		start += off
		end := bytes.Index(data[start:], lzfseEnd)
		if end < 0 {
			break
		}
		end += start + len(lzfseEnd)

		blob := Blob{Offset: start, Size: end - start}
		decomp := lzfse.DecodeBuffer(data[start:end])
		blob.Decompressed = len(decomp)
		switch {
		case bytes.Contains(decomp, []byte("AppleSMCFirmware")):
			blob.Name = "AppleSMCFirmware.bin"
		case bytes.Contains(decomp, []byte("AppleStorageProcessorANS2")):
			blob.Name = "AppleStorageProcessorANS2.bin"
		default:
			blob.Name = fmt.Sprintf("iboot_blob%02d.bin", len(ib.Blobs))
		}
		ib.Blobs = append(ib.Blobs, blob)
		off = end
	}

	return ib, nil
}

// getBaseAddress follows the first pc-relative literal load of the reset
// vector, which loads the link address.
func getBaseAddress(r *bytes.Reader) (uint64, error) {
	var startAddr uint64
	var instrValue uint32
	var results [1024]byte

	for startAddr < baseScanLimit {
		if err := binary.Read(r, binary.LittleEndian, &instrValue); err != nil {
			if err == io.EOF {
				break
			}
			return 0, fmt.Errorf("failed to read instruction @ %#x: %v", startAddr, err)
		}

		instruction, err := disassemble.Decompose(startAddr, instrValue, &results)
		if err == nil && instruction.Operation == disassemble.ARM64_LDR && instruction.Operands[1].Class == disassemble.LABEL {
			if _, err := r.Seek(int64(instruction.Operands[1].Immediate), io.SeekStart); err != nil {
				return 0, fmt.Errorf("failed to seek to base address: %v", err)
			}
			var baseAddr uint64
			if err := binary.Read(r, binary.LittleEndian, &baseAddr); err != nil {
				return 0, fmt.Errorf("failed to read base address: %v", err)
			}
			return baseAddr, nil
		}

		startAddr += uint64(binary.Size(uint32(0)))
	}

	return 0, fmt.Errorf("failed to find base address")
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}
