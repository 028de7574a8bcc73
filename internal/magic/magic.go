package magic

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
)

type Magic uint32

const (
	Magic32      Magic = 0xfeedface
	Magic64      Magic = 0xfeedfacf
	MagicFatBE   Magic = 0xcafebabe
	MagicFatLE   Magic = 0xbebafeca
	MagicFat64BE Magic = 0xcafebabf
	MagicFat64LE Magic = 0xbfbafeca
)

// Kind is the container type of a buffer.
type Kind int

const (
	Raw Kind = iota
	MachO
	MachO32
	Fat
	Fat64
	IM4P
	IMG4
)

func (k Kind) String() string {
	switch k {
	case MachO:
		return "Mach-O"
	case MachO32:
		return "Mach-O (32-bit)"
	case Fat:
		return "Universal Mach-O"
	case Fat64:
		return "Universal Mach-O (64-bit offsets)"
	case IM4P:
		return "IM4P"
	case IMG4:
		return "IMG4"
	default:
		return "raw"
	}
}

// Detect identifies the outermost container of data.
func Detect(data []byte) Kind {
	if len(data) < 4 {
		return Raw
	}
	switch Magic(binary.LittleEndian.Uint32(data)) {
	case Magic64:
		return MachO
	case Magic32:
		return MachO32
	case MagicFatLE:
		return Fat
	case MagicFat64LE:
		return Fat64
	}
	if data[0] == 0x30 {
		head := data[:min(len(data), 32)]
		switch {
		case bytes.Contains(head, []byte("IM4P")):
			return IM4P
		case bytes.Contains(head, []byte("IMG4")):
			return IMG4
		}
	}
	return Raw
}

// IsMachO reports whether the file at filePath starts with a Mach-O or
// universal magic.
func IsMachO(filePath string) (bool, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return false, fmt.Errorf("failed to open file %s: %w", filePath, err)
	}
	defer f.Close()

	var magic [4]byte
	if _, err = f.Read(magic[:]); err != nil {
		return false, fmt.Errorf("failed to read magic: %w", err)
	}

	switch Detect(magic[:]) {
	case MachO, MachO32, Fat, Fat64:
		return true, nil
	default:
		return false, fmt.Errorf("not a macho file")
	}
}
