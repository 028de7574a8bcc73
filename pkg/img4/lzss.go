package img4

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/adler32"

	"github.com/blacktop/lzss"
)

const (
	lzssMagic      = 0x636f6d70 // comp
	lzssSignature  = 0x6c7a7373 // lzss
	lzssHeaderSize = 0x180
)

// LzssHeader represents the complzss header
type LzssHeader struct {
	CompressionType  uint32 // 0x636f6d70 "comp"
	Signature        uint32 // 0x6c7a7373 "lzss"
	CheckSum         uint32 // adler32 of the uncompressed data
	UncompressedSize uint32
	CompressedSize   uint32
	Padding          [0x16c]byte
}

func decodeLZSS(data []byte) ([]byte, []byte, error) {
	var hdr LzssHeader
	if err := binary.Read(bytes.NewReader(data), binary.BigEndian, &hdr); err != nil {
		return nil, nil, err
	}
	end := lzssHeaderSize + int(hdr.CompressedSize)
	if end > len(data) {
		return nil, nil, fmt.Errorf("compressed_size: %d is greater than payload size: %d", hdr.CompressedSize, len(data)-lzssHeaderSize)
	}
	dec := lzss.Decompress(data[lzssHeaderSize:end])
	if len(dec) < int(hdr.UncompressedSize) {
		return nil, nil, fmt.Errorf("lzss stream decoded to %d bytes, header claims %d", len(dec), hdr.UncompressedSize)
	}
	dec = dec[:hdr.UncompressedSize]
	var tail []byte
	if end < len(data) {
		tail = bytes.Clone(data[end:])
	}
	return dec, tail, nil
}

// encodeLZSS emits a literal-only stream: every flag byte is 0xFF followed by
// eight literal bytes. Any LZSS decoder accepts it.
func encodeLZSS(data []byte) ([]byte, error) {
	var body bytes.Buffer
	body.Grow(len(data) + len(data)/8 + 1)
	for i := 0; i < len(data); i += 8 {
		body.WriteByte(0xff)
		body.Write(data[i:min(i+8, len(data))])
	}
	hdr := LzssHeader{
		CompressionType:  lzssMagic,
		Signature:        lzssSignature,
		CheckSum:         adler32.Checksum(data),
		UncompressedSize: uint32(len(data)),
		CompressedSize:   uint32(body.Len()),
	}
	var out bytes.Buffer
	if err := binary.Write(&out, binary.BigEndian, hdr); err != nil {
		return nil, err
	}
	out.Write(body.Bytes())
	return out.Bytes(), nil
}
