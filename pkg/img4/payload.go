// Package img4 unwraps and re-wraps IM4P firmware payloads.
package img4

import (
	"bytes"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"

	"github.com/blacktop/lzfse-cgo"
)

// Compression is the payload compression of an IM4P.
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionLZFSE Compression = "LZFSE"
	CompressionLZSS  Compression = "LZSS"
)

// ErrEncrypted is returned for payloads carrying keybags.
var ErrEncrypted = errors.New("im4p payload is encrypted")

type im4p struct {
	Raw         asn1.RawContent
	Name        string `asn1:"ia5"` // IM4P
	Type        string `asn1:"ia5"`
	Description string `asn1:"ia5"`
	Data        []byte
	KbagData    []byte        `asn1:"optional"`
	ExtraData   asn1.RawValue `asn1:"optional"`                              // may contain size info
	Properties  asn1.RawValue `asn1:"optional,tag:0,class:context,explicit"` // PAYP properties
}

// some payloads order PAYP before the extra data
type im4pAlt struct {
	Raw         asn1.RawContent
	Name        string `asn1:"ia5"`
	Type        string `asn1:"ia5"`
	Description string `asn1:"ia5"`
	Data        []byte
	KbagData    []byte        `asn1:"optional"`
	Properties  asn1.RawValue `asn1:"optional,tag:0,class:context,explicit"`
	ExtraData   asn1.RawValue `asn1:"optional"`
}

// Payload is a decoded IM4P. Data holds the decompressed image.
type Payload struct {
	Fourcc      string
	Description string
	Compression Compression
	Data        []byte
	// Properties are the decoded PAYP entries (e.g. mmap, rddg).
	Properties map[string]any

	extra asn1.RawValue
	payp  asn1.RawValue
	// bytes following the LZSS stream
	tail []byte
}

// HasTrailer reports whether the payload carries a PAYP property set.
func (p *Payload) HasTrailer() bool { return len(p.payp.FullBytes) > 0 }

// Parse decodes an IM4P and decompresses its payload.
func Parse(data []byte) (*Payload, error) {
	var i im4p
	if _, err := asn1.Unmarshal(data, &i); err != nil {
		return nil, fmt.Errorf("failed to ASN.1 parse IM4P: %v", err)
	}
	if isContextZero(i.ExtraData) && len(i.Properties.FullBytes) == 0 {
		var alt im4pAlt
		if _, err := asn1.Unmarshal(data, &alt); err == nil {
			i.Properties = alt.Properties
			i.ExtraData = alt.ExtraData
		}
	}
	if i.Name != "IM4P" {
		return nil, fmt.Errorf("unexpected IM4P name %q", i.Name)
	}
	if len(i.KbagData) > 0 {
		return nil, ErrEncrypted
	}

	p := &Payload{
		Fourcc:      i.Type,
		Description: i.Description,
		extra:       i.ExtraData,
		payp:        i.Properties,
	}
	if len(i.Properties.Bytes) > 0 {
		p.Properties = parsePayloadProperties(i.Properties.Bytes)
	}

	var err error
	p.Data, p.Compression, p.tail, err = decompress(i.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress %s payload: %w", i.Type, err)
	}
	return p, nil
}

func isContextZero(v asn1.RawValue) bool {
	return v.Class == asn1.ClassContextSpecific && v.Tag == 0 && len(v.FullBytes) > 0
}

// Marshal re-encodes the payload with its original fourcc, description and
// compression. The PAYP trailer is only written when keepTrailer is set.
func (p *Payload) Marshal(keepTrailer bool) ([]byte, error) {
	if len(p.Fourcc) != 4 {
		return nil, fmt.Errorf("FourCC must be exactly 4 characters, got %d: %s", len(p.Fourcc), p.Fourcc)
	}
	body, err := compress(p.Data, p.Compression)
	if err != nil {
		return nil, err
	}
	if len(p.tail) > 0 {
		body = append(body, p.tail...)
	}
	out := im4p{
		Name:        "IM4P",
		Type:        p.Fourcc,
		Description: p.Description,
		Data:        body,
	}
	if !isContextZero(p.extra) {
		out.ExtraData = p.extra
	}
	if keepTrailer {
		out.Properties = p.payp
	}
	return asn1.Marshal(out)
}

// Create wraps data in a new uncompressed IM4P.
func Create(fourcc, description string, data []byte) ([]byte, error) {
	p := &Payload{Fourcc: fourcc, Description: description, Compression: CompressionNone, Data: data}
	return p.Marshal(false)
}

func detectCompression(data []byte) Compression {
	switch {
	case len(data) >= 8 && bytes.Equal(data[:8], []byte("complzss")):
		return CompressionLZSS
	case len(data) >= 4 && (bytes.Equal(data[:4], []byte("bvx2")) || bytes.Equal(data[:4], []byte("bvx-")) || bytes.Equal(data[:4], []byte("bvxn"))):
		return CompressionLZFSE
	default:
		return CompressionNone
	}
}

func decompress(data []byte) ([]byte, Compression, []byte, error) {
	switch c := detectCompression(data); c {
	case CompressionLZFSE:
		dec := lzfse.DecodeBuffer(data)
		if len(dec) == 0 {
			return nil, c, nil, errors.New("failed to LZFSE decompress data")
		}
		return dec, c, nil, nil
	case CompressionLZSS:
		dec, tail, err := decodeLZSS(data)
		return dec, c, tail, err
	default:
		return bytes.Clone(data), c, nil, nil
	}
}

func compress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case CompressionLZFSE:
		enc := lzfse.EncodeBuffer(data)
		if len(enc) == 0 {
			return nil, errors.New("failed to LZFSE compress data")
		}
		return enc, nil
	case CompressionLZSS:
		return encodeLZSS(data)
	case CompressionNone, "":
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", c)
	}
}

func parsePayloadProperties(data []byte) map[string]any {
	props := make(map[string]any)

	var payp struct {
		Raw  asn1.RawContent
		Name string        // PAYP
		Set  asn1.RawValue `asn1:"set"`
	}
	if _, err := asn1.Unmarshal(data, &payp); err != nil || payp.Name != "PAYP" {
		return props
	}

	rest := payp.Set.Bytes
	for len(rest) > 0 {
		var prop asn1.RawValue
		var err error
		rest, err = asn1.Unmarshal(rest, &prop)
		if err != nil {
			break
		}
		var kv struct {
			Raw    asn1.RawContent
			FourCC string
			Value  asn1.RawValue
		}
		if _, err := asn1.Unmarshal(prop.Bytes, &kv); err != nil {
			continue
		}
		switch kv.Value.Tag {
		case asn1.TagInteger:
			var v int64
			if _, err := asn1.Unmarshal(kv.Value.FullBytes, &v); err == nil {
				props[kv.FourCC] = v
			} else if len(kv.Value.Bytes) > 0 {
				n := new(big.Int).SetBytes(kv.Value.Bytes)
				if n.IsUint64() {
					props[kv.FourCC] = n.Uint64()
				} else {
					props[kv.FourCC] = n.String()
				}
			}
		case asn1.TagOctetString:
			props[kv.FourCC] = kv.Value.Bytes
		}
	}
	return props
}
