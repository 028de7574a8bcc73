package img4

import (
	"bytes"
	"encoding/asn1"
	"errors"
	"testing"
)

func paypProperty(t *testing.T, fourcc string, value int) asn1.RawValue {
	t.Helper()
	kv, err := asn1.Marshal(struct {
		FourCC string `asn1:"ia5"`
		Value  int
	}{fourcc, value})
	if err != nil {
		t.Fatal(err)
	}
	tag := int(fourcc[0])<<24 | int(fourcc[1])<<16 | int(fourcc[2])<<8 | int(fourcc[3])
	entry, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassPrivate, Tag: tag, IsCompound: true, Bytes: kv})
	if err != nil {
		t.Fatal(err)
	}
	set := asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSet, IsCompound: true, Bytes: entry}
	payp, err := asn1.Marshal(struct {
		Name string `asn1:"ia5"`
		Set  asn1.RawValue
	}{"PAYP", set})
	if err != nil {
		t.Fatal(err)
	}
	return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: 0, IsCompound: true, Bytes: payp}
}

func wrapped(t *testing.T, data []byte, props asn1.RawValue) []byte {
	t.Helper()
	raw, err := asn1.Marshal(im4p{
		Name:        "IM4P",
		Type:        "krnl",
		Description: "KernelCacheBuilder_release-1234",
		Data:        data,
		Properties:  props,
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestParseProperties(t *testing.T) {
	body := bytes.Repeat([]byte{0x1f, 0x20, 0x03, 0xd5}, 16)
	p, err := Parse(wrapped(t, body, paypProperty(t, "mmap", 0x4000)))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if p.Fourcc != "krnl" || p.Compression != CompressionNone {
		t.Errorf("Parse() = fourcc %q compression %s", p.Fourcc, p.Compression)
	}
	if !bytes.Equal(p.Data, body) {
		t.Error("payload data mismatch")
	}
	if !p.HasTrailer() {
		t.Fatal("PAYP trailer not detected")
	}
	if v, ok := p.Properties["mmap"].(int64); !ok || v != 0x4000 {
		t.Errorf("Properties[mmap] = %v", p.Properties["mmap"])
	}
}

func TestMarshalTrailer(t *testing.T) {
	body := []byte("\xc0\x03\x5f\xd6payload")
	p, err := Parse(wrapped(t, body, paypProperty(t, "rddg", 1)))
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		keep bool
	}{
		{"keep", true},
		{"strip", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := p.Marshal(tt.keep)
			if err != nil {
				t.Fatalf("Marshal() error = %v", err)
			}
			q, err := Parse(out)
			if err != nil {
				t.Fatalf("Parse(Marshal()) error = %v", err)
			}
			if q.HasTrailer() != tt.keep {
				t.Errorf("HasTrailer() = %v, want %v", q.HasTrailer(), tt.keep)
			}
			if q.Fourcc != p.Fourcc || q.Description != p.Description || !bytes.Equal(q.Data, body) {
				t.Errorf("round trip changed payload: %+v", q)
			}
		})
	}
}

func TestLZSSRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 8, 13, 0x1001} {
		data := make([]byte, n)
		for i := range data {
			data[i] = byte(i * 7)
		}
		enc, err := encodeLZSS(data)
		if err != nil {
			t.Fatal(err)
		}
		if detectCompression(enc) != CompressionLZSS {
			t.Fatalf("encoded stream not detected as LZSS")
		}
		dec, tail, err := decodeLZSS(append(enc, "tail"...))
		if err != nil {
			t.Fatalf("decodeLZSS(%d bytes) error = %v", n, err)
		}
		if !bytes.Equal(dec, data) || string(tail) != "tail" {
			t.Errorf("LZSS round trip of %d bytes failed (tail %q)", n, tail)
		}
	}
}

func TestLZSSPayload(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefghijk"), 100)
	enc, err := encodeLZSS(data)
	if err != nil {
		t.Fatal(err)
	}
	p, err := Parse(wrapped(t, enc, asn1.RawValue{}))
	if err != nil {
		t.Fatal(err)
	}
	if p.Compression != CompressionLZSS || !bytes.Equal(p.Data, data) {
		t.Fatalf("Parse() compression = %s, data ok = %v", p.Compression, bytes.Equal(p.Data, data))
	}
	p.Data[0] = 'Z'
	out, err := p.Marshal(false)
	if err != nil {
		t.Fatal(err)
	}
	q, err := Parse(out)
	if err != nil {
		t.Fatal(err)
	}
	if q.Compression != CompressionLZSS || q.Data[0] != 'Z' || len(q.Data) != len(data) {
		t.Errorf("re-encoded LZSS payload mismatch")
	}
}

func TestParseErrors(t *testing.T) {
	if _, err := Parse([]byte("not asn1")); err == nil {
		t.Error("Parse(garbage) succeeded")
	}
	raw, err := asn1.Marshal(im4p{Name: "IM4P", Type: "ibss", Description: "x", Data: []byte{1}, KbagData: []byte{0x30, 0x00}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Parse(raw); !errors.Is(err, ErrEncrypted) {
		t.Errorf("Parse(encrypted) error = %v, want ErrEncrypted", err)
	}
	if _, err := Create("toolong", "", nil); err == nil {
		t.Error("Create with bad fourcc succeeded")
	}
}
