// Package fixture builds small synthetic arm64 Mach-O images for tests.
package fixture

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/go-macho/types"
)

const (
	vmProtRead    = 1
	vmProtWrite   = 2
	vmProtExecute = 4

	sectPureInstructions = 0x80000400
	sectCStringLiterals  = 0x2
)

// Region is a half-open file offset range.
type Region struct {
	Start, End int
}

func (r Region) empty() bool { return r.End <= r.Start }

// Symbol is a defined symbol at a file offset.
type Symbol struct {
	Name   string
	Offset int
}

// Builder lays out an image body and wraps it in Mach-O load commands.
//
// The body is Size bytes long; __TEXT maps [0, Text.End) read/execute with a
// __text section over Text, __DATA maps Data read/write, and __LINKEDIT
// holds the symbol table and the optional code signature after the body.
type Builder struct {
	Base    uint64
	Text    Region
	CString Region
	Data    Region
	// DataVA, when set, maps __DATA at this address instead of Base+Data.Start.
	DataVA uint64

	// Entries adds an LC_FILESET_ENTRY per id, each pointing at the image itself.
	Entries []string

	body    []byte
	syms    []Symbol
	dylibs  []string
	sigSize int
	extra   []section
}

// New returns a builder for a body of size bytes whose code section spans
// [0x1000, size).
func New(size int) *Builder {
	return &Builder{
		body: make([]byte, size),
		Text: Region{Start: 0x1000, End: size},
	}
}

// Len returns the body size.
func (b *Builder) Len() int { return len(b.body) }

// Words stores instruction words at off.
func (b *Builder) Words(off int, words ...uint32) *Builder {
	for i, w := range words {
		binary.LittleEndian.PutUint32(b.body[off+4*i:], w)
	}
	return b
}

// Fill stores word over [off, off+n*4).
func (b *Builder) Fill(off, n int, word uint32) *Builder {
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint32(b.body[off+4*i:], word)
	}
	return b
}

// Asm assembles src at off with the native assembler. It panics on malformed
// source since fixtures are static.
func (b *Builder) Asm(off int, src string) *Builder {
	code, err := arm64.NativeAssembler{}.Assemble(src, b.Base+uint64(off))
	if err != nil {
		panic(fmt.Sprintf("fixture: assemble %q at %#x: %v", src, off, err))
	}
	copy(b.body[off:], code)
	return b
}

// Bytes copies raw bytes to off.
func (b *Builder) Bytes(off int, data []byte) *Builder {
	copy(b.body[off:], data)
	return b
}

// String stores s and its NUL terminator at off.
func (b *Builder) String(off int, s string) *Builder {
	copy(b.body[off:], s)
	b.body[off+len(s)] = 0
	return b
}

// U64 stores a little-endian quadword at off.
func (b *Builder) U64(off int, v uint64) *Builder {
	binary.LittleEndian.PutUint64(b.body[off:], v)
	return b
}

// Symbol records a defined symbol.
func (b *Builder) Symbol(name string, off int) *Builder {
	b.syms = append(b.syms, Symbol{Name: name, Offset: off})
	return b
}

// DataSection adds a named section over r to the __DATA segment. r must lie
// inside Data.
func (b *Builder) DataSection(name string, r Region) *Builder {
	b.extra = append(b.extra, section{name: name, seg: "__DATA", r: r})
	return b
}

// Dylib adds an LC_LOAD_DYLIB for path.
func (b *Builder) Dylib(path string) *Builder {
	b.dylibs = append(b.dylibs, path)
	return b
}

// CodeSignature appends a trailing LC_CODE_SIGNATURE covering size bytes.
func (b *Builder) CodeSignature(size int) *Builder {
	b.sigSize = size
	return b
}

// Raw returns a copy of the body without any Mach-O structure, as a bare
// firmware image would be laid out.
func (b *Builder) Raw() []byte {
	return bytes.Clone(b.body)
}

type section struct {
	name, seg string
	r         Region
	flags     uint32
}

type segment struct {
	name     string
	off, len int
	vmlen    int
	slide    uint64
	prot     uint32
	sects    []section
}

func align(v, a int) int { return (v + a - 1) &^ (a - 1) }

// MachO returns the body wrapped in a 64-bit Mach-O. The header and load
// commands overwrite the start of the body, so Text.Start must leave room
// for them.
func (b *Builder) MachO() []byte {
	var strtab bytes.Buffer
	strtab.WriteByte(0)
	nlist := new(bytes.Buffer)
	for _, s := range b.syms {
		binary.Write(nlist, binary.LittleEndian, uint32(strtab.Len()))
		nlist.WriteByte(0x0F) // N_SECT | N_EXT
		nlist.WriteByte(1)
		binary.Write(nlist, binary.LittleEndian, uint16(0))
		binary.Write(nlist, binary.LittleEndian, b.Base+uint64(s.Offset))
		strtab.WriteString(s.Name)
		strtab.WriteByte(0)
	}
	for strtab.Len()%8 != 0 {
		strtab.WriteByte(0)
	}

	size := len(b.body)
	symoff := size
	stroff := symoff + nlist.Len()
	sigoff := stroff + strtab.Len()
	linkedit := sigoff + b.sigSize - size

	textEnd := max(b.Text.End, b.CString.End)
	if !b.Data.empty() {
		textEnd = min(textEnd, b.Data.Start)
	}
	text := segment{name: "__TEXT", off: 0, len: textEnd, vmlen: textEnd, prot: vmProtRead | vmProtExecute}
	text.sects = append(text.sects, section{name: "__text", seg: "__TEXT", r: b.Text, flags: sectPureInstructions})
	if !b.CString.empty() {
		text.sects = append(text.sects, section{name: "__cstring", seg: "__TEXT", r: b.CString, flags: sectCStringLiterals})
	}
	segs := []segment{text}
	if !b.Data.empty() {
		data := segment{
			name: "__DATA", off: b.Data.Start, len: b.Data.Len(), vmlen: b.Data.Len(),
			prot:  vmProtRead | vmProtWrite,
			sects: append([]section{{name: "__data", seg: "__DATA", r: b.Data}}, b.extra...),
		}
		if b.DataVA != 0 {
			data.slide = b.DataVA - (b.Base + uint64(b.Data.Start))
		}
		segs = append(segs, data)
	}
	segs = append(segs, segment{name: "__LINKEDIT", off: size, len: linkedit, vmlen: align(linkedit, 0x4000), prot: vmProtRead})

	var cmds bytes.Buffer
	ncmds := 0
	for _, seg := range segs {
		ncmds++
		binary.Write(&cmds, binary.LittleEndian, uint32(types.LC_SEGMENT_64))
		binary.Write(&cmds, binary.LittleEndian, uint32(72+80*len(seg.sects)))
		cmds.Write(name16(seg.name))
		binary.Write(&cmds, binary.LittleEndian, []uint64{
			b.Base + uint64(seg.off) + seg.slide, uint64(seg.vmlen), uint64(seg.off), uint64(seg.len),
		})
		binary.Write(&cmds, binary.LittleEndian, []uint32{seg.prot, seg.prot, uint32(len(seg.sects)), 0})
		for _, s := range seg.sects {
			cmds.Write(name16(s.name))
			cmds.Write(name16(s.seg))
			binary.Write(&cmds, binary.LittleEndian, []uint64{b.Base + uint64(s.r.Start) + seg.slide, uint64(s.r.Len())})
			binary.Write(&cmds, binary.LittleEndian, []uint32{uint32(s.r.Start), 2, 0, 0, s.flags, 0, 0, 0})
		}
	}
	for _, id := range b.Entries {
		ncmds++
		cmdSize := align(32+len(id)+1, 8)
		binary.Write(&cmds, binary.LittleEndian, []uint32{uint32(types.LC_FILESET_ENTRY), uint32(cmdSize)})
		binary.Write(&cmds, binary.LittleEndian, []uint64{b.Base, 0})
		binary.Write(&cmds, binary.LittleEndian, []uint32{32, 0})
		cmds.Write(padded(id, cmdSize-32))
	}
	ncmds++
	binary.Write(&cmds, binary.LittleEndian, []uint32{
		uint32(types.LC_SYMTAB), 24, uint32(symoff), uint32(len(b.syms)), uint32(stroff), uint32(strtab.Len()),
	})
	for _, path := range b.dylibs {
		ncmds++
		cmdSize := align(24+len(path)+1, 8)
		binary.Write(&cmds, binary.LittleEndian, []uint32{uint32(types.LC_LOAD_DYLIB), uint32(cmdSize), 24, 2, 0x10000, 0x10000})
		cmds.Write(padded(path, cmdSize-24))
	}
	if b.sigSize > 0 {
		ncmds++
		binary.Write(&cmds, binary.LittleEndian, []uint32{uint32(types.LC_CODE_SIGNATURE), 16, uint32(sigoff), uint32(b.sigSize)})
	}

	if 32+cmds.Len() > b.Text.Start {
		panic(fmt.Sprintf("fixture: load commands (%#x bytes) overlap __text at %#x", 32+cmds.Len(), b.Text.Start))
	}

	out := make([]byte, size+linkedit)
	copy(out, b.body)
	binary.LittleEndian.PutUint32(out[0:], uint32(types.Magic64))
	binary.LittleEndian.PutUint32(out[4:], uint32(types.CPUArm64))
	binary.LittleEndian.PutUint32(out[8:], uint32(types.CPUSubtypeArm64E))
	filetype := types.MH_EXECUTE
	if len(b.Entries) > 0 {
		filetype = types.MH_FILESET
	}
	binary.LittleEndian.PutUint32(out[12:], uint32(filetype))
	binary.LittleEndian.PutUint32(out[16:], uint32(ncmds))
	binary.LittleEndian.PutUint32(out[20:], uint32(cmds.Len()))
	binary.LittleEndian.PutUint32(out[24:], 0)
	binary.LittleEndian.PutUint32(out[28:], 0)
	copy(out[32:], cmds.Bytes())
	copy(out[symoff:], nlist.Bytes())
	copy(out[stroff:], strtab.Bytes())
	if b.sigSize >= 12 {
		// empty embedded-signature superblob
		binary.BigEndian.PutUint32(out[sigoff:], 0xfade0cc0)
		binary.BigEndian.PutUint32(out[sigoff+4:], 12)
		binary.BigEndian.PutUint32(out[sigoff+8:], 0)
	}
	return out
}

func (r Region) Len() int { return r.End - r.Start }

func name16(s string) []byte {
	var b [16]byte
	copy(b[:], s)
	return b[:]
}

func padded(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	return b
}

// Fat wraps thin images in a 32-bit universal header with 0x4000 aligned
// slices.
func Fat(slices ...[]byte) []byte {
	const alignment = 0x4000
	hdr := 8 + 20*len(slices)
	off := align(hdr, alignment)
	var arches bytes.Buffer
	var body []byte
	// universal headers reject duplicate cpu/subtype pairs
	subtypes := []types.CPUSubtype{types.CPUSubtypeArm64E, types.CPUSubtypeArm64All, types.CPUSubtypeArm64V8}
	for i, s := range slices {
		binary.Write(&arches, binary.BigEndian, []uint32{
			uint32(types.CPUArm64), uint32(subtypes[i%len(subtypes)]), uint32(off), uint32(len(s)), 14,
		})
		pad := off - hdr - len(body)
		body = append(body, make([]byte, pad)...)
		body = append(body, s...)
		off = align(off+len(s), alignment)
	}
	out := make([]byte, 8, hdr+len(body))
	binary.BigEndian.PutUint32(out, uint32(types.MagicFat))
	binary.BigEndian.PutUint32(out[4:], uint32(len(slices)))
	out = append(out, arches.Bytes()...)
	return append(out, body...)
}

// StripSymbols returns a copy of a Builder image with its symbol table
// emptied: nsyms is zeroed and the nlist and string bytes are cleared.
func StripSymbols(data []byte) []byte {
	out := bytes.Clone(data)
	ncmds := binary.LittleEndian.Uint32(out[16:])
	cur := 32
	for i := uint32(0); i < ncmds; i++ {
		cmd := binary.LittleEndian.Uint32(out[cur:])
		size := int(binary.LittleEndian.Uint32(out[cur+4:]))
		if types.LoadCmd(cmd) == types.LC_SYMTAB {
			symoff := int(binary.LittleEndian.Uint32(out[cur+8:]))
			nsyms := int(binary.LittleEndian.Uint32(out[cur+12:]))
			stroff := int(binary.LittleEndian.Uint32(out[cur+16:]))
			strsize := int(binary.LittleEndian.Uint32(out[cur+20:]))
			clear(out[symoff : symoff+16*nsyms])
			clear(out[stroff : stroff+strsize])
			binary.LittleEndian.PutUint32(out[cur+12:], 0)
		}
		cur += size
	}
	return out
}
