// Package container describes in-memory Mach-O images and universal
// binaries. Parsing is done by go-macho over a reader on the raw buffer; the
// offsets it reports index that same buffer, so patches land in place.
package container

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
)

const (
	vmProtExecute  = 0x4
	sectInstrAttrs = 0x80000400 // S_ATTR_PURE_INSTRUCTIONS | S_ATTR_SOME_INSTRUCTIONS
)

var (
	// ErrNotMapped is returned when an address falls outside every segment.
	ErrNotMapped = errors.New("address not mapped")
	// ErrNotMachO is returned for buffers without a 64-bit Mach-O header.
	ErrNotMachO = errors.New("not a 64-bit Mach-O")
)

// LoadCommand locates a load command inside the buffer.
type LoadCommand struct {
	Cmd    types.LoadCmd
	Offset int
	Size   uint32
}

// Section is a section_64.
type Section struct {
	Seg    string
	Name   string
	Addr   uint64
	Size   uint64
	Offset uint32
	Flags  uint32
}

// Segment is a segment_command_64 and its sections.
type Segment struct {
	Name     string
	Addr     uint64
	Size     uint64
	Offset   uint64
	FileSize uint64
	InitProt uint32
	Sections []Section
}

// Executable reports whether the segment maps with execute permission.
func (s Segment) Executable() bool { return s.InitProt&vmProtExecute != 0 }

// Range is a half-open file offset range.
type Range struct {
	Start, End int
}

func (r Range) Contains(off int) bool { return off >= r.Start && off < r.End }
func (r Range) Len() int              { return r.End - r.Start }

// Entry is an LC_FILESET_ENTRY sub-image.
type Entry struct {
	ID       string
	Addr     uint64
	Offset   uint64
	Segments []Segment

	m *macho.File
}

// File is a parsed 64-bit Mach-O image.
type File struct {
	types.FileHeader
	// Base is the load address of file offset zero.
	Base     uint64
	Loads    []LoadCommand
	Segments []Segment
	Entries  []Entry

	m    *macho.File
	data []byte
}

func segments(m *macho.File) []Segment {
	var segs []Segment
	for _, s := range m.Segments() {
		seg := Segment{
			Name:     s.Name,
			Addr:     s.Addr,
			Size:     s.Memsz,
			Offset:   s.Offset,
			FileSize: s.Filesz,
			InitProt: uint32(s.Prot),
		}
		for i := uint32(0); i < s.Nsect; i++ {
			idx := int(s.Firstsect + i)
			if idx >= len(m.Sections) {
				break
			}
			sec := m.Sections[idx]
			seg.Sections = append(seg.Sections, Section{
				Seg:    sec.Seg,
				Name:   sec.Name,
				Addr:   sec.Addr,
				Size:   sec.Size,
				Offset: sec.Offset,
				Flags:  uint32(sec.Flags),
			})
		}
		segs = append(segs, seg)
	}
	return segs
}

// loadCommands pairs the commands go-macho parsed with their position in
// the buffer, which the in-place writers need.
func loadCommands(m *macho.File, data []byte) ([]LoadCommand, error) {
	cur := types.FileHeaderSize64
	end := min(cur+int(m.SizeCommands), len(data))
	loads := make([]LoadCommand, 0, len(m.Loads))
	for i, l := range m.Loads {
		if cur+8 > end {
			return nil, fmt.Errorf("load command %d at %#x runs past sizeofcmds", i, cur)
		}
		lc := LoadCommand{Offset: cur, Size: binary.LittleEndian.Uint32(data[cur+4:])}
		if l != nil {
			lc.Cmd = l.Command()
		} else {
			lc.Cmd = types.LoadCmd(binary.LittleEndian.Uint32(data[cur:]))
		}
		loads = append(loads, lc)
		cur += int(lc.Size)
	}
	return loads, nil
}

// parsed limits go-macho to the commands the engine reads, so code
// signatures and unknown commands in firmware never fail a parse.
var parsed = []types.LoadCmd{
	types.LC_SEGMENT_64,
	types.LC_SYMTAB,
	types.LC_FILESET_ENTRY,
}

func open(src *io.SectionReader, off int64) (*macho.File, error) {
	return macho.NewFile(io.NewSectionReader(src, off, src.Size()-off), macho.FileConfig{
		Offset:     off,
		LoadFilter: parsed,
		SrcReader:  src,
	})
}

// Parse parses the 64-bit Mach-O in data with go-macho.
func Parse(data []byte) (*File, error) {
	if len(data) < types.FileHeaderSize64 || types.Magic(binary.LittleEndian.Uint32(data)) != types.Magic64 {
		return nil, ErrNotMachO
	}
	src := io.NewSectionReader(bytes.NewReader(data), 0, int64(len(data)))
	m, err := open(src, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to parse MachO: %w", err)
	}
	loads, err := loadCommands(m, data)
	if err != nil {
		return nil, err
	}
	f := &File{
		FileHeader: m.FileHeader,
		Loads:      loads,
		Segments:   segments(m),
		m:          m,
		data:       data,
	}
	if text := m.Segment("__TEXT"); text != nil {
		f.Base = text.Addr - text.Offset
	} else {
		for _, seg := range f.Segments {
			if seg.FileSize > 0 && seg.Addr >= seg.Offset {
				f.Base = seg.Addr - seg.Offset
				break
			}
		}
	}
	for _, fe := range m.FileSets() {
		e := Entry{ID: fe.EntryID, Addr: fe.Addr, Offset: fe.Offset}
		if fe.Offset < uint64(len(data)) {
			// GetFileSetFileByName matches on substrings; open by offset instead.
			if em, err := open(src, int64(fe.Offset)); err == nil {
				e.m = em
				e.Segments = segments(em)
			}
		}
		f.Entries = append(f.Entries, e)
	}
	return f, nil
}

// MachO returns the go-macho view of the image.
func (f *File) MachO() *macho.File { return f.m }

// Data returns the buffer the file was parsed from.
func (f *File) Data() []byte { return f.data }

// VAToOffset converts a virtual address to a file offset.
func (f *File) VAToOffset(va uint64) (int, error) {
	off, err := f.m.GetOffset(va)
	if err != nil {
		return 0, fmt.Errorf("%#x: %w", va, ErrNotMapped)
	}
	for _, seg := range f.Segments {
		if va >= seg.Addr && va < seg.Addr+seg.Size && va-seg.Addr >= seg.FileSize {
			return 0, fmt.Errorf("%#x is zero-fill in %s: %w", va, seg.Name, ErrNotMapped)
		}
	}
	return int(off), nil
}

// OffsetToVA converts a file offset to a virtual address.
func (f *File) OffsetToVA(off int) (uint64, error) {
	if off < 0 {
		return 0, fmt.Errorf("offset %#x: %w", off, ErrNotMapped)
	}
	va, err := f.m.GetVMAddress(uint64(off))
	if err != nil {
		return 0, fmt.Errorf("offset %#x: %w", off, ErrNotMapped)
	}
	return va, nil
}

// Segment returns the named top-level segment.
func (f *File) Segment(name string) (Segment, bool) {
	for _, seg := range f.Segments {
		if seg.Name == name {
			return seg, true
		}
	}
	return Segment{}, false
}

// Section returns the section segname,sectname.
func (f *File) Section(seg, sect string) (Section, bool) {
	for _, s := range f.Segments {
		for _, sec := range s.Sections {
			if sec.Seg == seg && sec.Name == sect {
				return sec, true
			}
		}
	}
	return Section{}, false
}

// SectionAt returns the section holding file offset off.
func (f *File) SectionAt(off int) (Section, bool) {
	for _, s := range f.Segments {
		for _, sec := range s.Sections {
			if sec.Offset > 0 && off >= int(sec.Offset) && off < int(sec.Offset)+int(sec.Size) {
				return sec, true
			}
		}
	}
	return Section{}, false
}

// Entry returns the fileset sub-image with the given bundle id.
func (f *File) Entry(id string) (Entry, bool) {
	for _, e := range f.Entries {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

func codeRanges(segs []Segment, limit int) []Range {
	var out []Range
	for _, seg := range segs {
		if !seg.Executable() || seg.FileSize == 0 {
			continue
		}
		found := false
		for _, sec := range seg.Sections {
			if sec.Flags&sectInstrAttrs == 0 || sec.Offset == 0 || sec.Size == 0 {
				continue
			}
			out = append(out, Range{Start: int(sec.Offset), End: int(sec.Offset) + int(sec.Size)})
			found = true
		}
		if !found {
			out = append(out, Range{Start: int(seg.Offset), End: int(seg.Offset + seg.FileSize)})
		}
	}
	return Normalize(out, limit)
}

// CodeRanges returns the executable file ranges, sorted and merged.
func (f *File) CodeRanges() []Range { return codeRanges(f.Segments, len(f.data)) }

// TextRange returns the span covering every executable range of the entry.
func (e Entry) TextRange(limit int) (Range, bool) {
	rs := codeRanges(e.Segments, limit)
	if len(rs) == 0 {
		return Range{}, false
	}
	return Range{Start: rs[0].Start, End: rs[len(rs)-1].End}, true
}

// Normalize clips ranges to [0, limit), sorts them and merges overlaps.
func Normalize(rs []Range, limit int) []Range {
	var clipped []Range
	for _, r := range rs {
		r.Start = max(r.Start, 0)
		r.End = min(r.End, limit)
		r.Start &^= 3
		if r.End > r.Start {
			clipped = append(clipped, r)
		}
	}
	sort.Slice(clipped, func(i, j int) bool { return clipped[i].Start < clipped[j].Start })
	var out []Range
	for _, r := range clipped {
		if n := len(out); n > 0 && r.Start <= out[n-1].End {
			out[n-1].End = max(out[n-1].End, r.End)
			continue
		}
		out = append(out, r)
	}
	return out
}

// FirstSectionOffset returns the smallest non-zero file offset of a section
// with data, i.e. the end of the space available to load commands.
func (f *File) FirstSectionOffset() int {
	first := len(f.data)
	for _, seg := range f.Segments {
		for _, sec := range seg.Sections {
			if sec.Offset > 0 && sec.Size > 0 && int(sec.Offset) < first {
				first = int(sec.Offset)
			}
		}
	}
	return first
}
