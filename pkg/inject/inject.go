// Package inject adds LC_LOAD_DYLIB commands to thin and universal Mach-O
// binaries without changing their size.
package inject

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"slices"

	"github.com/apex/log"
	"github.com/blacktop/fwpatch/pkg/container"
	"github.com/blacktop/go-macho"
	"github.com/blacktop/go-macho/types"
	"github.com/dustin/go-humanize"
)

// MaxOverflow is how far a new command may spill into the first section.
const MaxOverflow = 256

const (
	headerSize   = 32
	dylibCmdSize = 24
	dylibStamp   = 2
)

// ErrNoSpace is returned when the load commands cannot grow by the command size.
var ErrNoSpace = errors.New("no room for load command")

// Method records how space for the command was found.
type Method string

const (
	Present   Method = "already present"
	Padding   Method = "header padding"
	Signature Method = "stripped code signature"
	Overflow  Method = "section overflow"
)

// Result describes one injected slice.
type Result struct {
	Slice  string
	Method Method
	// Offset is the file offset of the new command inside the slice.
	Offset int
	Size   int
}

// Satisfied reports whether the slice already declared the dylib.
func (r Result) Satisfied() bool { return r.Method == Present }

var dylibLoads = []types.LoadCmd{
	types.LC_LOAD_DYLIB,
	types.LC_LOAD_WEAK_DYLIB,
	types.LC_REEXPORT_DYLIB,
	types.LC_LAZY_LOAD_DYLIB,
	types.LC_LOAD_UPWARD_DYLIB,
}

func pointerAlign(sz uint32) uint32 {
	if (sz % 8) != 0 {
		sz += 8 - (sz % 8)
	}
	return sz
}

// Command encodes an LC_LOAD_DYLIB for path.
func Command(path string) []byte {
	cmd := types.DylibCmd{
		LoadCmd:    types.LC_LOAD_DYLIB,
		Len:        pointerAlign(uint32(dylibCmdSize + len(path) + 1)),
		NameOffset: dylibCmdSize,
		Timestamp:  dylibStamp,
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, cmd)
	buf.WriteString(path)
	buf.Write(make([]byte, int(cmd.Len)-buf.Len()))
	return buf.Bytes()
}

// Dylibs returns the paths of the dylib load commands of a thin image.
func Dylibs(data []byte) ([]string, error) {
	f, err := container.Parse(data)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, lc := range f.Loads {
		if !slices.Contains(dylibLoads, lc.Cmd) {
			continue
		}
		name := int(binary.LittleEndian.Uint32(data[lc.Offset+8:]))
		end := lc.Offset + int(lc.Size)
		if name < dylibCmdSize || lc.Offset+name >= end {
			return nil, fmt.Errorf("dylib command at %#x has name offset %#x", lc.Offset, name)
		}
		raw := data[lc.Offset+name : end]
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			raw = raw[:i]
		}
		paths = append(paths, string(raw))
	}
	return paths, nil
}

// Dylib adds an LC_LOAD_DYLIB for path to every slice of data in place. Thin
// images are treated as a single slice. Every slice is staged before any is
// written back, so a failing slice leaves data untouched.
func Dylib(data []byte, path string) ([]Result, error) {
	fat, err := container.Slices(data)
	if errors.Is(err, container.ErrNotFat) {
		r, err := Thin(data, path)
		if err != nil {
			return nil, err
		}
		r.Slice = "thin"
		return []Result{r}, nil
	} else if err != nil {
		return nil, err
	}
	var (
		results []Result
		staged  = make([][]byte, len(fat))
	)
	for i, s := range fat {
		r, out, err := stage(s.Bytes(data), path)
		if err != nil {
			return nil, fmt.Errorf("%s slice at %#x: %w", s.CPU, s.Offset, err)
		}
		r.Slice = s.CPU.String()
		results = append(results, r)
		staged[i] = out
	}
	for i, s := range fat {
		if staged[i] != nil {
			copy(s.Bytes(data), staged[i])
		}
	}
	return results, nil
}

func zeroRun(b []byte) int {
	for i, c := range b {
		if c != 0 {
			return i
		}
	}
	return len(b)
}

// Thin adds an LC_LOAD_DYLIB for path to a single Mach-O image in place.
// Space is taken from the zero padding after the load commands, then from a
// trailing LC_CODE_SIGNATURE, then from at most MaxOverflow bytes of the
// first section. data is only written once the edited image re-parses.
func Thin(data []byte, path string) (Result, error) {
	r, out, err := stage(data, path)
	if err != nil {
		return Result{}, err
	}
	if out != nil {
		copy(data, out)
	}
	return r, nil
}

// stage performs the injection on a copy of data and returns it, or nil when
// the dylib is already present.
func stage(data []byte, path string) (Result, []byte, error) {
	existing, err := Dylibs(data)
	if err != nil {
		return Result{}, nil, err
	}
	if slices.Contains(existing, path) {
		log.WithField("path", path).Debug("dylib already loaded")
		return Result{Method: Present}, nil, nil
	}

	f, err := container.Parse(data)
	if err != nil {
		return Result{}, nil, err
	}
	out := bytes.Clone(data)
	cmd := Command(path)
	end := headerSize + int(f.SizeCommands)
	limit := min(f.FirstSectionOffset(), len(out))
	if end > limit {
		return Result{}, nil, fmt.Errorf("load commands end at %#x past first section %#x", end, limit)
	}
	free := func() int { return zeroRun(out[end:limit]) }

	ncmds, sizeofcmds := f.NCommands, f.SizeCommands
	method := Padding
	if free() < len(cmd) {
		if last := f.Loads[len(f.Loads)-1]; last.Cmd == types.LC_CODE_SIGNATURE && last.Offset+int(last.Size) == end {
			clear(out[last.Offset:end])
			ncmds--
			sizeofcmds -= last.Size
			end = last.Offset
			method = Signature
		}
	}
	if n := free(); n < len(cmd) {
		spill := end + len(cmd) - limit
		if n < limit-end || spill > MaxOverflow || end+len(cmd) > len(out) {
			return Result{}, nil, fmt.Errorf("%w: need %s, have %s", ErrNoSpace,
				humanize.Bytes(uint64(len(cmd))), humanize.Bytes(uint64(n)))
		}
		method = Overflow
		log.WithField("spill", humanize.Bytes(uint64(spill))).Warn("dylib command overflows into the first section")
	}
	if method == Signature {
		log.Warn("stripped code signature to make room for the dylib command")
	}

	copy(out[end:], cmd)
	binary.LittleEndian.PutUint32(out[16:], ncmds+1)
	binary.LittleEndian.PutUint32(out[20:], sizeofcmds+uint32(len(cmd)))

	if err := verify(out, path); err != nil {
		return Result{}, nil, err
	}
	log.WithFields(log.Fields{
		"path":   path,
		"offset": fmt.Sprintf("%#x", end),
		"size":   humanize.Bytes(uint64(len(cmd))),
		"method": method,
	}).Info("injected LC_LOAD_DYLIB")
	return Result{Method: method, Offset: end, Size: len(cmd)}, out, nil
}

func verify(data []byte, path string) error {
	m, err := macho.NewFile(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to re-parse injected image: %w", err)
	}
	defer m.Close()
	if !slices.Contains(m.ImportedLibraries(), path) {
		return fmt.Errorf("injected image does not import %s", path)
	}
	return nil
}
