package container

import (
	"strings"

	"github.com/blacktop/go-macho"
)

const (
	maxSymbolName = 512
	nTypeMask     = 0x0e // N_TYPE
	nTypeDefined  = 0x0e // N_SECT
)

// Symbols maps defined symbol names to file offsets. The first definition of
// a name wins.
type Symbols struct {
	names   []string
	offsets map[string]int
}

// NewSymbols returns an empty symbol index.
func NewSymbols() *Symbols {
	return &Symbols{offsets: make(map[string]int)}
}

// Add records name at off unless the name is already known.
func (s *Symbols) Add(name string, off int) {
	if _, ok := s.offsets[name]; ok {
		return
	}
	s.offsets[name] = off
	s.names = append(s.names, name)
}

// Len returns the number of symbols.
func (s *Symbols) Len() int {
	if s == nil {
		return 0
	}
	return len(s.names)
}

// Resolve returns the file offset of name.
func (s *Symbols) Resolve(name string) (int, bool) {
	if s == nil {
		return 0, false
	}
	off, ok := s.offsets[name]
	return off, ok
}

// Contains returns the first symbol (in table order) whose name contains
// fragment and none of the excluded fragments.
func (s *Symbols) Contains(fragment string, exclude ...string) (string, int, bool) {
	if s == nil {
		return "", 0, false
	}
next:
	for _, name := range s.names {
		if !strings.Contains(name, fragment) {
			continue
		}
		for _, ex := range exclude {
			if strings.Contains(name, ex) {
				continue next
			}
		}
		return name, s.offsets[name], true
	}
	return "", 0, false
}

// Symbols collects the defined symbols of the top-level LC_SYMTAB and of
// every fileset entry. Values are converted with VAToOffset when mapped,
// otherwise relative to Base.
func (f *File) Symbols() *Symbols {
	syms := NewSymbols()
	f.addSymtab(syms, f.m)
	for _, e := range f.Entries {
		if e.m != nil {
			f.addSymtab(syms, e.m)
		}
	}
	return syms
}

func (f *File) addSymtab(syms *Symbols, m *macho.File) {
	if m.Symtab == nil {
		return
	}
	for _, sym := range m.Symtab.Syms {
		if uint8(sym.Type)&nTypeMask != nTypeDefined || sym.Value == 0 || sym.Name == "" {
			continue
		}
		if len(sym.Name) > maxSymbolName {
			continue
		}
		off, err := f.VAToOffset(sym.Value)
		if err != nil {
			off = int(sym.Value - f.Base)
		}
		if off >= 0 && off < len(f.data) {
			syms.Add(sym.Name, off)
		}
	}
}
