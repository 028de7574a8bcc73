// Package patch is the rule engine: independent rules locate their sites on
// an image, stage byte patches into a private Set, and the Engine commits a
// rule's set only when the whole rule succeeded.
package patch

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/container"
	"github.com/blacktop/fwpatch/pkg/image"
)

var (
	// ErrAnchorNotFound is returned when a required symbol, string or
	// structural anchor does not exist in the image.
	ErrAnchorNotFound = errors.New("anchor not found")
	// ErrAmbiguous is returned when a match predicate hits a number of sites
	// other than the expected one. It is handled like ErrAnchorNotFound.
	ErrAmbiguous = errors.New("ambiguous match")
	// ErrOverlap is returned when a set stages two writes to the same bytes.
	ErrOverlap = errors.New("overlapping patch")
)

// NotFound wraps ErrAnchorNotFound with what was searched for.
func NotFound(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrAnchorNotFound)
}

// Expect fails closed unless got equals want.
func Expect(what string, got, want int) error {
	if got == want {
		return nil
	}
	if got == 0 {
		return NotFound("%s", what)
	}
	return fmt.Errorf("%s: expected %d match(es), found %d: %w", what, want, got, ErrAmbiguous)
}

// ExpectRange fails closed unless lo <= got <= hi.
func ExpectRange(what string, got, lo, hi int) error {
	if got >= lo && got <= hi {
		return nil
	}
	if got == 0 {
		return NotFound("%s", what)
	}
	return fmt.Errorf("%s: expected %d..%d matches, found %d: %w", what, lo, hi, got, ErrAmbiguous)
}

// IsNotFound reports whether err is one of the fail-closed tiers.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAnchorNotFound) || errors.Is(err, ErrAmbiguous)
}

// Patch is a same-length byte replacement at a file offset.
type Patch struct {
	Offset int
	Bytes  []byte
	Reason string
}

// End returns the first offset after the patch.
func (p Patch) End() int { return p.Offset + len(p.Bytes) }

// Range returns the bytes the patch covers.
func (p Patch) Range() container.Range { return container.Range{Start: p.Offset, End: p.End()} }

// Overlaps reports whether p and o touch the same byte.
func (p Patch) Overlaps(o Patch) bool { return p.Offset < o.End() && o.Offset < p.End() }

func (p Patch) String() string {
	return fmt.Sprintf("%#x: %d bytes [%s]", p.Offset, len(p.Bytes), p.Reason)
}

// Set collects the patches of one rule.
type Set struct {
	patches []Patch
}

// Add stages b at off. The bytes are copied.
func (s *Set) Add(off int, b []byte, reason string) {
	s.patches = append(s.patches, Patch{Offset: off, Bytes: bytes.Clone(b), Reason: reason})
}

// Word stages a single instruction word.
func (s *Set) Word(off int, w uint32, reason string) {
	s.Add(off, arm64.Bytes(w), reason)
}

// Words stages consecutive instruction words starting at off.
func (s *Set) Words(off int, reason string, words ...uint32) {
	s.Add(off, arm64.Join(words...), reason)
}

// U64 stages a little-endian quadword.
func (s *Set) U64(off int, v uint64, reason string) {
	b := make([]byte, 8)
	for i := range b {
		b[i] = byte(v >> (8 * i))
	}
	s.Add(off, b, reason)
}

// Len returns the number of staged patches.
func (s *Set) Len() int { return len(s.patches) }

// Patches returns the staged patches in staging order.
func (s *Set) Patches() []Patch { return s.patches }

// Overlaps reports whether [off, off+n) touches a staged patch.
func (s *Set) Overlaps(off, n int) bool {
	q := Patch{Offset: off, Bytes: make([]byte, n)}
	for _, p := range s.patches {
		if p.Overlaps(q) {
			return true
		}
	}
	return false
}

// Has reports whether a patch was staged at exactly off.
func (s *Set) Has(off int) bool {
	for _, p := range s.patches {
		if p.Offset == off {
			return true
		}
	}
	return false
}

// Validate checks every patch is inside a buffer of size bytes and that no
// two staged patches overlap.
func (s *Set) Validate(size int) error {
	sorted := append([]Patch(nil), s.patches...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })
	for i, p := range sorted {
		if p.Offset < 0 || p.End() > size {
			return fmt.Errorf("%s (size %#x): %w", p, size, image.ErrOutOfBounds)
		}
		if i > 0 && sorted[i-1].Overlaps(p) {
			return fmt.Errorf("%s and %s: %w", sorted[i-1], p, ErrOverlap)
		}
	}
	return nil
}

// Apply validates the set and writes it to img. Nothing is written when
// validation fails, and the buffer length never changes.
func (s *Set) Apply(img *image.Image) error {
	if err := s.Validate(img.Size()); err != nil {
		return err
	}
	for _, p := range s.patches {
		if err := img.Write(p.Offset, p.Bytes); err != nil {
			return err
		}
	}
	return nil
}
