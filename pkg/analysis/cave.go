package analysis

import (
	"errors"
	"fmt"

	"github.com/blacktop/fwpatch/pkg/arm64"
	"github.com/blacktop/fwpatch/pkg/container"
)

// ErrNoCave is returned when no filler run is large enough.
var ErrNoCave = errors.New("no code cave large enough")

// Cave is a run of filler words inside executable memory.
type Cave struct {
	Offset int
	Size   int
	// Filler is the word the run consists of.
	Filler uint32
}

// End returns the first offset past the cave.
func (c Cave) End() int { return c.Offset + c.Size }

func isFiller(w uint32) bool {
	return w == 0x00000000 || w == 0xFFFFFFFF || w == arm64.BRK0
}

func (a *Analyzer) isClaimed(off int) (int, bool) {
	for _, r := range a.claimed {
		if r.Contains(off) {
			return r.End, true
		}
	}
	return 0, false
}

// FindCave returns the first run of filler words of at least size bytes in
// the code ranges, without claiming it. The working buffer is scanned so
// caves already written are not offered again; claimed but not yet written
// spans are skipped as well.
func (a *Analyzer) FindCave(size int) (Cave, error) {
	need := (size + 3) &^ 3
	if need <= 0 {
		return Cave{}, fmt.Errorf("invalid cave size %d", size)
	}
	for _, r := range a.ranges {
		run := -1
		for off := r.Start &^ 3; off+4 <= r.End; off += 4 {
			if end, ok := a.isClaimed(off); ok {
				run = -1
				off = ((end + 3) &^ 3) - 4
				continue
			}
			if !isFiller(a.img.Word(off)) {
				run = -1
				continue
			}
			if run < 0 {
				run = off
			}
			if off+4-run >= need {
				return Cave{Offset: run, Size: need, Filler: a.img.Word(run)}, nil
			}
		}
	}
	return Cave{}, fmt.Errorf("%d bytes: %w", need, ErrNoCave)
}

// AllocCave finds a cave and claims it, so a later request in the same run
// gets a disjoint span even before anything is written.
func (a *Analyzer) AllocCave(size int) (Cave, error) {
	c, err := a.FindCave(size)
	if err != nil {
		return Cave{}, err
	}
	a.Claim(c.Offset, c.Size)
	return c, nil
}

// FindCaveNear looks for a run of at least size bytes from 0x1000 before
// near up to maxDistance after it. A run directly following a branch is
// returned immediately; otherwise the run closest to near wins. With
// zeroOnly only all-zero words count as filler.
func (a *Analyzer) FindCaveNear(size, near, maxDistance int, zeroOnly bool) (Cave, error) {
	need := (size + 3) &^ 3
	start := max(near-0x1000, 0) &^ 3
	end := min(near+maxDistance, len(a.img.Data))
	filler := isFiller
	if zeroOnly {
		filler = func(w uint32) bool { return w == 0 }
	}
	best, bestDist := -1, 0
	for off := start; off+4 <= end; {
		run := off
		for run+4 <= end && filler(a.img.Word(run)) {
			if _, ok := a.isClaimed(run); ok {
				break
			}
			run += 4
		}
		if run-off >= need {
			if off >= 4 && a.followsBranch(off) {
				return Cave{Offset: off, Size: need, Filler: a.img.Word(off)}, nil
			}
			if d := abs(off - near); best < 0 || d < bestDist {
				best, bestDist = off, d
			}
		}
		if run > off {
			off = run
		} else {
			off += 4
		}
	}
	if best < 0 {
		return Cave{}, fmt.Errorf("%d bytes near %#x: %w", need, near, ErrNoCave)
	}
	return Cave{Offset: best, Size: need, Filler: a.img.Word(best)}, nil
}

func (a *Analyzer) followsBranch(off int) bool {
	i := a.At(off - 4)
	return i.Op == arm64.OpB || i.IsCondBranch()
}

// Claim reserves [off, off+n) so the allocator skips it.
func (a *Analyzer) Claim(off, n int) {
	a.claimed = append(a.claimed, container.Range{Start: off, End: off + n})
}

// Claimed reports whether any byte of [off, off+n) is reserved.
func (a *Analyzer) Claimed(off, n int) bool {
	for _, r := range a.claimed {
		if off < r.End && r.Start < off+n {
			return true
		}
	}
	return false
}

// Checkpoint returns a mark that Restore rolls claims back to.
func (a *Analyzer) Checkpoint() int { return len(a.claimed) }

// Restore releases every claim made after mark.
func (a *Analyzer) Restore(mark int) {
	if mark >= 0 && mark <= len(a.claimed) {
		a.claimed = a.claimed[:mark]
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
