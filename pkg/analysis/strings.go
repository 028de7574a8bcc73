package analysis

import "bytes"

// FindString returns the first occurrence of needle at or after from.
func (a *Analyzer) FindString(needle string, from int) (int, bool) {
	if from < 0 || from >= len(a.img.Data) || needle == "" {
		return -1, false
	}
	i := bytes.Index(a.img.Data[from:], []byte(needle))
	if i < 0 {
		return -1, false
	}
	return from + i, true
}

// FindAll returns every occurrence of needle.
func (a *Analyzer) FindAll(needle string) []int {
	var out []int
	for off := 0; ; {
		hit, ok := a.FindString(needle, off)
		if !ok {
			return out
		}
		out = append(out, hit)
		off = hit + 1
	}
}

// StringStart returns the start of the NUL-terminated string holding off.
func (a *Analyzer) StringStart(off int) int {
	for off > 0 && a.img.Data[off-1] != 0 {
		off--
	}
	return off
}

// FindCString locates needle and normalizes the hit to the start of its
// enclosing string, since code references whole strings.
func (a *Analyzer) FindCString(needle string) (int, bool) {
	off, ok := a.FindString(needle, 0)
	if !ok {
		return -1, false
	}
	return a.StringStart(off), true
}

// FindExactCString finds needle as a complete NUL-terminated string.
func (a *Analyzer) FindExactCString(needle string) (int, bool) {
	pat := append([]byte(needle), 0)
	for from := 0; from < len(a.img.Data); {
		i := bytes.Index(a.img.Data[from:], pat)
		if i < 0 {
			return -1, false
		}
		off := from + i
		if off == 0 || a.img.Data[off-1] == 0 {
			return off, true
		}
		from = off + 1
	}
	return -1, false
}

// CStringAt reads the NUL-terminated string at off, up to limit bytes.
func (a *Analyzer) CStringAt(off, limit int) string {
	if off < 0 || off >= len(a.img.Data) {
		return ""
	}
	end := min(off+limit, len(a.img.Data))
	b := a.img.Data[off:end]
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
