package arm64

import "math/bits"

// decodeBitMask expands the N:immr:imms logical immediate field.
func decodeBitMask(n, immr, imms uint32, wide bool) (uint64, bool) {
	combined := n<<6 | (^imms & 0x3F)
	if combined == 0 {
		return 0, false
	}
	length := 31 - bits.LeadingZeros32(combined)
	if length < 1 || (!wide && n == 1) {
		return 0, false
	}
	esize := uint32(1) << length
	levels := esize - 1
	s := imms & levels
	r := immr & levels
	if s == levels {
		return 0, false
	}
	elem := uint64(1)<<(s+1) - 1
	if r != 0 {
		mask := uint64(1)<<esize - 1
		if esize == 64 {
			mask = ^uint64(0)
		}
		elem = ((elem >> r) | (elem << (esize - r))) & mask
	}
	var out uint64
	for i := uint32(0); i < 64; i += esize {
		out |= elem << i
	}
	if !wide {
		out &= 0xFFFFFFFF
	}
	return out, true
}

// encodeBitMask finds the N:immr:imms encoding of v, if one exists.
func encodeBitMask(v uint64, wide bool) (n, immr, imms uint32, ok bool) {
	if !wide {
		v &= 0xFFFFFFFF
	}
	if v == 0 || (wide && v == ^uint64(0)) || (!wide && v == 0xFFFFFFFF) {
		return 0, 0, 0, false
	}
	maxN := uint32(1)
	if !wide {
		maxN = 0
	}
	for n = 0; n <= maxN; n++ {
		for imms = 0; imms < 64; imms++ {
			for immr = 0; immr < 64; immr++ {
				got, valid := decodeBitMask(n, immr, imms, wide)
				if valid && got == v {
					return n, immr, imms, true
				}
			}
		}
	}
	return 0, 0, 0, false
}
