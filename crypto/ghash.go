package crypto

import "encoding/binary"

// gcmFieldElement is an element of GF(2^128) in the bit order used by GCM:
// hi holds the first eight bytes of the block.
type gcmFieldElement struct {
	hi, lo uint64
}

func loadFieldElement(b []byte) gcmFieldElement {
	return gcmFieldElement{
		hi: binary.BigEndian.Uint64(b[:8]),
		lo: binary.BigEndian.Uint64(b[8:16]),
	}
}

func (x gcmFieldElement) store(b []byte) {
	binary.BigEndian.PutUint64(b[:8], x.hi)
	binary.BigEndian.PutUint64(b[8:16], x.lo)
}

// mul multiplies two field elements with the shift-and-add method from
// NIST SP 800-38D. It has no secret-dependent branches.
func (x gcmFieldElement) mul(y gcmFieldElement) gcmFieldElement {
	var z gcmFieldElement
	v := y
	for i := 0; i < 128; i++ {
		var bit uint64
		if i < 64 {
			bit = (x.hi >> (63 - uint(i))) & 1
		} else {
			bit = (x.lo >> (127 - uint(i))) & 1
		}
		mask := -bit
		z.hi ^= v.hi & mask
		z.lo ^= v.lo & mask

		lsb := v.lo & 1
		v.lo = v.lo>>1 | v.hi<<63
		v.hi >>= 1
		v.hi ^= 0xe100000000000000 & -lsb
	}
	return z
}

// ghash accumulates the GCM universal hash over ciphertext that arrives in
// arbitrary-sized pieces. Additional data is never used here.
type ghash struct {
	h       gcmFieldElement
	y       gcmFieldElement
	partial [16]byte
	fill    int
	length  uint64
}

func newGHASH(h []byte) *ghash {
	return &ghash{h: loadFieldElement(h)}
}

func (g *ghash) block(b []byte) {
	in := loadFieldElement(b)
	g.y.hi ^= in.hi
	g.y.lo ^= in.lo
	g.y = g.y.mul(g.h)
}

func (g *ghash) Write(p []byte) (int, error) {
	n := len(p)
	g.length += uint64(n)

	if g.fill > 0 {
		c := copy(g.partial[g.fill:], p)
		g.fill += c
		p = p[c:]
		if g.fill < 16 {
			return n, nil
		}
		g.block(g.partial[:])
		g.fill = 0
	}
	for len(p) >= 16 {
		g.block(p[:16])
		p = p[16:]
	}
	g.fill = copy(g.partial[:], p)
	return n, nil
}

// Sum finishes the hash with the length block and writes S into out.
func (g *ghash) Sum(out []byte) {
	if g.fill > 0 {
		for i := g.fill; i < 16; i++ {
			g.partial[i] = 0
		}
		g.block(g.partial[:])
		g.fill = 0
	}

	var lengths [16]byte
	binary.BigEndian.PutUint64(lengths[8:], g.length*8)
	g.block(lengths[:])
	g.y.store(out)
}
