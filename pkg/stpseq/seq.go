// Package stpseq implements sequence-number arithmetic modulo 2^16 and the
// bounded search both peers use to invert a wire sequence number back into
// a zero-based segment position.
package stpseq

const modulus = 1 << 16

// Seq is a sequence number in the space [0, 2^16).
type Seq uint16

// Add returns (s + n) mod 2^16.
func Add(s Seq, n int) Seq {
	return Seq((int(s) + n) % modulus)
}

// Sub returns the signed distance from b to a, i.e. (a - b) reduced into
// (-2^15, 2^15] so that wraparound is handled transparently.
func Sub(a, b Seq) int {
	d := (int(a) - int(b)) % modulus
	switch {
	case d > modulus/2:
		d -= modulus
	case d <= -modulus/2:
		d += modulus
	}
	return d
}

// Less reports whether a precedes b in sequence-number space, accounting
// for wraparound.
func Less(a, b Seq) bool {
	return Sub(a, b) < 0
}

// DefaultWrapBound is the number of wraps of the 2^16 sequence space the
// position-inversion search considers by default. It supports files up to
// roughly 983 KB, matching the design ceiling documented in the original
// implementation. Callers that know the true segment count should use
// WrapBoundFor instead.
const DefaultWrapBound = 15

// WrapBoundFor returns a wrap-count bound large enough to invert any
// sequence number belonging to a file of n bytes, floored at
// DefaultWrapBound so behavior for small files matches the documented
// design ceiling exactly.
func WrapBoundFor(n int) int {
	bound := (n / modulus) + 2
	if bound < DefaultWrapBound {
		return DefaultWrapBound
	}
	return bound
}

// InvertPosition finds the position i in [0, lastPos] such that a segment
// starting at sequence dsn+mss*i would carry sequence number seqno on the
// wire, modulo 2^16. It also recognizes the special case of the final,
// possibly short, segment: a seqno equal to dsn+fileSize (mod 2^16)
// resolves to position lastPos+1 (one past the last data segment),
// signaling "transfer complete" to callers that track cumulative ACKs.
//
// wrapBound bounds how many multiples of 2^16 are considered; pass
// DefaultWrapBound or WrapBoundFor(n) unless a larger or smaller search is
// called for.
func InvertPosition(seqno, dsn Seq, mss, fileSize, wrapBound int) (pos int, ok bool) {
	for k := 0; k <= wrapBound; k++ {
		delta := int(seqno) + modulus*k - int(dsn)
		if delta < 0 {
			continue
		}
		if delta%mss == 0 {
			return delta / mss, true
		}
		if delta == fileSize {
			return fileSize/mss + boolToInt(fileSize%mss != 0), true
		}
	}
	return 0, false
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
