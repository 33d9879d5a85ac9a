package widthconv

// Element bits are stored least significant first: bit i of an element lives
// in byte i/8 at position i%8. The first element gathered into a wide word
// occupies its least significant bits.

// Bytes returns the number of bytes holding width bits.
func Bytes(width int) int {
	return (width + 7) / 8
}

// copyBits copies n bits from src starting at bit soff into dst starting at
// bit doff. Destination bits are overwritten, not OR-ed.
func copyBits(dst []byte, doff int, src []byte, soff int, n int) {
	if doff&7 == 0 && soff&7 == 0 {
		whole := n >> 3
		copy(dst[doff>>3:doff>>3+whole], src[soff>>3:soff>>3+whole])
		doff += whole << 3
		soff += whole << 3
		n -= whole << 3
	}
	for i := 0; i < n; i++ {
		s, d := soff+i, doff+i
		bit := src[s>>3] >> (s & 7) & 1
		dst[d>>3] = dst[d>>3]&^(1<<(d&7)) | bit<<(d&7)
	}
}

// PackUint64 encodes the low width bits of v (width <= 64).
func PackUint64(v uint64, width int) []byte {
	out := make([]byte, Bytes(width))
	for i := range out {
		out[i] = byte(v >> (8 * i))
	}
	if r := width & 7; r != 0 {
		out[len(out)-1] &= 1<<r - 1
	}
	return out
}

// Uint64 decodes up to the first 8 bytes of data.
func Uint64(data []byte) uint64 {
	var v uint64
	for i := 0; i < len(data) && i < 8; i++ {
		v |= uint64(data[i]) << (8 * i)
	}
	return v
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
