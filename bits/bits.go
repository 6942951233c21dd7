// Package bits reads and writes little-endian integers and length-prefixed
// strings at the head of a byte slice, returning the rest of the slice.
package bits

func Put16(b []byte, v uint16) []byte {
	b[0] = uint8(v)
	b[1] = uint8(v >> 8)
	return b[2:]
}

func Put32(b []byte, v uint32) []byte {
	b[0] = uint8(v)
	b[1] = uint8(v >> 8)
	b[2] = uint8(v >> 16)
	b[3] = uint8(v >> 24)
	return b[4:]
}

func Put64(b []byte, v uint64) []byte {
	Put32(b, uint32(v))
	Put32(b[4:], uint32(v>>32))
	return b[8:]
}

// Puts writes v prefixed by its 16-bit length. Strings longer than 65535
// bytes are clipped.
func Puts(b []byte, v string) []byte {
	if len(v) > 0xffff {
		v = v[:0xffff]
	}
	b = Put16(b, uint16(len(v)))
	copy(b, v)
	return b[len(v):]
}

// StringSize is the number of bytes Puts needs for v.
func StringSize(v string) int {
	if len(v) > 0xffff {
		return 2 + 0xffff
	}
	return 2 + len(v)
}

func Get16(b []byte) (uint16, []byte) {
	v := uint16(b[0])
	v += uint16(b[1]) << 8
	return v, b[2:]
}

func Get32(b []byte) (uint32, []byte) {
	v := uint32(b[0])
	v += uint32(b[1]) << 8
	v += uint32(b[2]) << 16
	v += uint32(b[3]) << 24
	return v, b[4:]
}

func Get64(b []byte) (uint64, []byte) {
	lo, b := Get32(b)
	hi, b := Get32(b)
	return uint64(lo) | uint64(hi)<<32, b
}

func Gets(b []byte) (string, []byte) {
	var vlen uint16
	vlen, b = Get16(b)
	return string(b[:vlen]), b[vlen:]
}
