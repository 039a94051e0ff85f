package envelope

// paddingBlock is the bucket size ciphertexts are padded to.
const paddingBlock = 160

// PadTransport appends the 0x80 terminator and zero bytes so that the
// result is one byte short of a multiple of paddingBlock. The session
// cipher adds the final byte of framing.
func PadTransport(msg []byte) []byte {
	withTerminator := len(msg) + 1
	parts := (withTerminator + 1 + paddingBlock - 1) / paddingBlock
	padded := make([]byte, parts*paddingBlock-1)
	copy(padded, msg)
	padded[len(msg)] = 0x80
	return padded
}

// UnpadTransport strips what PadTransport added. A buffer whose trailing
// bytes are not zeros followed by the terminator is returned unchanged.
func UnpadTransport(padded []byte) []byte {
	for i := len(padded) - 1; i >= 0; i-- {
		switch padded[i] {
		case 0x80:
			return padded[:i]
		case 0x00:
			continue
		default:
			return padded
		}
	}
	return padded[:0]
}
