package internal

import "crypto/rand"

func Mask(bytes []byte, key [4]byte) {
	MaskOffset(bytes, key, 0)
}

// MaskOffset XORs bytes with key starting at key position offset%4,
// so a payload can be masked in several chunks.
func MaskOffset(bytes []byte, key [4]byte, offset int) {
	for i, b := range bytes {
		pos := i + offset
		bytes[i] = b ^ key[pos%4]
	}
}

// NewMaskKey returns a fresh key from crypto/rand.
func NewMaskKey() (key [4]byte) {
	// crypto/rand.Read never returns an error on supported platforms
	_, _ = rand.Read(key[:])
	return key
}
