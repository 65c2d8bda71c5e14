// Package aesprim implements AES in ECB, CBC, CCM (as a keystream XOR),
// CFB, and XTS modes, behind one interface with three interchangeable
// backends selected at build time: a pure-Go fallback (default), an evp
// backend (//go:build evp) over stdlib crypto/aes+crypto/cipher, and an
// openssl backend (//go:build openssl) over github.com/libp2p/go-openssl.
// The choice of backend never affects the exposed API.
package aesprim

import "fmt"

// Mode selects whether a Context encrypts or decrypts.
type Mode int

const (
	Encrypt Mode = iota
	Decrypt
)

const blockSize = 16

// validKeyBits reports whether bits is a supported AES key size.
func validKeyBits(bits int) bool {
	return bits == 128 || bits == 192 || bits == 256
}

func keyBitsError(bits int) error {
	return fmt.Errorf("aesprim: unsupported key size %d bits", bits)
}
