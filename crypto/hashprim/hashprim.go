// Package hashprim exposes MD5, SHA-1, SHA-256, SHA-512, and their HMAC
// constructions behind a uniform init/update/finalize call shape, the
// same shape libhmac's digest contexts use, so callers don't need a
// type switch per algorithm.
package hashprim

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// Algorithm identifies a supported digest.
type Algorithm int

const (
	MD5 Algorithm = iota
	SHA1
	SHA256
	SHA512
)

func (a Algorithm) String() string {
	switch a {
	case MD5:
		return "md5"
	case SHA1:
		return "sha1"
	case SHA256:
		return "sha256"
	case SHA512:
		return "sha512"
	default:
		return "unknown"
	}
}

// Size returns the digest size in bytes for algo.
func (a Algorithm) Size() int {
	switch a {
	case MD5:
		return md5.Size
	case SHA1:
		return sha1.Size
	case SHA256:
		return sha256.Size
	case SHA512:
		return sha512.Size
	default:
		return 0
	}
}

// blockSize returns the HMAC block size for algo, per RFC 2104: 64 bytes
// for MD5/SHA-1/SHA-256, 128 bytes for SHA-512.
func (a Algorithm) blockSize() int {
	if a == SHA512 {
		return 128
	}
	return 64
}

func newHash(algo Algorithm) (hash.Hash, error) {
	switch algo {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	default:
		return nil, fmt.Errorf("hashprim: unsupported algorithm %d", algo)
	}
}

// Digest computes a plain digest over a byte stream via the
// init/update/finalize shape.
type Digest struct {
	algo Algorithm
	h    hash.Hash
}

// Init prepares d to digest under algo.
func (d *Digest) Init(algo Algorithm) error {
	h, err := newHash(algo)
	if err != nil {
		return err
	}
	d.algo = algo
	d.h = h
	return nil
}

// Update feeds more input into the digest.
func (d *Digest) Update(p []byte) {
	d.h.Write(p)
}

// Finalize appends the digest to out and returns the resulting slice.
// It does not reset d; call Init again to start a new digest.
func (d *Digest) Finalize(out []byte) []byte {
	return d.h.Sum(out)
}

// Size returns the digest's output size in bytes.
func (d *Digest) Size() int {
	return d.algo.Size()
}

// HMAC computes a keyed digest via the same init/update/finalize shape.
type HMAC struct {
	algo Algorithm
	h    hash.Hash
}

// Init prepares m to compute HMAC(algo, key, ...).
func (m *HMAC) Init(algo Algorithm, key []byte) error {
	if _, err := newHash(algo); err != nil {
		return err
	}
	m.algo = algo
	m.h = hmac.New(func() hash.Hash {
		h, _ := newHash(algo)
		return h
	}, key)
	return nil
}

// Update feeds more input into the running HMAC.
func (m *HMAC) Update(p []byte) {
	m.h.Write(p)
}

// Finalize appends the HMAC to out and returns the resulting slice.
func (m *HMAC) Finalize(out []byte) []byte {
	return m.h.Sum(out)
}

// Size returns the HMAC's output size in bytes (equal to the underlying
// digest's size).
func (m *HMAC) Size() int {
	return m.algo.Size()
}

// BlockSize returns the HMAC block size used for algo's key/pad sizing.
func (a Algorithm) BlockSize() int {
	return a.blockSize()
}
