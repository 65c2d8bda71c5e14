//go:build evp

package aesprim

import (
	stdaes "crypto/aes"
	"crypto/cipher"
)

// Context wraps the standard library's constant-time crypto/aes block
// cipher, keeping the same API surface as the fallback and openssl
// backends.
type Context struct {
	block cipher.Block
	mode  Mode
}

func (c *Context) Init() {}

func (c *Context) SetKey(mode Mode, key []byte, keyBits int) error {
	if !validKeyBits(keyBits) {
		return keyBitsError(keyBits)
	}
	if len(key)*8 != keyBits {
		return keyBitsError(keyBits)
	}
	block, err := stdaes.NewCipher(key)
	if err != nil {
		return err
	}
	c.block = block
	c.mode = mode
	return nil
}

func (c *Context) CryptECB(mode Mode, in, out []byte) error {
	if len(in) != blockSize || len(out) != blockSize {
		return errInvalidLength(blockSize)
	}
	if mode == Encrypt {
		c.block.Encrypt(out, in)
	} else {
		c.block.Decrypt(out, in)
	}
	return nil
}

func (c *Context) CryptCBC(mode Mode, iv, in, out []byte) error {
	if len(in)%blockSize != 0 {
		return errInvalidLength(blockSize)
	}
	if len(iv) != blockSize {
		return errInvalidIV()
	}

	// crypto/cipher's CBC modes keep a private copy of the IV internally,
	// but we copy explicitly here too so this backend's contract doesn't
	// depend on that implementation detail: the caller's iv is never
	// written to.
	ivCopy := make([]byte, blockSize)
	copy(ivCopy, iv)

	if mode == Encrypt {
		cipher.NewCBCEncrypter(c.block, ivCopy).CryptBlocks(out, in)
	} else {
		cipher.NewCBCDecrypter(c.block, ivCopy).CryptBlocks(out, in)
	}
	return nil
}

func (c *Context) CryptCCM(nonce, in, out []byte) error {
	if len(nonce) > 14 {
		return errInvalidIV()
	}
	var counter [blockSize]byte
	counter[0] = byte(15 - len(nonce) - 1)
	copy(counter[1:1+len(nonce)], nonce)

	var keystream [blockSize]byte
	for off := 0; off < len(in); off += blockSize {
		c.block.Encrypt(keystream[:], counter[:])
		n := blockSize
		if rem := len(in) - off; rem < n {
			n = rem
		}
		for i := 0; i < n; i++ {
			out[off+i] = in[off+i] ^ keystream[i]
		}
		counter[15]++
	}
	return nil
}

func (c *Context) CryptCFB(mode Mode, iv, in, out []byte) error {
	if len(iv) != blockSize {
		return errInvalidIV()
	}
	feedback := make([]byte, blockSize)
	copy(feedback, iv)

	var keystream [blockSize]byte
	for off := 0; off < len(in); off += blockSize {
		c.block.Encrypt(keystream[:], feedback)

		n := blockSize
		if rem := len(in) - off; rem < n {
			n = rem
		}

		chunk := make([]byte, n)
		for i := 0; i < n; i++ {
			chunk[i] = in[off+i] ^ keystream[i]
			out[off+i] = chunk[i]
		}

		if mode == Encrypt {
			copy(feedback, chunk)
		} else {
			copy(feedback, in[off:off+n])
		}
	}
	return nil
}

func errInvalidLength(block int) error { return lengthError{block} }

type lengthError struct{ block int }

func (e lengthError) Error() string {
	return "aesprim: input length must be a multiple of the block size"
}

func errInvalidIV() error { return ivError{} }

type ivError struct{}

func (ivError) Error() string { return "aesprim: invalid IV length" }

// TweakedContext implements XTS over two independent crypto/aes block
// ciphers, one for the data unit and one for the tweak.
type TweakedContext struct {
	data  Context
	tweak Context
}

func (t *TweakedContext) Init() {}

func (t *TweakedContext) SetKey(dataKey, tweakKey []byte, keyBits int) error {
	if err := t.data.SetKey(Encrypt, dataKey, keyBits); err != nil {
		return err
	}
	return t.tweak.SetKey(Encrypt, tweakKey, keyBits)
}

func gfMulTweak(t *[blockSize]byte) {
	var carry byte
	for i := 0; i < blockSize; i++ {
		next := t[i] >> 7
		t[i] = (t[i] << 1) | carry
		carry = next
	}
	if carry != 0 {
		t[0] ^= 0x87
	}
}

// CryptXTS mirrors the fallback backend's ciphertext-stealing XTS
// implementation, substituting crypto/aes block operations.
func (t *TweakedContext) CryptXTS(mode Mode, sectorNum uint64, in, out []byte) error {
	n := len(in)
	if n < blockSize {
		return errInvalidLength(blockSize)
	}

	var tweak [blockSize]byte
	for i := 0; i < 8; i++ {
		tweak[i] = byte(sectorNum >> (8 * i))
	}
	t.tweak.block.Encrypt(tweak[:], tweak[:])

	fullBlocks := n / blockSize
	rem := n % blockSize
	if rem != 0 {
		fullBlocks--
	}

	xorBlock := func(dst, src []byte, tw [blockSize]byte) {
		for i := 0; i < blockSize; i++ {
			dst[i] = src[i] ^ tw[i]
		}
	}

	for i := 0; i < fullBlocks; i++ {
		off := i * blockSize
		var buf [blockSize]byte
		xorBlock(buf[:], in[off:off+blockSize], tweak)
		if mode == Encrypt {
			t.data.block.Encrypt(buf[:], buf[:])
		} else {
			t.data.block.Decrypt(buf[:], buf[:])
		}
		xorBlock(out[off:off+blockSize], buf[:], tweak)

		gfMulTweak(&tweak)
	}

	if rem == 0 {
		return nil
	}

	off := fullBlocks * blockSize

	if mode == Encrypt {
		var buf [blockSize]byte
		xorBlock(buf[:], in[off:off+blockSize], tweak)
		t.data.block.Encrypt(buf[:], buf[:])
		xorBlock(out[off:off+blockSize], buf[:], tweak)

		copy(out[off+blockSize:off+blockSize+rem], out[off:off+rem])
		copy(out[off:off+rem], in[off+blockSize:off+blockSize+rem])

		gfMulTweak(&tweak)
		var stolen [blockSize]byte
		copy(stolen[:], out[off:off+blockSize])
		xorBlock(stolen[:], stolen[:], tweak)
		t.data.block.Encrypt(stolen[:], stolen[:])
		xorBlock(out[off:off+blockSize], stolen[:], tweak)
	} else {
		nextTweak := tweak
		gfMulTweak(&nextTweak)

		var buf [blockSize]byte
		xorBlock(buf[:], in[off:off+blockSize], nextTweak)
		t.data.block.Decrypt(buf[:], buf[:])
		xorBlock(buf[:], buf[:], nextTweak)

		stolenCipher := make([]byte, blockSize)
		copy(stolenCipher, in[off+blockSize:off+blockSize+rem])
		copy(stolenCipher[rem:], buf[rem:])

		var final [blockSize]byte
		xorBlock(final[:], stolenCipher, tweak)
		t.data.block.Decrypt(final[:], final[:])
		xorBlock(out[off:off+blockSize], final[:], tweak)

		copy(out[off+blockSize:off+blockSize+rem], buf[:rem])
	}

	return nil
}
