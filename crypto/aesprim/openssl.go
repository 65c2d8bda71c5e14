//go:build openssl

package aesprim

import (
	"fmt"

	"github.com/libp2p/go-openssl"
)

func cipherName(keyBits int, suffix string) (string, error) {
	switch keyBits {
	case 128:
		return "aes-128-" + suffix, nil
	case 192:
		return "aes-192-" + suffix, nil
	case 256:
		return "aes-256-" + suffix, nil
	default:
		return "", keyBitsError(keyBits)
	}
}

// Context wraps OpenSSL's EVP cipher interface via go-openssl, matching
// the other two backends' API.
type Context struct {
	key     []byte
	keyBits int
	mode    Mode
}

func (c *Context) Init() {}

func (c *Context) SetKey(mode Mode, key []byte, keyBits int) error {
	if !validKeyBits(keyBits) {
		return keyBitsError(keyBits)
	}
	if len(key)*8 != keyBits {
		return keyBitsError(keyBits)
	}
	c.key = append([]byte(nil), key...)
	c.keyBits = keyBits
	c.mode = mode
	return nil
}

func (c *Context) ecbBlock(mode Mode, in, out []byte) error {
	name, err := cipherName(c.keyBits, "ecb")
	if err != nil {
		return err
	}
	ciph, err := openssl.GetCipherByName(name)
	if err != nil {
		return fmt.Errorf("aesprim: openssl cipher %s: %w", name, err)
	}

	var ctx *openssl.Cipher
	if mode == Encrypt {
		ctx, err = openssl.NewEncryptionCipherCtx(ciph, nil, c.key, nil)
	} else {
		ctx, err = openssl.NewDecryptionCipherCtx(ciph, nil, c.key, nil)
	}
	if err != nil {
		return fmt.Errorf("aesprim: openssl ctx init: %w", err)
	}
	ctx.SetPadding(false)

	var result []byte
	if mode == Encrypt {
		result, err = ctx.EncryptUpdate(in)
	} else {
		result, err = ctx.DecryptUpdate(in)
	}
	if err != nil {
		return fmt.Errorf("aesprim: openssl update: %w", err)
	}
	copy(out, result)
	return nil
}

func (c *Context) CryptECB(mode Mode, in, out []byte) error {
	if len(in) != blockSize || len(out) != blockSize {
		return errInvalidLength(blockSize)
	}
	return c.ecbBlock(mode, in, out)
}

func (c *Context) CryptCBC(mode Mode, iv, in, out []byte) error {
	if len(in)%blockSize != 0 {
		return errInvalidLength(blockSize)
	}
	if len(iv) != blockSize {
		return errInvalidIV()
	}

	// go-openssl's cipher context is handed its own copy of iv on
	// construction, but we pass a local copy anyway to keep this
	// backend's contract independent of that detail: the caller's iv is
	// never written to.
	ivCopy := make([]byte, blockSize)
	copy(ivCopy, iv)

	name, err := cipherName(c.keyBits, "cbc")
	if err != nil {
		return err
	}
	ciph, err := openssl.GetCipherByName(name)
	if err != nil {
		return fmt.Errorf("aesprim: openssl cipher %s: %w", name, err)
	}

	var ctx *openssl.Cipher
	if mode == Encrypt {
		ctx, err = openssl.NewEncryptionCipherCtx(ciph, nil, c.key, ivCopy)
	} else {
		ctx, err = openssl.NewDecryptionCipherCtx(ciph, nil, c.key, ivCopy)
	}
	if err != nil {
		return fmt.Errorf("aesprim: openssl ctx init: %w", err)
	}
	ctx.SetPadding(false)

	var result []byte
	if mode == Encrypt {
		result, err = ctx.EncryptUpdate(in)
	} else {
		result, err = ctx.DecryptUpdate(in)
	}
	if err != nil {
		return fmt.Errorf("aesprim: openssl update: %w", err)
	}
	copy(out, result)
	return nil
}

// CryptCCM matches the fallback/evp backends' simplified keystream-XOR
// construction: a counter block built from nonce is run through ECB
// encryption once per 16-byte chunk.
func (c *Context) CryptCCM(nonce, in, out []byte) error {
	if len(nonce) > 14 {
		return errInvalidIV()
	}
	var counter [blockSize]byte
	counter[0] = byte(15 - len(nonce) - 1)
	copy(counter[1:1+len(nonce)], nonce)

	var keystream [blockSize]byte
	for off := 0; off < len(in); off += blockSize {
		if err := c.ecbBlock(Encrypt, counter[:], keystream[:]); err != nil {
			return err
		}
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
		if err := c.ecbBlock(Encrypt, feedback, keystream[:]); err != nil {
			return err
		}

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

// TweakedContext implements XTS on top of two Context values, using the
// ECB single-block primitive for both the tweak encryption and the data
// unit's ciphertext-stealing arithmetic.
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

func (t *TweakedContext) CryptXTS(mode Mode, sectorNum uint64, in, out []byte) error {
	n := len(in)
	if n < blockSize {
		return errInvalidLength(blockSize)
	}

	var tweak [blockSize]byte
	for i := 0; i < 8; i++ {
		tweak[i] = byte(sectorNum >> (8 * i))
	}
	if err := t.tweak.ecbBlock(Encrypt, tweak[:], tweak[:]); err != nil {
		return err
	}

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
		if err := t.data.ecbBlock(mode, buf[:], buf[:]); err != nil {
			return err
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
		if err := t.data.ecbBlock(Encrypt, buf[:], buf[:]); err != nil {
			return err
		}
		xorBlock(out[off:off+blockSize], buf[:], tweak)

		copy(out[off+blockSize:off+blockSize+rem], out[off:off+rem])
		copy(out[off:off+rem], in[off+blockSize:off+blockSize+rem])

		gfMulTweak(&tweak)
		var stolen [blockSize]byte
		copy(stolen[:], out[off:off+blockSize])
		xorBlock(stolen[:], stolen[:], tweak)
		if err := t.data.ecbBlock(Encrypt, stolen[:], stolen[:]); err != nil {
			return err
		}
		xorBlock(out[off:off+blockSize], stolen[:], tweak)
	} else {
		nextTweak := tweak
		gfMulTweak(&nextTweak)

		var buf [blockSize]byte
		xorBlock(buf[:], in[off:off+blockSize], nextTweak)
		if err := t.data.ecbBlock(Decrypt, buf[:], buf[:]); err != nil {
			return err
		}
		xorBlock(buf[:], buf[:], nextTweak)

		stolenCipher := make([]byte, blockSize)
		copy(stolenCipher, in[off+blockSize:off+blockSize+rem])
		copy(stolenCipher[rem:], buf[rem:])

		var final [blockSize]byte
		xorBlock(final[:], stolenCipher, tweak)
		if err := t.data.ecbBlock(Decrypt, final[:], final[:]); err != nil {
			return err
		}
		xorBlock(out[off:off+blockSize], final[:], tweak)

		copy(out[off+blockSize:off+blockSize+rem], buf[:rem])
	}

	return nil
}
