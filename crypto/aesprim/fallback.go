//go:build !evp && !openssl

package aesprim

import "sync"

// sbox/invSbox/rcon are built once, lazily, on first use from
// deterministic GF(2^8) arithmetic (a brute-force multiplicative-inverse
// search plus the affine transformation; see buildTables). All callers
// compute identical bytes, so a single sync.Once guards the build rather
// than leaving it racy.
var (
	tablesOnce sync.Once
	sbox       [256]byte
	invSbox    [256]byte
	rcon       [15]byte
)

func xtime(a byte) byte {
	if a&0x80 != 0 {
		return (a << 1) ^ 0x1B
	}
	return a << 1
}

func gmul(a, b byte) byte {
	var p byte
	for i := 0; i < 8; i++ {
		if b&1 != 0 {
			p ^= a
		}
		a = xtime(a)
		b >>= 1
	}
	return p
}

func buildTables() {
	// Multiplicative inverse in GF(2^8) via brute-force search, then the
	// affine transformation, reproduces the standard AES S-box without
	// hand-transcribing its 256 constant bytes.
	var inv [256]byte
	inv[0] = 0
	for a := 1; a < 256; a++ {
		for b := 1; b < 256; b++ {
			if gmul(byte(a), byte(b)) == 1 {
				inv[a] = byte(b)
				break
			}
		}
	}

	rotl1 := func(b byte) byte { return (b << 1) | (b >> 7) }

	for i := 0; i < 256; i++ {
		x := inv[i]
		s := x
		r := x
		for k := 0; k < 4; k++ {
			r = rotl1(r)
			s ^= r
		}
		s ^= 0x63
		sbox[i] = s
		invSbox[s] = byte(i)
	}

	rcon[0] = 0x01
	for i := 1; i < len(rcon); i++ {
		rcon[i] = xtime(rcon[i-1])
	}
}

func ensureTables() {
	tablesOnce.Do(buildTables)
}

// Context implements ECB/CBC/CCM/CFB AES encryption and decryption.
type Context struct {
	mode  Mode
	nr    int
	words []uint32
}

func subWord(w uint32) uint32 {
	return uint32(sbox[w>>24])<<24 | uint32(sbox[(w>>16)&0xff])<<16 | uint32(sbox[(w>>8)&0xff])<<8 | uint32(sbox[w&0xff])
}

func rotWord(w uint32) uint32 {
	return w<<8 | w>>24
}

// Init prepares a zero Context for use. The fallback backend needs no
// per-context allocation before SetKey, so this is a no-op kept for
// parity with the other backends' init step.
func (c *Context) Init() {}

// SetKey expands key into the round-key schedule for mode and key_bits.
func (c *Context) SetKey(mode Mode, key []byte, keyBits int) error {
	if !validKeyBits(keyBits) {
		return keyBitsError(keyBits)
	}
	if len(key)*8 != keyBits {
		return keyBitsError(keyBits)
	}

	ensureTables()

	nk := keyBits / 32
	nr := nk + 6
	nb := 4

	words := make([]uint32, nb*(nr+1))
	for i := 0; i < nk; i++ {
		words[i] = uint32(key[4*i])<<24 | uint32(key[4*i+1])<<16 | uint32(key[4*i+2])<<8 | uint32(key[4*i+3])
	}

	for i := nk; i < len(words); i++ {
		temp := words[i-1]
		if i%nk == 0 {
			temp = subWord(rotWord(temp)) ^ uint32(rcon[i/nk-1])<<24
		} else if nk > 6 && i%nk == 4 {
			temp = subWord(temp)
		}
		words[i] = words[i-nk] ^ temp
	}

	c.mode = mode
	c.nr = nr
	c.words = words
	return nil
}

func (c *Context) roundKeyBytes(round int) [16]byte {
	var rk [16]byte
	for col := 0; col < 4; col++ {
		w := c.words[round*4+col]
		rk[col*4+0] = byte(w >> 24)
		rk[col*4+1] = byte(w >> 16)
		rk[col*4+2] = byte(w >> 8)
		rk[col*4+3] = byte(w)
	}
	return rk
}

func addRoundKey(state *[16]byte, rk [16]byte) {
	for i := range state {
		state[i] ^= rk[i]
	}
}

func subBytes(state *[16]byte, box *[256]byte) {
	for i := range state {
		state[i] = box[state[i]]
	}
}

func shiftRows(state *[16]byte) {
	// state is column-major: state[c*4+r].
	var t [16]byte
	copy(t[:], state[:])
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			state[c*4+r] = t[((c+r)%4)*4+r]
		}
	}
}

func invShiftRows(state *[16]byte) {
	var t [16]byte
	copy(t[:], state[:])
	for c := 0; c < 4; c++ {
		for r := 0; r < 4; r++ {
			state[c*4+r] = t[((c-r+4)%4)*4+r]
		}
	}
}

func mixColumns(state *[16]byte) {
	for c := 0; c < 4; c++ {
		a0, a1, a2, a3 := state[c*4], state[c*4+1], state[c*4+2], state[c*4+3]
		state[c*4+0] = gmul(a0, 2) ^ gmul(a1, 3) ^ a2 ^ a3
		state[c*4+1] = a0 ^ gmul(a1, 2) ^ gmul(a2, 3) ^ a3
		state[c*4+2] = a0 ^ a1 ^ gmul(a2, 2) ^ gmul(a3, 3)
		state[c*4+3] = gmul(a0, 3) ^ a1 ^ a2 ^ gmul(a3, 2)
	}
}

func invMixColumns(state *[16]byte) {
	for c := 0; c < 4; c++ {
		a0, a1, a2, a3 := state[c*4], state[c*4+1], state[c*4+2], state[c*4+3]
		state[c*4+0] = gmul(a0, 14) ^ gmul(a1, 11) ^ gmul(a2, 13) ^ gmul(a3, 9)
		state[c*4+1] = gmul(a0, 9) ^ gmul(a1, 14) ^ gmul(a2, 11) ^ gmul(a3, 13)
		state[c*4+2] = gmul(a0, 13) ^ gmul(a1, 9) ^ gmul(a2, 14) ^ gmul(a3, 11)
		state[c*4+3] = gmul(a0, 11) ^ gmul(a1, 13) ^ gmul(a2, 9) ^ gmul(a3, 14)
	}
}

func (c *Context) encryptBlock(in, out []byte) {
	var state [16]byte
	copy(state[:], in[:16])

	addRoundKey(&state, c.roundKeyBytes(0))
	for round := 1; round < c.nr; round++ {
		subBytes(&state, &sbox)
		shiftRows(&state)
		mixColumns(&state)
		addRoundKey(&state, c.roundKeyBytes(round))
	}
	subBytes(&state, &sbox)
	shiftRows(&state)
	addRoundKey(&state, c.roundKeyBytes(c.nr))

	copy(out[:16], state[:])
}

func (c *Context) decryptBlock(in, out []byte) {
	var state [16]byte
	copy(state[:], in[:16])

	addRoundKey(&state, c.roundKeyBytes(c.nr))
	for round := c.nr - 1; round >= 1; round-- {
		invShiftRows(&state)
		subBytes(&state, &invSbox)
		addRoundKey(&state, c.roundKeyBytes(round))
		invMixColumns(&state)
	}
	invShiftRows(&state)
	subBytes(&state, &invSbox)
	addRoundKey(&state, c.roundKeyBytes(0))

	copy(out[:16], state[:])
}

// CryptECB encrypts or decrypts exactly one 16-byte block; no padding.
func (c *Context) CryptECB(mode Mode, in, out []byte) error {
	if len(in) != blockSize || len(out) != blockSize {
		return errInvalidLength(blockSize)
	}
	if mode == Encrypt {
		c.encryptBlock(in, out)
	} else {
		c.decryptBlock(in, out)
	}
	return nil
}

// CryptCBC encrypts or decrypts len(in) bytes (a multiple of 16) using
// cipher-block chaining. iv is read but never mutated by this backend
// (spec: "the function must not leave side effects in the caller's IV
// buffer").
func (c *Context) CryptCBC(mode Mode, iv, in, out []byte) error {
	if len(in)%blockSize != 0 {
		return errInvalidLength(blockSize)
	}
	if len(iv) != blockSize {
		return errInvalidIV()
	}

	feedback := make([]byte, blockSize)
	copy(feedback, iv)

	var block [blockSize]byte

	if mode == Encrypt {
		for off := 0; off < len(in); off += blockSize {
			for i := 0; i < blockSize; i++ {
				block[i] = in[off+i] ^ feedback[i]
			}
			c.encryptBlock(block[:], out[off:off+blockSize])
			copy(feedback, out[off:off+blockSize])
		}
	} else {
		for off := 0; off < len(in); off += blockSize {
			c.decryptBlock(in[off:off+blockSize], block[:])
			for i := 0; i < blockSize; i++ {
				out[off+i] = block[i] ^ feedback[i]
			}
			copy(feedback, in[off:off+blockSize])
		}
	}

	return nil
}

// CryptCCM encrypts or decrypts using a simplified, non-standard
// keystream-XOR construction (not RFC 3610 authenticated CCM): the IV is
// one byte holding 15-len(nonce)-1, then nonce, then zero bytes up to the
// 16-byte block, and the low byte of the counter block increments once
// per 16-byte chunk. The
// context's key must have been set with mode Encrypt; CCM derives its
// keystream by encrypting counter blocks regardless of the caller's
// encrypt/decrypt intent.
func (c *Context) CryptCCM(nonce, in, out []byte) error {
	if len(nonce) > 14 {
		return errInvalidIV()
	}

	var counter [blockSize]byte
	counter[0] = byte(15 - len(nonce) - 1)
	copy(counter[1:1+len(nonce)], nonce)

	var keystream [blockSize]byte
	for off := 0; off < len(in); off += blockSize {
		c.encryptBlock(counter[:], keystream[:])
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

// CryptCFB encrypts or decrypts in CFB mode, one block at a time,
// feeding the ciphertext back in both directions: the output on encrypt,
// the input on decrypt.
func (c *Context) CryptCFB(mode Mode, iv, in, out []byte) error {
	if len(iv) != blockSize {
		return errInvalidIV()
	}

	feedback := make([]byte, blockSize)
	copy(feedback, iv)

	var keystream [blockSize]byte

	for off := 0; off < len(in); off += blockSize {
		c.encryptBlock(feedback, keystream[:])

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

func errInvalidLength(block int) error {
	return lengthError{block}
}

type lengthError struct{ block int }

func (e lengthError) Error() string {
	return "aesprim: input length must be a multiple of the block size"
}

func errInvalidIV() error {
	return ivError{}
}

type ivError struct{}

func (ivError) Error() string { return "aesprim: invalid IV length" }

// TweakedContext implements XTS, which needs two independent key
// schedules: one for the data unit and one to encrypt the tweak.
type TweakedContext struct {
	data  Context
	tweak Context
}

// Init prepares a zero TweakedContext for use.
func (t *TweakedContext) Init() {}

// SetKey installs both halves of an XTS key pair. dataKey and tweakKey
// must each be keyBits/8 bytes.
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

// CryptXTS implements NIST SP 800-38E XTS over a single data unit
// identified by sectorNum, with ciphertext stealing for lengths that
// aren't a multiple of the block size. mode selects encrypt or decrypt.
// In the stealing step, encryption processes the last full block under
// the current tweak and the reassembled block under the next one;
// decryption applies them in the opposite order, so the current tweak is
// kept unchanged while the next one is derived into a separate value.
func (t *TweakedContext) CryptXTS(mode Mode, sectorNum uint64, in, out []byte) error {
	n := len(in)
	if n < blockSize {
		return errInvalidLength(blockSize)
	}

	var tweak [blockSize]byte
	for i := 0; i < 8; i++ {
		tweak[i] = byte(sectorNum >> (8 * i))
	}
	t.tweak.encryptBlock(tweak[:], tweak[:])

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
			t.data.encryptBlock(buf[:], buf[:])
		} else {
			t.data.decryptBlock(buf[:], buf[:])
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
		t.data.encryptBlock(buf[:], buf[:])
		xorBlock(out[off:off+blockSize], buf[:], tweak)

		copy(out[off+blockSize:off+blockSize+rem], out[off:off+rem])
		copy(out[off:off+rem], in[off+blockSize:off+blockSize+rem])

		gfMulTweak(&tweak)
		var stolen [blockSize]byte
		copy(stolen[:], out[off:off+blockSize])
		xorBlock(stolen[:], stolen[:], tweak)
		t.data.encryptBlock(stolen[:], stolen[:])
		xorBlock(out[off:off+blockSize], stolen[:], tweak)
	} else {
		nextTweak := tweak
		gfMulTweak(&nextTweak)

		var buf [blockSize]byte
		xorBlock(buf[:], in[off:off+blockSize], nextTweak)
		t.data.decryptBlock(buf[:], buf[:])
		xorBlock(buf[:], buf[:], nextTweak)

		stolenCipher := make([]byte, blockSize)
		copy(stolenCipher, in[off+blockSize:off+blockSize+rem])
		copy(stolenCipher[rem:], buf[rem:])

		var final [blockSize]byte
		xorBlock(final[:], stolenCipher, tweak)
		t.data.decryptBlock(final[:], final[:])
		xorBlock(out[off:off+blockSize], final[:], tweak)

		copy(out[off+blockSize:off+blockSize+rem], buf[:rem])
	}

	return nil
}
