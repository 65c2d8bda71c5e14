package aesprim

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func hexBytes(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

// seqBytes returns n bytes counting up from start, wrapping at 256; used
// to build plaintext/key material of an exact, easy-to-reason-about
// length for the round-trip tests below.
func seqBytes(start, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte((start + i) % 256)
	}
	return b
}

// TestECBFIPS197Vector checks AES-128 ECB against the FIPS-197 Appendix
// B worked example.
func TestECBFIPS197Vector(t *testing.T) {
	key := hexBytes(t, "000102030405060708090a0b0c0d0e0f")
	plain := hexBytes(t, "00112233445566778899aabbccddeeff")
	wantCipher := hexBytes(t, "69c4e0d86a7b0430d8cdb78070b4c55a")

	var ctx Context
	ctx.Init()
	require.NoError(t, ctx.SetKey(Encrypt, key, 128))

	got := make([]byte, blockSize)
	require.NoError(t, ctx.CryptECB(Encrypt, plain, got))
	require.Equal(t, wantCipher, got)

	var dctx Context
	dctx.Init()
	require.NoError(t, dctx.SetKey(Decrypt, key, 128))

	back := make([]byte, blockSize)
	require.NoError(t, dctx.CryptECB(Decrypt, got, back))
	require.Equal(t, plain, back)
}

// TestCBCSP80038AVector checks AES-128 CBC's first block against
// NIST SP 800-38A F.2.1.
func TestCBCSP80038AVector(t *testing.T) {
	key := hexBytes(t, "2b7e151628aed2a6abf7158809cf4f3c")
	iv := hexBytes(t, "000102030405060708090a0b0c0d0e0f")
	plain := hexBytes(t, "6bc1bee22e409f96e93d7e117393172a")
	wantCipher := hexBytes(t, "7649abac8119b246cee98e9b12e9197d")

	var ctx Context
	ctx.Init()
	require.NoError(t, ctx.SetKey(Encrypt, key, 128))

	got := make([]byte, blockSize)
	require.NoError(t, ctx.CryptCBC(Encrypt, iv, plain, got))
	require.Equal(t, wantCipher, got)
}

// TestCBCDoesNotMutateIV guards the documented quirk that CryptCBC must
// never write back to the caller's iv buffer.
func TestCBCDoesNotMutateIV(t *testing.T) {
	key := hexBytes(t, "2b7e151628aed2a6abf7158809cf4f3c")
	iv := hexBytes(t, "000102030405060708090a0b0c0d0e0f")
	ivCopy := append([]byte(nil), iv...)
	plain := seqBytes(0, 2*blockSize)

	var ctx Context
	ctx.Init()
	require.NoError(t, ctx.SetKey(Encrypt, key, 128))

	out := make([]byte, len(plain))
	require.NoError(t, ctx.CryptCBC(Encrypt, iv, plain, out))

	require.Equal(t, ivCopy, iv)
}

func TestCBCRoundTrip(t *testing.T) {
	key := seqBytes(0x40, 32)
	iv := seqBytes(0, blockSize)
	plain := seqBytes(0x10, 4*blockSize)

	var enc Context
	enc.Init()
	require.NoError(t, enc.SetKey(Encrypt, key, 256))
	cipherText := make([]byte, len(plain))
	require.NoError(t, enc.CryptCBC(Encrypt, iv, plain, cipherText))

	var dec Context
	dec.Init()
	require.NoError(t, dec.SetKey(Decrypt, key, 256))
	back := make([]byte, len(plain))
	require.NoError(t, dec.CryptCBC(Decrypt, iv, cipherText, back))

	require.Equal(t, plain, back)
}

func TestCFBRoundTrip(t *testing.T) {
	key := hexBytes(t, "2b7e151628aed2a6abf7158809cf4f3c")
	iv := hexBytes(t, "000102030405060708090a0b0c0d0e0f")
	plain := []byte("some plaintext that is not a multiple of 16!!")

	var enc Context
	enc.Init()
	require.NoError(t, enc.SetKey(Encrypt, key, 128))
	cipherText := make([]byte, len(plain))
	require.NoError(t, enc.CryptCFB(Encrypt, iv, plain, cipherText))

	var dec Context
	dec.Init()
	require.NoError(t, dec.SetKey(Encrypt, key, 128))
	back := make([]byte, len(plain))
	require.NoError(t, dec.CryptCFB(Decrypt, iv, cipherText, back))

	require.Equal(t, plain, back)
}

func TestCCMRoundTrip(t *testing.T) {
	key := hexBytes(t, "2b7e151628aed2a6abf7158809cf4f3c")
	nonce := hexBytes(t, "000102030405060708090a0b")
	plain := []byte("arbitrary length message for the keystream XOR")

	var enc Context
	enc.Init()
	require.NoError(t, enc.SetKey(Encrypt, key, 128))
	cipherText := make([]byte, len(plain))
	require.NoError(t, enc.CryptCCM(nonce, plain, cipherText))

	var dec Context
	dec.Init()
	require.NoError(t, dec.SetKey(Encrypt, key, 128))
	back := make([]byte, len(plain))
	require.NoError(t, dec.CryptCCM(nonce, cipherText, back))

	require.Equal(t, plain, back)
}

func TestXTSRoundTripAlignedLength(t *testing.T) {
	dataKey := hexBytes(t, "2b7e151628aed2a6abf7158809cf4f3c")
	tweakKey := hexBytes(t, "000102030405060708090a0b0c0d0e0f")
	plain := seqBytes(0, 2*blockSize)

	var enc TweakedContext
	enc.Init()
	require.NoError(t, enc.SetKey(dataKey, tweakKey, 128))
	cipherText := make([]byte, len(plain))
	require.NoError(t, enc.CryptXTS(Encrypt, 1, plain, cipherText))

	var dec TweakedContext
	dec.Init()
	require.NoError(t, dec.SetKey(dataKey, tweakKey, 128))
	back := make([]byte, len(plain))
	require.NoError(t, dec.CryptXTS(Decrypt, 1, cipherText, back))

	require.Equal(t, plain, back)
}

// TestXTSRoundTripCiphertextStealing exercises the unaligned-length path,
// where the final partial block is handled via ciphertext stealing.
func TestXTSRoundTripCiphertextStealing(t *testing.T) {
	dataKey := hexBytes(t, "2b7e151628aed2a6abf7158809cf4f3c")
	tweakKey := hexBytes(t, "000102030405060708090a0b0c0d0e0f")
	plain := seqBytes(0, 2*blockSize+3)

	var enc TweakedContext
	enc.Init()
	require.NoError(t, enc.SetKey(dataKey, tweakKey, 128))
	cipherText := make([]byte, len(plain))
	require.NoError(t, enc.CryptXTS(Encrypt, 7, plain, cipherText))

	var dec TweakedContext
	dec.Init()
	require.NoError(t, dec.SetKey(dataKey, tweakKey, 128))
	back := make([]byte, len(plain))
	require.NoError(t, dec.CryptXTS(Decrypt, 7, cipherText, back))

	require.Equal(t, plain, back)
}

func TestSetKeyRejectsBadKeyBits(t *testing.T) {
	var ctx Context
	ctx.Init()
	require.Error(t, ctx.SetKey(Encrypt, make([]byte, 10), 80))
}
