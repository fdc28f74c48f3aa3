package aes

import "fmt"

// BlockSize is the AES block size in bytes.
const BlockSize = 16

// maxRounds is the largest round count across AES-128/192/256 (14, for
// AES-256), used to size the compact and expanded subkey schedules.
const maxRounds = 14

// Cipher is a constant-time, bitsliced AES block cipher context. A
// Cipher is immutable after Setkey and may be shared across concurrent
// Encrypt/Decrypt calls provided callers synchronize access to their own
// input/output buffers.
type Cipher struct {
	ek, dk       [(maxRounds + 1) * 2]uint64
	ekExp, dkExp [(maxRounds + 1) * 8]uint64
	numRounds    int
	encOnly      bool
}

// NewCipher allocates a Cipher and calls Setkey with encOnly=false. keyLen
// must be 16, 24 or 32 bytes (AES-128/192/256).
func NewCipher(key []byte) (*Cipher, error) {
	c := new(Cipher)
	if err := c.Setkey(key, false); err != nil {
		return nil, err
	}
	return c, nil
}

// Setkey derives the round-key schedule from key. If encOnly is true, the
// decryption schedule is skipped and Decrypt will always fail; this saves
// one key schedule's worth of work for encrypt-only uses (e.g. CTR mode).
func (c *Cipher) Setkey(key []byte, encOnly bool) error {
	numRounds := keySched(c.ek[:], key)
	if numRounds == 0 {
		return fmt.Errorf("aes: invalid key length %d, want 16, 24 or 32", len(key))
	}
	skeyExpand(c.ekExp[:], numRounds, c.ek[:])
	c.numRounds = numRounds
	c.encOnly = encOnly
	if !encOnly {
		if keySched(c.dk[:], key) != numRounds {
			return fmt.Errorf("aes: invalid key length %d, want 16, 24 or 32", len(key))
		}
		skeyExpand(c.dkExp[:], numRounds, c.dk[:])
	}
	return nil
}

// Encrypt encrypts the 16-byte block src into dst. src and dst may
// overlap completely or not at all.
func (c *Cipher) Encrypt(dst, src *[BlockSize]byte) {
	var q [8]uint64
	var w [4]uint32

	decodeBlock(&w, src)
	interleaveIn(&q[0], &q[4], &w)
	ortho(&q)
	bitsliceEncrypt(c.numRounds, c.ekExp[:], &q)
	ortho(&q)
	interleaveOut(&w, q[0], q[4])
	encodeBlock(dst, &w)
}

// Decrypt decrypts the 16-byte block src into dst. It fails if Setkey was
// called with encOnly=true.
func (c *Cipher) Decrypt(dst, src *[BlockSize]byte) error {
	if c.encOnly {
		return fmt.Errorf("aes: cipher was configured encrypt-only")
	}

	var q [8]uint64
	var w [4]uint32

	decodeBlock(&w, src)
	interleaveIn(&q[0], &q[4], &w)
	ortho(&q)
	bitsliceDecrypt(c.numRounds, c.dkExp[:], &q)
	ortho(&q)
	interleaveOut(&w, q[0], q[4])
	encodeBlock(dst, &w)
	return nil
}

func decodeBlock(w *[4]uint32, src *[BlockSize]byte) {
	for i := range w {
		w[i] = uint32(src[4*i]) | uint32(src[4*i+1])<<8 |
			uint32(src[4*i+2])<<16 | uint32(src[4*i+3])<<24
	}
}

func encodeBlock(dst *[BlockSize]byte, w *[4]uint32) {
	for i, v := range w {
		dst[4*i] = byte(v)
		dst[4*i+1] = byte(v >> 8)
		dst[4*i+2] = byte(v >> 16)
		dst[4*i+3] = byte(v >> 24)
	}
}
