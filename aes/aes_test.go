package aes

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func hexBytes(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("hex.DecodeString(%q): %v", s, err)
	}
	return b
}

func asBlock(t *testing.T, b []byte) [BlockSize]byte {
	t.Helper()
	if len(b) != BlockSize {
		t.Fatalf("want %d bytes, got %d", BlockSize, len(b))
	}
	var out [BlockSize]byte
	copy(out[:], b)
	return out
}

func TestFIPS197KnownAnswer(t *testing.T) {
	cases := []struct {
		name        string
		key, pt, ct string
	}{
		{
			name: "AES-128",
			key:  "000102030405060708090A0B0C0D0E0F",
			pt:   "00112233445566778899AABBCCDDEEFF",
			ct:   "69C4E0D86A7B0430D8CDB78070B4C55A",
		},
		{
			name: "AES-256",
			key:  "000102030405060708090A0B0C0D0E0F101112131415161718191A1B1C1D1E1F",
			pt:   "00112233445566778899AABBCCDDEEFF",
			ct:   "8EA2B7CA516745BFEAFC49904B496089",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key := hexBytes(t, tc.key)
			pt := asBlock(t, hexBytes(t, tc.pt))
			want := asBlock(t, hexBytes(t, tc.ct))

			c, err := NewCipher(key)
			if err != nil {
				t.Fatalf("NewCipher: %v", err)
			}

			var got [BlockSize]byte
			c.Encrypt(&got, &pt)
			if got != want {
				t.Fatalf("Encrypt(%s) = %s, want %s", tc.pt, hex.EncodeToString(got[:]), tc.ct)
			}

			var roundTrip [BlockSize]byte
			if err := c.Decrypt(&roundTrip, &got); err != nil {
				t.Fatalf("Decrypt: %v", err)
			}
			if roundTrip != pt {
				t.Fatalf("Decrypt(Encrypt(pt)) = %s, want %s", hex.EncodeToString(roundTrip[:]), tc.pt)
			}
		})
	}
}

func TestSetkeyRejectsInvalidKeyLength(t *testing.T) {
	for _, n := range []int{0, 1, 15, 17, 23, 25, 31, 33, 64} {
		c := new(Cipher)
		if err := c.Setkey(make([]byte, n), false); err == nil {
			t.Fatalf("Setkey with %d-byte key: want error, got nil", n)
		}
	}
}

func TestRoundTripAllKeySizes(t *testing.T) {
	for _, keyLen := range []int{16, 24, 32} {
		key := make([]byte, keyLen)
		for i := range key {
			key[i] = byte(i * 7)
		}
		c, err := NewCipher(key)
		if err != nil {
			t.Fatalf("keyLen=%d: NewCipher: %v", keyLen, err)
		}

		var pt [BlockSize]byte
		for i := range pt {
			pt[i] = byte(i * 3)
		}

		var ct, got [BlockSize]byte
		c.Encrypt(&ct, &pt)
		if ct == pt {
			t.Fatalf("keyLen=%d: ciphertext equals plaintext", keyLen)
		}
		if err := c.Decrypt(&got, &ct); err != nil {
			t.Fatalf("keyLen=%d: Decrypt: %v", keyLen, err)
		}
		if got != pt {
			t.Fatalf("keyLen=%d: round trip mismatch: got %x, want %x", keyLen, got, pt)
		}
	}
}

func TestEncryptOnlyCipherRejectsDecrypt(t *testing.T) {
	c := new(Cipher)
	if err := c.Setkey(make([]byte, 16), true); err != nil {
		t.Fatalf("Setkey: %v", err)
	}
	var pt, ct [BlockSize]byte
	c.Encrypt(&ct, &pt)

	var out [BlockSize]byte
	if err := c.Decrypt(&out, &ct); err == nil {
		t.Fatalf("Decrypt on encrypt-only cipher: want error, got nil")
	}
}

func TestEncryptDoesNotMutateDistinctSource(t *testing.T) {
	key := hexBytes(t, "000102030405060708090A0B0C0D0E0F")
	pt := asBlock(t, hexBytes(t, "00112233445566778899AABBCCDDEEFF"))
	ptCopy := pt

	c, err := NewCipher(key)
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	var ct [BlockSize]byte
	c.Encrypt(&ct, &pt)
	if !bytes.Equal(pt[:], ptCopy[:]) {
		t.Fatalf("Encrypt mutated its source block")
	}
}
