package crypto

import (
	"bytes"
	"testing"
)

func testKey() [32]byte {
	var k [32]byte
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestChaCha20RoundTrip(t *testing.T) {
	p := NewChaCha20Provider(testKey())

	plain := bytes.Repeat([]byte("storage engine page payload"), 10)

	enc, err := p.NewCipher(EffectiveIV(42, 7))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	cipherText := make([]byte, len(plain))
	enc.XORKeyStream(cipherText, plain)

	if bytes.Equal(cipherText, plain) {
		t.Fatalf("ciphertext equals plaintext")
	}

	dec, err := p.NewCipher(EffectiveIV(42, 7))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	roundTrip := make([]byte, len(plain))
	dec.XORKeyStream(roundTrip, cipherText)

	if !bytes.Equal(roundTrip, plain) {
		t.Fatalf("round trip mismatch: got %q, want %q", roundTrip, plain)
	}
}

func TestEffectiveIVVariesWithAddress(t *testing.T) {
	a := EffectiveIV(100, 1)
	b := EffectiveIV(100, 2)
	if a == b {
		t.Fatalf("EffectiveIV should differ across addresses, got %d for both", a)
	}
}

func TestEffectiveIVDeterministic(t *testing.T) {
	if EffectiveIV(7, 3) != EffectiveIV(7, 3) {
		t.Fatalf("EffectiveIV must be deterministic for identical inputs")
	}
}
