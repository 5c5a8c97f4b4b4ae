package common

import (
	"fmt"
	"testing"
)

func TestUvarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 16383, 16384, 1 << 20, 1 << 40, ^uint64(0)}

	for _, v := range values {
		t.Run(fmt.Sprintf("value_%d", v), func(t *testing.T) {
			buf := make([]byte, 10)
			n := PutUvarint(buf, v)
			if n != VarintSize(v) {
				t.Errorf("PutUvarint wrote %d bytes, VarintSize says %d", n, VarintSize(v))
			}

			decoded, n2 := Uvarint(buf)
			if n2 != n {
				t.Errorf("Uvarint read %d bytes, want %d", n2, n)
			}
			if decoded != v {
				t.Errorf("Uvarint = %d, want %d", decoded, v)
			}
		})
	}
}

func TestUvarintTruncated(t *testing.T) {
	buf := []byte{0x80, 0x80, 0x80}
	_, n := Uvarint(buf)
	if n > 0 {
		t.Fatalf("Uvarint on truncated input returned n=%d, want <= 0", n)
	}
}

func TestUvarint16RoundTrip(t *testing.T) {
	values := []uint16{0, 1, 127, 128, 16383, 16384, 65535}

	for _, v := range values {
		t.Run(fmt.Sprintf("value_%d", v), func(t *testing.T) {
			buf := make([]byte, 5)
			n := PutUvarint16(buf, v)
			if n != VarintSize16(v) {
				t.Errorf("PutUvarint16(%d) = %d bytes, want %d", v, n, VarintSize16(v))
			}

			decoded, n2 := Uvarint16(buf)
			if n2 != n || decoded != v {
				t.Errorf("Uvarint16 roundtrip = (%d, %d), want (%d, %d)", decoded, n2, v, n)
			}
		})
	}
}

func TestUvarint16Overflow(t *testing.T) {
	buf := make([]byte, 10)
	PutUvarint(buf, uint64(1)<<32)
	if _, n := Uvarint16(buf); n >= 0 {
		t.Fatalf("Uvarint16 on an oversized varint should report overflow, got n=%d", n)
	}
}
