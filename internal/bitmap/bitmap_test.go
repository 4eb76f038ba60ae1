package bitmap

import "testing"

func TestSetTestClear(t *testing.T) {
	var b Bitmap64
	b = b.Set(5)
	if !b.Test(5) {
		t.Fatalf("expected bit 5 set")
	}
	b = b.Clear(5)
	if b.Test(5) {
		t.Fatalf("expected bit 5 cleared")
	}
}

func TestOrCommutativeAssociative(t *testing.T) {
	a := Bitmap64(0x0F0F)
	b := Bitmap64(0xF0F0)
	c := Bitmap64(0x1234)

	if Or(a, b) != Or(b, a) {
		t.Fatalf("Or not commutative")
	}
	if Or(Or(a, b), c) != Or(a, Or(b, c)) {
		t.Fatalf("Or not associative")
	}
	if Or(a, b).Count() > a.Count()+b.Count() {
		t.Fatalf("count_bits(or(a,b)) must be <= count(a)+count(b)")
	}
}

func TestCompress(t *testing.T) {
	// Two 32-bit chunks, each all set in its low bit only.
	b := Bitmap64(1) | Bitmap64(1)<<32
	got := b.Compress(32)
	if got != 1 {
		t.Fatalf("Compress(32) = %x, want 1", got)
	}
}

func TestFoldedXORIdempotentOnIdentity(t *testing.T) {
	// n=1 means the fold is the identity on the low bitWidth bits.
	x := uint64(0xDEADBEEF)
	got := FoldedXOR(x, 64, 1)
	if got != x {
		t.Fatalf("FoldedXOR(x,64,1) = %x, want %x (identity)", got, x)
	}
}

func TestSignMagnitudeRoundTrip(t *testing.T) {
	const k = 7
	for d := int32(-63); d < 64; d++ {
		enc := SignMagnitudeEncode(d, k)
		dec := SignMagnitudeDecode(enc, k)
		if dec != d {
			t.Fatalf("round trip failed for delta=%d: encoded=%d decoded=%d", d, enc, dec)
		}
	}
}

func TestIsLRUPermutation(t *testing.T) {
	if !IsLRUPermutation([]uint32{0, 1, 2, 3}) {
		t.Fatalf("expected valid permutation")
	}
	if IsLRUPermutation([]uint32{0, 1, 1, 3}) {
		t.Fatalf("expected invalid permutation to be rejected")
	}
	if IsLRUPermutation([]uint32{0, 1, 2, 4}) {
		t.Fatalf("expected out-of-range entry to be rejected")
	}
}
