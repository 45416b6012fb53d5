package storage

import "testing"

func TestVectorRoundTrip(t *testing.T) {
	v := []float32{0.1, -2.5, 3.75, 0}
	decoded, err := DecodeVector(EncodeVector(v))
	if err != nil {
		t.Fatalf("DecodeVector: %v", err)
	}
	if len(decoded) != len(v) {
		t.Fatalf("length mismatch: %d vs %d", len(decoded), len(v))
	}
	for i := range v {
		if decoded[i] != v[i] {
			t.Errorf("element %d mismatch: %v vs %v", i, decoded[i], v[i])
		}
	}
}

func TestVectorNilRoundTrip(t *testing.T) {
	if b := EncodeVector(nil); b != nil {
		t.Errorf("nil vector should encode as nil, got %v", b)
	}
	v, err := DecodeVector(nil)
	if err != nil {
		t.Fatalf("DecodeVector(nil): %v", err)
	}
	if v != nil {
		t.Errorf("nil blob should decode as nil, got %v", v)
	}
}

func TestVectorCorruptionDetected(t *testing.T) {
	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated blob")
	}
}
