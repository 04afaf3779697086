package hashutil

import (
	"bytes"
	"crypto/sha512"
	"io"
	"strings"
	"testing"
)

func TestHashStringRoundTrip(t *testing.T) {
	sum := sha512.Sum512([]byte("hello"))
	h := Hash(sum)

	parsed, err := ParseHash(h.String())
	if err != nil {
		t.Fatalf("ParseHash: %v", err)
	}
	if parsed != h {
		t.Errorf("round trip mismatch: got %x want %x", parsed, h)
	}
}

func TestParseHashRejectsBadInput(t *testing.T) {
	cases := []string{
		"",
		"not-hex",
		"deadbeef", // valid hex, wrong length
	}
	for _, s := range cases {
		if _, err := ParseHash(s); err == nil {
			t.Errorf("ParseHash(%q): expected error, got nil", s)
		}
	}
}

func TestEmptyHash(t *testing.T) {
	want := sha512.Sum512(nil)
	if Empty() != Hash(want) {
		t.Error("Empty() does not match sha512 of zero bytes")
	}
}

func TestFileReaderExactRead(t *testing.T) {
	data := []byte("the quick brown fox")
	fr := NewFileReader(bytes.NewReader(data), int64(len(data)))

	got, err := io.ReadAll(fr)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("got %q want %q", got, data)
	}
	if fr.Truncated() {
		t.Error("should not report truncated when source matches declared size")
	}
	if fr.BytesRead() != int64(len(data)) {
		t.Errorf("BytesRead() = %d, want %d", fr.BytesRead(), len(data))
	}
	if fr.Hash() != Hash(sha512.Sum512(data)) {
		t.Error("hash does not match sha512 of the source data")
	}
}

func TestFileReaderTruncatedSourcePads(t *testing.T) {
	data := []byte("short")
	declared := int64(len(data) + 10)
	fr := NewFileReader(bytes.NewReader(data), declared)

	got, err := io.ReadAll(fr)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if int64(len(got)) != declared {
		t.Fatalf("got %d bytes, want %d", len(got), declared)
	}
	if !bytes.Equal(got[:len(data)], data) {
		t.Errorf("prefix mismatch: got %q want %q", got[:len(data)], data)
	}
	for i, b := range got[len(data):] {
		if b != 0 {
			t.Errorf("padding byte %d = %d, want 0", i, b)
		}
	}
	if !fr.Truncated() {
		t.Error("expected Truncated() to be true")
	}
	if fr.BytesRead() != int64(len(data)) {
		t.Errorf("BytesRead() = %d, want %d (padding must not count)", fr.BytesRead(), len(data))
	}
	if fr.Hash() != Hash(sha512.Sum512(data)) {
		t.Error("hash must reflect only the real bytes, not the padding")
	}
}

func TestFileReaderZeroLength(t *testing.T) {
	fr := NewFileReader(strings.NewReader("ignored"), 0)
	got, err := io.ReadAll(fr)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected 0 bytes, got %d", len(got))
	}
	if fr.Hash() != Empty() {
		t.Error("zero-length reader should hash to the empty-string digest")
	}
}

func TestFileReaderNegativeLengthTreatedAsZero(t *testing.T) {
	fr := NewFileReader(strings.NewReader("ignored"), -5)
	got, err := io.ReadAll(fr)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected 0 bytes for negative declared size, got %d", len(got))
	}
}
