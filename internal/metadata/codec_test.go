package metadata

import (
	"bytes"
	"strings"
	"testing"

	"github.com/vsb-project/vsb/internal/hashutil"
)

func sampleItems() []Item {
	return []Item{
		{
			Status:      StatusUnique,
			Hash:        hashutil.Empty(),
			Fingerprint: Fingerprint{Device: 1, Inode: 2, MtimeNs: 3},
			Size:        0,
			Path:        "a/b.txt",
		},
		{
			Status:      StatusExtern,
			Hash:        hashutil.Empty(),
			Fingerprint: Fingerprint{Device: 4, Inode: 5, MtimeNs: 6},
			Size:        1024,
			Path:        "with spaces/name.bin",
		},
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	for _, it := range sampleItems() {
		if err := w.WriteItem(it); err != nil {
			t.Fatalf("WriteItem(%+v): %v", it, err)
		}
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, err := ReadAll(&buf)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	want := sampleItems()
	if len(got) != len(want) {
		t.Fatalf("got %d items, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("item %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestWriteItemRejectsNewlineInPath(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	it := Item{Status: StatusUnique, Path: "bad\npath"}
	if err := w.WriteItem(it); err == nil {
		t.Error("expected error for path containing a newline")
	}
}

func TestWriteItemRejectsInvalidStatus(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	it := Item{Status: "bogus", Path: "x"}
	if err := w.WriteItem(it); err == nil {
		t.Error("expected error for invalid status")
	}
}

func TestReadAllRejectsMalformedLine(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	// Write a line directly that is missing fields.
	if _, err := w.buf.WriteString("unique onlyonefield\n"); err != nil {
		t.Fatalf("write raw line: %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	if _, err := ReadAll(&buf); err == nil {
		t.Error("expected error for malformed manifest line")
	}
}

func TestFingerprintRoundTrip(t *testing.T) {
	fp := Fingerprint{Device: 7, Inode: 42, MtimeNs: 1234567890}
	parsed, err := ParseFingerprint(fp.String())
	if err != nil {
		t.Fatalf("ParseFingerprint: %v", err)
	}
	if parsed != fp {
		t.Errorf("got %+v, want %+v", parsed, fp)
	}
}

func TestParseFingerprintRejectsMalformed(t *testing.T) {
	cases := []string{"", "1:2", "a:2:3", "1:b:3", "1:2:c"}
	for _, s := range cases {
		if _, err := ParseFingerprint(s); err == nil {
			t.Errorf("ParseFingerprint(%q): expected error", s)
		}
	}
}

func TestItemValidate(t *testing.T) {
	if err := (Item{Status: StatusUnique, Path: "ok"}).Validate(); err != nil {
		t.Errorf("expected valid item to pass, got %v", err)
	}
	if err := (Item{Status: StatusUnique, Path: "bad\rreturn"}).Validate(); err == nil {
		t.Error("expected CR in path to fail validation")
	}
	if err := (Item{Status: "weird", Path: "ok"}).Validate(); err == nil {
		t.Error("expected invalid status to fail validation")
	}
}

func TestReadAllSkipsBlankLines(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteItem(sampleItems()[0]); err != nil {
		t.Fatalf("WriteItem: %v", err)
	}
	if _, err := w.buf.WriteString("\n"); err != nil {
		t.Fatalf("write blank line: %v", err)
	}
	if err := w.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	items, err := ReadAll(&buf)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1 (blank line should be skipped)", len(items))
	}
}

func TestReadAllRejectsGarbage(t *testing.T) {
	if _, err := ReadAll(strings.NewReader("not a bzip2 stream")); err == nil {
		t.Error("expected error opening a non-bzip2 stream")
	}
}
