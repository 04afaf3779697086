package metadata

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/dsnet/compress/bzip2"

	"github.com/vsb-project/vsb/internal/hashutil"
)

// Line format (LF-terminated):
//
//	<status> <hash_hex> <device>:<inode>:<mtime_ns> <size> <path>\n
//
// splitn(5) on the first four spaces yields the fields; path may itself
// contain spaces but never CR or LF (rejected at write time).
const fieldCount = 5

// Writer emits manifest lines to a bzip2-compressed sink.
type Writer struct {
	bz  *bzip2.Writer
	buf *bufio.Writer
}

// NewWriter wraps sink in a buffered bzip2 compressor.
func NewWriter(sink io.Writer) (*Writer, error) {
	bz, err := bzip2.NewWriter(sink, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	if err != nil {
		return nil, fmt.Errorf("metadata: open bzip2 writer: %w", err)
	}
	return &Writer{bz: bz, buf: bufio.NewWriter(bz)}, nil
}

// WriteItem appends one manifest line. Returns an error (and writes
// nothing) if the item fails Validate.
func (w *Writer) WriteItem(it Item) error {
	if err := it.Validate(); err != nil {
		return err
	}
	line := fmt.Sprintf("%s %s %s %d %s\n",
		it.Status, it.Hash.String(), it.Fingerprint.String(), it.Size, it.Path)
	_, err := w.buf.WriteString(line)
	return err
}

// Finish flushes the buffered writer and closes the bzip2 stream. The
// underlying sink is left open for the caller to sync and close.
func (w *Writer) Finish() error {
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("metadata: flush: %w", err)
	}
	if err := w.bz.Close(); err != nil {
		return fmt.Errorf("metadata: close bzip2 writer: %w", err)
	}
	return nil
}

// ReadAll decompresses and parses every line in src. Any malformed line
// fails the whole read, matching the codec's all-or-nothing contract.
func ReadAll(src io.Reader) ([]Item, error) {
	bz, err := bzip2.NewReader(src, nil)
	if err != nil {
		return nil, fmt.Errorf("metadata: open bzip2 reader: %w", err)
	}
	defer bz.Close()

	var items []Item
	scanner := bufio.NewScanner(bz)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		it, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("metadata: line %d: %w", lineNo, err)
		}
		items = append(items, it)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("metadata: scan: %w", err)
	}
	return items, nil
}

func parseLine(line string) (Item, error) {
	fields := strings.SplitN(line, " ", fieldCount)
	if len(fields) != fieldCount {
		return Item{}, fmt.Errorf("malformed line %q: want %d fields, got %d", line, fieldCount, len(fields))
	}

	status := Status(fields[0])
	if status != StatusUnique && status != StatusExtern {
		return Item{}, fmt.Errorf("malformed line %q: invalid status %q", line, fields[0])
	}

	hash, err := hashutil.ParseHash(fields[1])
	if err != nil {
		return Item{}, fmt.Errorf("malformed line %q: %w", line, err)
	}

	fp, err := ParseFingerprint(fields[2])
	if err != nil {
		return Item{}, fmt.Errorf("malformed line %q: %w", line, err)
	}

	size, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Item{}, fmt.Errorf("malformed line %q: invalid size %q: %w", line, fields[3], err)
	}

	return Item{
		Status:      status,
		Hash:        hash,
		Fingerprint: fp,
		Size:        size,
		Path:        fields[4],
	}, nil
}
