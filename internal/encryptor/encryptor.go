// Package encryptor wraps an external gpg subprocess to symmetrically
// encrypt the plaintext tar stream produced by the archiver before it is
// split and uploaded.
package encryptor

import (
	"bytes"
	"context"
	"fmt"
	"hash"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/vsb-project/vsb/internal/util/buffers"
)

// Sender is the output side of the encryptor: ciphertext bytes, followed by
// a terminal record carrying the plaintext content hash (or an error).
type Sender interface {
	Send(payload []byte, eof bool, checksum string, err error)
}

// Encryptor runs `gpg --symmetric` (or equivalent) as a subprocess, feeding
// it plaintext on stdin and relaying its stdout as ciphertext to out, while
// hashing the plaintext with hasher as it is written.
type Encryptor struct {
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	passWrite *os.File
	hasher    hash.Hash

	out Sender

	stderr bytes.Buffer
	wg     sync.WaitGroup

	mu       sync.Mutex
	finished bool
}

// New starts gpg with the given passphrase, streaming ciphertext to out via
// Sender.Send and hashing the plaintext with hasher (hasher may be nil for
// providers with no content-verification scheme; the terminal record then
// carries an empty checksum).
func New(ctx context.Context, passphrase string, hasher hash.Hash, out Sender) (*Encryptor, error) {
	passRead, passWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("encryptor: create passphrase pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, "gpg",
		"--batch", "--yes", "--quiet",
		"--pinentry-mode", "loopback",
		"--passphrase-fd", "3",
		"--symmetric", "--cipher-algo", "AES256",
		"--output", "-")
	cmd.ExtraFiles = []*os.File{passRead}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		passRead.Close()
		passWrite.Close()
		return nil, fmt.Errorf("encryptor: open gpg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		passRead.Close()
		passWrite.Close()
		return nil, fmt.Errorf("encryptor: open gpg stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		passRead.Close()
		passWrite.Close()
		return nil, fmt.Errorf("encryptor: open gpg stderr: %w", err)
	}

	e := &Encryptor{cmd: cmd, stdin: stdin, passWrite: passWrite, hasher: hasher, out: out}

	if err := cmd.Start(); err != nil {
		passRead.Close()
		passWrite.Close()
		return nil, fmt.Errorf("encryptor: start gpg: %w", err)
	}
	passRead.Close() // the child now owns its end via ExtraFiles

	if _, err := passWrite.WriteString(passphrase); err != nil {
		return nil, fmt.Errorf("encryptor: write passphrase: %w", err)
	}
	passWrite.Close()

	e.wg.Add(2)
	go e.drainStdout(stdout)
	go e.drainStderr(stderr)

	return e, nil
}

func (e *Encryptor) drainStdout(stdout io.Reader) {
	defer e.wg.Done()
	buf := buffers.Get()
	defer buffers.Put(buf)
	for {
		n, err := stdout.Read(*buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, (*buf)[:n])
			e.out.Send(chunk, false, "", nil)
		}
		if err != nil {
			return
		}
	}
}

func (e *Encryptor) drainStderr(stderr io.Reader) {
	defer e.wg.Done()
	io.Copy(&e.stderr, stderr)
}

// Write feeds plaintext to gpg's stdin and updates the running digest.
func (e *Encryptor) Write(p []byte) (int, error) {
	if e.hasher != nil {
		e.hasher.Write(p)
	}
	return e.stdin.Write(p)
}

// Finish closes stdin, waits for gpg to exit, and reports the terminal
// record on out. If callerErr is non-nil it is reported instead of a
// success record, and gpg's exit status is not treated as authoritative
// (the caller already failed upstream).
func (e *Encryptor) Finish(callerErr error) error {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return nil
	}
	e.finished = true
	e.mu.Unlock()

	e.stdin.Close()
	e.wg.Wait()

	waitErr := e.cmd.Wait()

	if callerErr != nil {
		e.out.Send(nil, true, "", callerErr)
		return callerErr
	}
	if waitErr != nil {
		err := fmt.Errorf("encryptor: gpg exited with error: %w: %s", waitErr, lastLines(e.stderr.String(), 20))
		e.out.Send(nil, true, "", err)
		return err
	}

	var checksum string
	if e.hasher != nil {
		checksum = fmt.Sprintf("%x", e.hasher.Sum(nil))
	}
	e.out.Send(nil, true, checksum, nil)
	return nil
}

func lastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return "(no stderr output)"
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
