package main

import (
	"bytes"
	"io"
	"os"
	"testing"
)

func TestRunRequiresExactlyOneScopeFlag(t *testing.T) {
	null := devNullWriter(t)
	if code := run(nil, null, null); code != 2 {
		t.Fatalf("expected exit code 2 with no flags, got %d", code)
	}
	if code := run([]string{"--all", "--prefix", "entity_def:"}, null, null); code != 2 {
		t.Fatalf("expected exit code 2 with both flags, got %d", code)
	}
}

func TestRunDryRunReportsWithoutClearing(t *testing.T) {
	var stdout bytes.Buffer
	w, flush := pipeTo(t, &stdout)

	code := run([]string{"--all", "--dry-run"}, w, devNullWriter(t))
	flush()

	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !bytes.Contains(stdout.Bytes(), []byte("dry run")) {
		t.Fatalf("expected dry run message, got %q", stdout.String())
	}
}

func TestRunInvalidFlagReturnsArgError(t *testing.T) {
	null := devNullWriter(t)
	if code := run([]string{"--unknown"}, null, null); code != 2 {
		t.Fatalf("expected exit code 2 for unknown flag, got %d", code)
	}
}

func devNullWriter(t *testing.T) *os.File {
	t.Helper()
	f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open devnull: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

// pipeTo returns a writable *os.File whose contents land in buf once flush
// is called; run's os.File parameters rule out a plain io.Writer here.
func pipeTo(t *testing.T, buf *bytes.Buffer) (*os.File, func()) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	done := make(chan struct{})
	go func() {
		io.Copy(buf, r)
		close(done)
	}()
	return w, func() {
		w.Close()
		<-done
	}
}
