package fsroot

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestRoundTripReadWrite(t *testing.T) {
	dir := t.TempDir()
	root := New(dir, false)

	want := bytes.Repeat([]byte("0123456789"), 100)
	sink, err := root.WRQFactory("upload.bin")
	if err != nil {
		t.Fatalf("WRQFactory: %v", err)
	}
	const chunk = 250
	for i := 0; i < len(want); i += chunk {
		end := i + chunk
		final := end >= len(want)
		if end > len(want) {
			end = len(want)
		}
		if err := sink(want[i:end], final); err != nil {
			t.Fatalf("sink: %v", err)
		}
	}

	src, size, err := root.RRQFactory("upload.bin")
	if err != nil {
		t.Fatalf("RRQFactory: %v", err)
	}
	if size != int64(len(want)) {
		t.Fatalf("got size %d want %d", size, len(want))
	}
	var got []byte
	for {
		cont, data := src(128)
		if !cont {
			break
		}
		got = append(got, data...)
		if len(data) < 128 {
			break
		}
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %d bytes want %d", len(got), len(want))
	}
}

func TestRejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	// Plant a file just outside dir to confirm it's unreachable.
	outside := filepath.Join(filepath.Dir(dir), "secret.txt")
	if err := os.WriteFile(outside, []byte("do not serve this"), 0o644); err == nil {
		defer os.Remove(outside)
	}

	root := New(dir, false)
	if _, _, err := root.RRQFactory("../secret.txt"); err == nil {
		t.Fatal("expected a path-traversal filename to be rejected")
	}
	// An absolute-looking filename is contained rather than rejected
	// outright: it resolves to a (nonexistent) path inside dir, so it
	// surfaces as an ordinary not-found error, never as a file outside
	// dir.
	if _, _, err := root.RRQFactory("/etc/passwd"); err == nil {
		t.Fatal("expected /etc/passwd, resolved inside the root, not to exist")
	}
}

func TestReadOnlyRejectsWRQ(t *testing.T) {
	dir := t.TempDir()
	root := New(dir, true)
	if _, err := root.WRQFactory("x.bin"); err == nil {
		t.Fatal("expected WRQFactory to fail on a read-only root")
	}
}
