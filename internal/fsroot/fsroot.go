// Package fsroot adapts a directory on disk into a tftpd.RRQFactory
// and tftpd.WRQFactory pair, generalizing eahydra-gotftp's FileHandler
// (ReadFile/WriteFile/IsFileExist keyed by remote address) into the
// Source/Sink pull-push contract the new transfer machines drive.
package fsroot

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/eahydra/tftpd"
)

// Root serves RRQ/WRQ requests out of a single directory on disk.
// ReadOnly, when true, makes WRQFactory always fail — the caller
// should then leave Server.WRQFactory nil instead of wiring this in,
// but Root still refuses defensively if it is wired anyway.
type Root struct {
	Dir      string
	ReadOnly bool
}

func New(dir string, readOnly bool) *Root {
	return &Root{Dir: dir, ReadOnly: readOnly}
}

// resolve maps a request filename to a path inside Dir. The name is
// cleaned as if rooted at Dir, so a leading slash or ".." stays inside
// Dir instead of escaping it; a resolved path still falling outside
// Dir is rejected.
func (r *Root) resolve(name string) (string, error) {
	if name == "" || strings.Contains(name, "\x00") {
		return "", errors.New("invalid filename")
	}
	clean := filepath.Clean("/" + name)
	full := filepath.Join(r.Dir, clean)
	rel, err := filepath.Rel(r.Dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errors.New("path escapes root")
	}
	return full, nil
}

// RRQFactory implements tftpd.RRQFactory: each call opens the file and
// returns a Source that streams it in blockSize chunks, closing the
// file once the terminal short block has been produced.
func (r *Root) RRQFactory(filename string) (tftpd.Source, int64, error) {
	path, err := r.resolve(filename)
	if err != nil {
		return nil, -1, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, -1, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, -1, err
	}

	done := false
	src := func(blockSize int) (bool, []byte) {
		if done {
			return false, nil
		}
		buf := make([]byte, blockSize)
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			done = true
			f.Close()
			return false, nil
		}
		if n < blockSize {
			done = true
			f.Close()
		}
		return true, buf[:n]
	}
	return src, info.Size(), nil
}

// WRQFactory implements tftpd.WRQFactory: each call creates (or
// truncates) the file and returns a Sink that appends successive
// blocks, closing on the final call.
func (r *Root) WRQFactory(filename string) (tftpd.Sink, error) {
	if r.ReadOnly {
		return nil, errors.New("root is read-only")
	}
	path, err := r.resolve(filename)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, err
	}

	sink := func(data []byte, final bool) error {
		if len(data) > 0 {
			if _, err := f.Write(data); err != nil {
				f.Close()
				return err
			}
		}
		if final {
			return f.Close()
		}
		return nil
	}
	return sink, nil
}
