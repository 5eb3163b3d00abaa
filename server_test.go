package tftpd_test

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/eahydra/tftpd"
	"github.com/eahydra/tftpd/internal/testclient"
)

func startTestServer(t *testing.T, rrq tftpd.RRQFactory, wrq tftpd.WRQFactory) (*tftpd.Server, *testclient.Client) {
	t.Helper()
	srv := tftpd.NewServer(rrq, wrq)
	if err := srv.Listen([]string{"127.0.0.1"}, 0); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })

	client, err := testclient.NewClient(srv.Addr().String(), time.Second, 5)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func sourceFromBytes(content []byte) tftpd.RRQFactory {
	return func(filename string) (tftpd.Source, int64, error) {
		pos := 0
		src := func(blockSize int) (bool, []byte) {
			if pos >= len(content) {
				return true, nil
			}
			end := pos + blockSize
			if end > len(content) {
				end = len(content)
			}
			chunk := content[pos:end]
			pos = end
			return true, chunk
		}
		return src, int64(len(content)), nil
	}
}

func TestRRQDownloadSmallFile(t *testing.T) {
	want := []byte("the quick brown fox jumps over the lazy dog")
	_, client := startTestServer(t, sourceFromBytes(want), nil)

	var buf bytes.Buffer
	if err := client.Get("file.bin", &buf, nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("got %q want %q", buf.Bytes(), want)
	}
}

func TestRRQDownloadSpanningMultipleBlocks(t *testing.T) {
	want := bytes.Repeat([]byte("0123456789"), 200) // 2000 bytes, > one 512 block
	_, client := startTestServer(t, sourceFromBytes(want), nil)

	var buf bytes.Buffer
	if err := client.Get("big.bin", &buf, nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("length got %d want %d", buf.Len(), len(want))
	}
}

func TestRRQDownloadWithBlockSizeOption(t *testing.T) {
	want := bytes.Repeat([]byte("A"), 3000)
	_, client := startTestServer(t, sourceFromBytes(want), nil)

	var buf bytes.Buffer
	opts := tftpd.Options{"blksize": "1024"}
	if err := client.Get("big.bin", &buf, opts); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(buf.Bytes(), want) {
		t.Fatalf("length got %d want %d", buf.Len(), len(want))
	}
}

func TestRRQFileNotFound(t *testing.T) {
	missing := func(filename string) (tftpd.Source, int64, error) {
		return nil, -1, &tftpd.WireError{Code: tftpd.ErrFileNotFound}
	}
	_, client := startTestServer(t, missing, nil)

	var buf bytes.Buffer
	err := client.Get("nope.bin", &buf, nil)
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	we, ok := err.(*tftpd.WireError)
	if !ok {
		t.Fatalf("expected a *WireError, got %T: %v", err, err)
	}
	if we.Code != tftpd.ErrFileNotFound {
		t.Fatalf("got code %d want %d", we.Code, tftpd.ErrFileNotFound)
	}
}

func TestWRQUploadRoundTrip(t *testing.T) {
	var uploaded bytes.Buffer
	wrq := func(filename string) (tftpd.Sink, error) {
		return func(data []byte, final bool) error {
			uploaded.Write(data)
			return nil
		}, nil
	}
	_, client := startTestServer(t, nil, wrq)

	payload := bytes.Repeat([]byte("upload-me"), 100)
	if err := client.Put("dest.bin", bytes.NewReader(payload), nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !bytes.Equal(uploaded.Bytes(), payload) {
		t.Fatalf("uploaded mismatch: got %d bytes want %d", uploaded.Len(), len(payload))
	}
}

func TestWRQRejectedWithoutFactory(t *testing.T) {
	_, client := startTestServer(t, sourceFromBytes([]byte("x")), nil)

	err := client.Put("dest.bin", strings.NewReader("nope"), nil)
	if err == nil {
		t.Fatal("expected WRQ to be rejected when no WRQFactory is configured")
	}
	we, ok := err.(*tftpd.WireError)
	if !ok || we.Code != tftpd.ErrIllegalOperation {
		t.Fatalf("got %v, want ERROR(ErrIllegalOperation)", err)
	}
}

func TestWRQDiskFullAbortsTransfer(t *testing.T) {
	wrq := func(filename string) (tftpd.Sink, error) {
		return func(data []byte, final bool) error {
			return &tftpd.WireError{Code: tftpd.ErrDiskFull}
		}, nil
	}
	_, client := startTestServer(t, nil, wrq)

	err := client.Put("dest.bin", bytes.NewReader([]byte("some bytes")), nil)
	if err == nil {
		t.Fatal("expected an error when the sink reports disk full")
	}
	we, ok := err.(*tftpd.WireError)
	if !ok || we.Code != tftpd.ErrDiskFull {
		t.Fatalf("got %v, want ERROR(ErrDiskFull)", err)
	}
}
