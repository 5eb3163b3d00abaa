package tftpd

import (
	"bytes"
	"testing"
)

func TestEncodeParseRequest(t *testing.T) {
	tests := []struct {
		name string
		op   Opcode
		file string
		mode string
		opts Options
	}{
		{"rrq, no options", OpRRQ, "boot.bin", ModeOctet, nil},
		{"wrq, no options", OpWRQ, "upload.img", ModeOctet, nil},
		{"rrq, with options", OpRRQ, "firmware.bin", ModeOctet, Options{"blksize": "1024", "timeout": "3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := EncodeRequest(tt.op, tt.file, tt.mode, tt.opts)
			if err != nil {
				t.Fatalf("EncodeRequest: %v", err)
			}
			req, err := ParseRequest(b)
			if err != nil {
				t.Fatalf("ParseRequest: %v", err)
			}
			if req.Opcode != tt.op || req.Filename != tt.file || req.Mode != tt.mode {
				t.Fatalf("round trip mismatch: got %+v", req)
			}
			for k, v := range tt.opts {
				if req.Options[k] != v {
					t.Errorf("option %q: got %q want %q", k, req.Options[k], v)
				}
			}
		})
	}
}

func TestParseRequestRejectsNonNetASCIIFilename(t *testing.T) {
	b, err := EncodeRequest(OpRRQ, "ok.bin", ModeOctet, nil)
	if err != nil {
		t.Fatal(err)
	}
	// Corrupt the filename with a raw DEL byte, which netascii excludes.
	idx := bytes.IndexByte(b[2:], 'o') + 2
	b[idx] = 0x7f
	if _, err := ParseRequest(b); err == nil {
		t.Fatal("expected netascii validation to reject a DEL byte in the filename")
	}
}

func TestEncodeParseData(t *testing.T) {
	payload := []byte("hello, tftp")
	frame, err := EncodeData(7, payload, 512)
	if err != nil {
		t.Fatal(err)
	}
	block, body, err := ParseData(frame, 512)
	if err != nil {
		t.Fatal(err)
	}
	if block != 7 || !bytes.Equal(body, payload) {
		t.Fatalf("got block=%d body=%q", block, body)
	}
}

func TestEncodeDataRejectsOversizedPayload(t *testing.T) {
	if _, err := EncodeData(1, make([]byte, 600), 512); err == nil {
		t.Fatal("expected EncodeData to reject a payload larger than blockSize")
	}
}

func TestEncodeParseAck(t *testing.T) {
	frame := EncodeAck(42)
	block, err := ParseAck(frame)
	if err != nil {
		t.Fatal(err)
	}
	if block != 42 {
		t.Fatalf("got block %d want 42", block)
	}
}

func TestEncodeParseError(t *testing.T) {
	we := NewWireError(ErrFileNotFound)
	frame := EncodeError(we)
	got, err := ParseError(frame)
	if err != nil {
		t.Fatal(err)
	}
	if got.Code != ErrFileNotFound || got.Message != we.Message {
		t.Fatalf("got %+v want %+v", got, we)
	}
}

func TestEncodeParseOACK(t *testing.T) {
	opts := Options{"blksize": "1024", "tsize": "2048"}
	frame, err := EncodeOACK(opts)
	if err != nil {
		t.Fatal(err)
	}
	got, err := ParseOACK(frame)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range opts {
		if got[k] != v {
			t.Errorf("option %q: got %q want %q", k, got[k], v)
		}
	}
}

func TestPeekOpcode(t *testing.T) {
	frame := EncodeAck(1)
	op, err := PeekOpcode(frame)
	if err != nil {
		t.Fatal(err)
	}
	if op != OpACK {
		t.Fatalf("got opcode %d want OpACK", op)
	}
	if _, err := PeekOpcode([]byte{0x00}); err == nil {
		t.Fatal("expected PeekOpcode to reject a truncated frame")
	}
}
