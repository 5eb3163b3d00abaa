package tftpd

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Opcode identifies the frame type of a TFTP packet (RFC 1350 §5,
// RFC 2347 for OACK).
type Opcode uint16

const (
	OpRRQ   Opcode = 1
	OpWRQ   Opcode = 2
	OpDATA  Opcode = 3
	OpACK   Opcode = 4
	OpERROR Opcode = 5
	OpOACK  Opcode = 6
)

const (
	ModeOctet = "octet"

	minBlockSize     = 8
	maxBlockSize     = 65464
	defaultBlockSize = 512

	minTimeoutSeconds     = 1
	maxTimeoutSeconds     = 255
	defaultTimeoutSeconds = 5
)

// isNetASCII reports whether b is admissible in a netascii filename:
// printable ASCII, or one of a handful of control characters carved
// out for it (NUL, BEL, BS, TAB, LF, VT, FF, CR).
func isNetASCII(b byte) bool {
	if b >= 32 && b <= 126 {
		return true
	}
	switch b {
	case 0, 7, 8, 9, 10, 11, 12, 13:
		return true
	}
	return false
}

// validateNetASCII reports the first offending byte, if any.
func validateNetASCII(s string) error {
	for i := 0; i < len(s); i++ {
		if !isNetASCII(s[i]) {
			return fmt.Errorf("byte 0x%02x at offset %d is not netascii", s[i], i)
		}
	}
	return nil
}

// Options is a lowercase option-name to lowercase value-string mapping
// parsed from (or destined for) an xRQ or OACK frame.
type Options map[string]string

// Request is the immutable value parsed from an opening RRQ/WRQ
// datagram.
type Request struct {
	Opcode   Opcode
	Filename string
	Mode     string
	Options  Options
}

func appendCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

func readCString(b []byte) (string, []byte, bool) {
	off := bytes.IndexByte(b, 0)
	if off == -1 {
		return "", nil, false
	}
	return string(b[:off]), b[off+1:], true
}

// EncodeRequest builds an RRQ or WRQ frame. The filename must pass the
// netascii predicate; mode is written verbatim (callers are expected
// to pass ModeOctet — netascii and mail transfer modes are out of
// scope as features, but the codec itself stays mode-agnostic so the
// gate lives in request parsing/validation, not here).
func EncodeRequest(op Opcode, filename, mode string, opts Options) ([]byte, error) {
	if op != OpRRQ && op != OpWRQ {
		return nil, fmt.Errorf("tftpd: EncodeRequest: opcode %d is not RRQ/WRQ", op)
	}
	if err := validateNetASCII(filename); err != nil {
		return nil, fmt.Errorf("tftpd: EncodeRequest: filename: %w", err)
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint16(op))
	appendCString(buf, filename)
	appendCString(buf, mode)
	for k, v := range opts {
		appendCString(buf, k)
		appendCString(buf, v)
	}
	return buf.Bytes(), nil
}

// EncodeData builds a DATA frame. block must be nonzero (block 0 is
// reserved for the OACK-ack) and payload must not exceed maxPayload.
func EncodeData(block uint16, payload []byte, maxPayload int) ([]byte, error) {
	if block == 0 {
		return nil, fmt.Errorf("tftpd: EncodeData: block number must not be zero")
	}
	if len(payload) > maxPayload {
		return nil, fmt.Errorf("tftpd: EncodeData: payload of %d bytes exceeds block size %d", len(payload), maxPayload)
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpDATA))
	binary.BigEndian.PutUint16(buf[2:4], block)
	copy(buf[4:], payload)
	return buf, nil
}

// EncodeAck builds an ACK frame.
func EncodeAck(block uint16) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], uint16(OpACK))
	binary.BigEndian.PutUint16(buf[2:4], block)
	return buf
}

// EncodeError builds an ERROR frame from a WireError.
func EncodeError(e *WireError) []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint16(OpERROR))
	binary.Write(buf, binary.BigEndian, uint16(e.Code))
	appendCString(buf, e.Message)
	return buf.Bytes()
}

// EncodeOACK builds an OACK frame. Option names must be netascii; that
// constraint applies only to xRQ/OACK key/value text, not to arbitrary
// payload bytes elsewhere on the wire.
func EncodeOACK(opts Options) ([]byte, error) {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, uint16(OpOACK))
	for k, v := range opts {
		if err := validateNetASCII(k); err != nil {
			return nil, fmt.Errorf("tftpd: EncodeOACK: option name: %w", err)
		}
		appendCString(buf, k)
		appendCString(buf, v)
	}
	return buf.Bytes(), nil
}

// PeekOpcode reads the two-byte opcode without otherwise parsing b.
func PeekOpcode(b []byte) (Opcode, error) {
	if len(b) < 2 {
		return 0, fmt.Errorf("tftpd: packet too short to carry an opcode")
	}
	return Opcode(binary.BigEndian.Uint16(b[0:2])), nil
}

// ParseRequest parses a full RRQ/WRQ frame, opcode included; b[0:2]
// must hold OpRRQ or OpWRQ.
func ParseRequest(b []byte) (*Request, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("tftpd: ParseRequest: packet too short")
	}
	op := Opcode(binary.BigEndian.Uint16(b[0:2]))
	if op != OpRRQ && op != OpWRQ {
		return nil, fmt.Errorf("tftpd: ParseRequest: opcode %d is not RRQ/WRQ", op)
	}
	rest := b[2:]

	filename, rest, ok := readCString(rest)
	if !ok {
		return nil, fmt.Errorf("tftpd: ParseRequest: unterminated filename")
	}
	if filename == "" {
		return nil, fmt.Errorf("tftpd: ParseRequest: empty filename")
	}
	if err := validateNetASCII(filename); err != nil {
		return nil, fmt.Errorf("tftpd: ParseRequest: filename: %w", err)
	}

	mode, rest, ok := readCString(rest)
	if !ok {
		return nil, fmt.Errorf("tftpd: ParseRequest: unterminated mode")
	}
	mode = lowerASCII(mode)

	opts := Options{}
	for len(rest) > 0 {
		var name, value string
		name, rest, ok = readCString(rest)
		if !ok {
			return nil, fmt.Errorf("tftpd: ParseRequest: unterminated option name")
		}
		value, rest, ok = readCString(rest)
		if !ok {
			return nil, fmt.Errorf("tftpd: ParseRequest: unterminated value for option %q", name)
		}
		// Duplicate option names: last-write-wins, permitted but
		// worth a log line at the call site.
		opts[lowerASCII(name)] = lowerASCII(value)
	}

	return &Request{Opcode: op, Filename: filename, Mode: mode, Options: opts}, nil
}

// ParseData parses a DATA frame. maxPayload is the negotiated block
// size for this transfer, never a hard-coded 512, so a negotiated
// blksize option is honored rather than silently truncated.
func ParseData(b []byte, maxPayload int) (block uint16, payload []byte, err error) {
	if len(b) < 4 {
		return 0, nil, fmt.Errorf("tftpd: ParseData: packet too short")
	}
	op := Opcode(binary.BigEndian.Uint16(b[0:2]))
	if op != OpDATA {
		return 0, nil, fmt.Errorf("tftpd: ParseData: opcode %d is not DATA", op)
	}
	block = binary.BigEndian.Uint16(b[2:4])
	payload = b[4:]
	if len(payload) > maxPayload {
		return 0, nil, fmt.Errorf("tftpd: ParseData: payload of %d bytes exceeds block size %d", len(payload), maxPayload)
	}
	return block, payload, nil
}

// ParseAck parses an ACK frame.
func ParseAck(b []byte) (block uint16, err error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("tftpd: ParseAck: packet must be exactly 4 bytes, got %d", len(b))
	}
	op := Opcode(binary.BigEndian.Uint16(b[0:2]))
	if op != OpACK {
		return 0, fmt.Errorf("tftpd: ParseAck: opcode %d is not ACK", op)
	}
	return binary.BigEndian.Uint16(b[2:4]), nil
}

// ParseError parses an ERROR frame.
func ParseError(b []byte) (*WireError, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("tftpd: ParseError: packet too short")
	}
	op := Opcode(binary.BigEndian.Uint16(b[0:2]))
	if op != OpERROR {
		return nil, fmt.Errorf("tftpd: ParseError: opcode %d is not ERROR", op)
	}
	code := ErrorCode(binary.BigEndian.Uint16(b[2:4]))
	msg, _, ok := readCString(b[4:])
	if !ok {
		return nil, fmt.Errorf("tftpd: ParseError: unterminated message")
	}
	return &WireError{Code: code, Message: msg}, nil
}

// ParseOACK parses an OACK frame.
func ParseOACK(b []byte) (Options, error) {
	if len(b) < 2 {
		return nil, fmt.Errorf("tftpd: ParseOACK: packet too short")
	}
	op := Opcode(binary.BigEndian.Uint16(b[0:2]))
	if op != OpOACK {
		return nil, fmt.Errorf("tftpd: ParseOACK: opcode %d is not OACK", op)
	}
	rest := b[2:]
	opts := Options{}
	for len(rest) > 0 {
		var name, value string
		var ok bool
		name, rest, ok = readCString(rest)
		if !ok {
			return nil, fmt.Errorf("tftpd: ParseOACK: unterminated option name")
		}
		value, rest, ok = readCString(rest)
		if !ok {
			return nil, fmt.Errorf("tftpd: ParseOACK: unterminated value for option %q", name)
		}
		opts[lowerASCII(name)] = lowerASCII(value)
	}
	return opts, nil
}

func lowerASCII(s string) string {
	b := []byte(s)
	changed := false
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
			changed = true
		}
	}
	if !changed {
		return s
	}
	return string(b)
}
