package tftpd

import "fmt"

// ErrorCode is one of the fixed TFTP wire error codes (RFC 1350 §5).
type ErrorCode uint16

const (
	ErrNotDefined          ErrorCode = 0
	ErrFileNotFound        ErrorCode = 1
	ErrAccessViolation     ErrorCode = 2
	ErrDiskFull            ErrorCode = 3
	ErrIllegalOperation    ErrorCode = 4
	ErrUnknownTransferID   ErrorCode = 5
	ErrFileAlreadyExists   ErrorCode = 6
	ErrNoSuchUser          ErrorCode = 7
)

// standardMessage holds the fixed text for a code. The ErrNotDefined
// entry only names the code; the server sends code 0 with a free-text
// message built by NewFreeTextError.
var standardMessage = map[ErrorCode]string{
	ErrNotDefined:        "Not defined",
	ErrFileNotFound:      "File not found",
	ErrAccessViolation:   "Access violation",
	ErrDiskFull:          "Disk full or allocation exceeded",
	ErrIllegalOperation:  "Illegal TFTP operation",
	ErrUnknownTransferID: "Unknown transfer ID",
	ErrFileAlreadyExists: "File already exists",
	ErrNoSuchUser:        "No such user",
}

// WireError is a TFTP ERROR packet: a fixed code and its text. It
// satisfies the standard error interface so it can be returned and
// compared like any other Go error.
type WireError struct {
	Code    ErrorCode
	Message string
}

func (e *WireError) Error() string {
	return fmt.Sprintf("tftp error %d: %s", e.Code, e.Message)
}

// NewWireError builds a WireError for a standard code, using the fixed
// table text.
func NewWireError(code ErrorCode) *WireError {
	return &WireError{Code: code, Message: standardMessage[code]}
}

// NewFreeTextError builds a WireError carrying code 0 ("Not defined")
// and caller-supplied free text. Callers never construct a WireError
// with an arbitrary code and arbitrary text together outside this
// pair of constructors, so the two variants (fixed-code / free-text)
// stay distinct at the call site.
func NewFreeTextError(format string, args ...interface{}) *WireError {
	return &WireError{Code: ErrNotDefined, Message: fmt.Sprintf(format, args...)}
}
