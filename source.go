package tftpd

// Source is the pull-style callback a read (RRQ) transfer drives,
// parameterized per-call by the negotiated block size. Each call returns one of three outcomes:
//
//   - (true, data) with 0 <= len(data) <= blockSize: one block of
//     payload. A short block (len(data) < blockSize, including zero)
//     is the terminal frame.
//   - (true, nil): no data is ready yet; this is cooperative
//     back-pressure, not an error or end-of-stream. The machine
//     re-enters Source on its next scheduling turn.
//   - (false, _): the stream is exhausted; the machine discards any
//     data returned with it and sends a zero-length DATA frame as the
//     terminal frame.
//
// A Source's lifetime is strictly contained within its transfer's; it
// receives no explicit shutdown signal and must tolerate being
// dropped without a final call.
type Source func(blockSize int) (cont bool, data []byte)

// Sink is the push-style callback a write (WRQ) transfer drives.
// final is true on the last call (a short or empty final frame); on a
// transfer that completes, the sink is called exactly once with
// final == true, and never again afterward. A transfer that fails or
// times out drops the sink without a final call, and a sink that
// returns an error is not called again.
type Sink func(data []byte, final bool) error

// RRQFactory is invoked once per incoming RRQ. It returns a Source and
// the transfer's total size if known (used to answer a negotiated
// tsize); a negative size means "unknown", which causes tsize to be
// dropped rather than echoed.
//
// A factory that returns an error because filename is invalid or does
// not exist causes the dispatcher to reply ERROR(1, "File not
// found"); any other failure during the transfer, including a panic
// in Source or Sink, terminates it with ERROR(0, "An unknown error
// occurred").
type RRQFactory func(filename string) (src Source, totalSize int64, err error)

// WRQFactory is invoked once per incoming WRQ and returns the Sink
// that will receive the uploaded bytes. A nil WRQFactory on a Server
// makes it reject every WRQ with ERROR(4) at accept time.
type WRQFactory func(filename string) (sink Sink, err error)
