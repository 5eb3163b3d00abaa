package tftpd

import "strconv"

// Negotiated carries the effective per-transfer parameters derived
// from option negotiation, plus the accepted option
// set that becomes the OACK body.
type Negotiated struct {
	BlockSize int
	Timeout   int // seconds
	Accepted  Options
}

// negotiate filters opts to the supported set, clamps blksize/timeout,
// and — for RRQ — rewrites tsize with sizeHint. sizeHint < 0 means
// "unknown";.F step 4, an unknown hint drops tsize
// rather than echoing the client's placeholder value.
//
// negotiate is idempotent on its own output: feeding Negotiated.Accepted
// back in yields the same Negotiated,
// because every value it produces is already clamped and already a
// concrete tsize.
func negotiate(opts Options, isRRQ bool, sizeHint int64) Negotiated {
	n := Negotiated{
		BlockSize: defaultBlockSize,
		Timeout:   defaultTimeoutSeconds,
		Accepted:  Options{},
	}

	if v, ok := opts["blksize"]; ok {
		if size, err := strconv.Atoi(v); err == nil {
			if size < minBlockSize {
				size = minBlockSize
			}
			if size > maxBlockSize {
				size = maxBlockSize
			}
			n.BlockSize = size
			n.Accepted["blksize"] = strconv.Itoa(size)
		}
	}

	if v, ok := opts["timeout"]; ok {
		if secs, err := strconv.Atoi(v); err == nil {
			if secs < minTimeoutSeconds {
				secs = minTimeoutSeconds
			}
			if secs > maxTimeoutSeconds {
				secs = maxTimeoutSeconds
			}
			n.Timeout = secs
			n.Accepted["timeout"] = strconv.Itoa(secs)
		}
	}

	if _, ok := opts["tsize"]; ok {
		if isRRQ {
			if sizeHint >= 0 {
				n.Accepted["tsize"] = strconv.FormatInt(sizeHint, 10)
			}
			// sizeHint unknown: option dropped, no entry written.
		} else {
			// WRQ: echo the client's own declared upload size
			// verbatim, it is not ours to rewrite.
			n.Accepted["tsize"] = opts["tsize"]
		}
	}

	return n
}

// wantsOACK reports whether negotiation produced anything to
// acknowledge. An empty accepted set suppresses the OACK entirely
//: the transfer proceeds as if no options had
// been requested at all.
func (n Negotiated) wantsOACK() bool {
	return len(n.Accepted) > 0
}
