package tftpd

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// MaxRetries bounds per-packet retransmission before a transfer is
// abandoned.
const MaxRetries = 10

type rrqState int

const (
	rrqAwaitOackAck rrqState = iota
	rrqAwaitAck
	rrqPull // source deferred; call it again on the next scheduling turn
	rrqDone
	rrqFail
)

// outcome is what Start/Resume hand back to the dispatcher: either a
// new (interest, deadline) to suspend on, or a terminal result.
type outcome struct {
	Interest Interest
	Deadline time.Time
	Finished bool
	Err      error
}

// rrqTransfer is the explicit state-machine rendering of a transfer
// coroutine: every suspension point returns from a method instead of
// yielding, and resumption dispatches on state.
type rrqTransfer struct {
	ep      *Endpoint
	peer    *net.UDPAddr
	source  Source
	neg     Negotiated
	log     logrus.FieldLogger
	metrics *metricsSet

	state           rrqState
	block           uint16
	retries         int
	timeout         time.Duration
	currentDeadline time.Time
	pending         []byte // last DATA (or OACK) frame sent, kept for retransmit
	lastSent        bool   // true once the terminal short/empty frame has gone out
	// sendBlocked is true while pending has not gone out because its
	// send would block; blockedState is the state to enter once it does.
	sendBlocked  bool
	blockedState rrqState
}

func newRRQTransfer(ep *Endpoint, peer *net.UDPAddr, source Source, neg Negotiated, log logrus.FieldLogger, metrics *metricsSet) *rrqTransfer {
	return &rrqTransfer{
		ep:      ep,
		peer:    peer,
		source:  source,
		neg:     neg,
		log:     log,
		metrics: metrics,
		block:   1,
		timeout: time.Duration(neg.Timeout) * time.Second,
	}
}

// Start begins the machine: the OACK handshake if options were
// negotiated, otherwise the first pull.
func (t *rrqTransfer) Start(now time.Time) outcome {
	if t.neg.wantsOACK() {
		frame, err := EncodeOACK(t.neg.Accepted)
		if err != nil {
			return t.fail(NewFreeTextError("%v", err))
		}
		return t.sendFrame(now, frame, rrqAwaitOackAck, Interest{WantRead: true})
	}
	return t.pull(now)
}

// Resume is called by the dispatcher when fd became ready in a way
// matching this transfer's last interest, or its deadline passed.
func (t *rrqTransfer) Resume(now time.Time, ready Ready) outcome {
	if t.sendBlocked {
		return t.sendFrame(now, t.pending, t.blockedState, Interest{WantRead: true})
	}
	switch t.state {
	case rrqPull:
		return t.pull(now)
	case rrqAwaitOackAck:
		return t.resumeAwaitOackAck(now, ready)
	case rrqAwaitAck:
		return t.resumeAwaitAck(now, ready)
	default:
		return outcome{Finished: true, Err: nil}
	}
}

func (t *rrqTransfer) resumeAwaitOackAck(now time.Time, ready Ready) outcome {
	if ready.Readable {
		from, opcode, body, ok, oc := t.recvOne(now)
		if !ok {
			return oc
		}
		if opcode == OpACK {
			block, err := ParseAck(body)
			if err == nil && block == 0 {
				return t.pull(now)
			}
		}
		_ = from
		// Anything else while awaiting ACK(0) is protocol noise from
		// the legitimate peer; stay and wait for the real ack(0).
		return outcome{Interest: Interest{WantRead: true}, Deadline: t.currentDeadline}
	}
	return t.checkTimeout(now, func() outcome {
		return t.fail(NewFreeTextError("OACK timeout"))
	})
}

func (t *rrqTransfer) resumeAwaitAck(now time.Time, ready Ready) outcome {
	if ready.Readable {
		_, opcode, body, ok, oc := t.recvOne(now)
		if !ok {
			return oc
		}
		switch opcode {
		case OpACK:
			block, err := ParseAck(body)
			if err != nil {
				return outcome{Interest: Interest{WantRead: true}, Deadline: t.currentDeadline}
			}
			if block != t.block {
				// Wrong block number from the correct TID: ignore,
				// stay.
				return outcome{Interest: Interest{WantRead: true}, Deadline: t.currentDeadline}
			}
			if t.lastSent {
				return outcome{Finished: true}
			}
			t.block++
			if t.block == 0 {
				// Wrapped past 65535 without completing.
				return t.fail(NewFreeTextError("File too big."))
			}
			t.retries = 0
			return t.pull(now)
		case OpERROR:
			we, _ := ParseError(body)
			if we == nil {
				we = NewFreeTextError("peer aborted transfer")
			}
			return outcome{Finished: true, Err: we}
		default:
			return outcome{Interest: Interest{WantRead: true}, Deadline: t.currentDeadline}
		}
	}
	return t.checkTimeout(now, func() outcome {
		if t.retries > MaxRetries {
			return t.fail(NewFreeTextError("Ack timeout"))
		}
		t.metrics.retransmit()
		return t.sendFrame(now, t.pending, rrqAwaitAck, Interest{WantRead: true})
	})
}

// recvOne reads and classifies exactly one datagram from ep. ok is
// false when the caller should immediately return oc as its result
// (would-block, a foreign-TID packet already answered with ERROR(5),
// or a hard read error that fails the transfer).
func (t *rrqTransfer) recvOne(now time.Time) (from *net.UDPAddr, opcode Opcode, body []byte, ok bool, oc outcome) {
	b, from, err := t.ep.Recv(65535 + 4)
	if err == ErrWouldBlock {
		return nil, 0, nil, false, outcome{Interest: Interest{WantRead: true}, Deadline: t.currentDeadline}
	}
	if err != nil {
		return nil, 0, nil, false, t.fail(NewFreeTextError("%v", err))
	}
	if !sameTID(from, t.peer) {
		t.ep.Send(EncodeError(NewWireError(ErrUnknownTransferID)), from)
		if t.log != nil {
			t.log.WithField("offender", from.String()).Warn("tftp: foreign TID on active transfer")
		}
		return nil, 0, nil, false, outcome{Interest: Interest{WantRead: true}, Deadline: t.currentDeadline}
	}
	op, err := PeekOpcode(b)
	if err != nil {
		return nil, 0, nil, false, outcome{Interest: Interest{WantRead: true}, Deadline: t.currentDeadline}
	}
	return from, op, b, true, outcome{}
}

// pull drives the PULL state: ask the source for the next block and
// send it (or suspend awaiting writability / the next scheduling
// turn).
func (t *rrqTransfer) pull(now time.Time) outcome {
	cont, data := t.source(t.neg.BlockSize)
	if !cont {
		data = nil
	}
	if cont && data == nil {
		// Deferral: not an error, just "nothing yet". Re-enter PULL
		// on the dispatcher's next tick without any fd interest.
		t.state = rrqPull
		return outcome{Interest: Interest{}, Deadline: now}
	}
	frame, err := EncodeData(t.block, data, t.neg.BlockSize)
	if err != nil {
		return t.fail(NewFreeTextError("%v", err))
	}
	t.metrics.addBytes(len(data))
	t.lastSent = len(data) < t.neg.BlockSize
	t.retries = 0
	return t.sendFrame(now, frame, rrqAwaitAck, Interest{WantRead: true})
}

// sendFrame sends frame (already encoded), recording it for possible
// retransmission and moving to nextState with a fresh deadline. A
// would-block send suspends on writability and retries the same send
// next time around rather than consuming a retry.
func (t *rrqTransfer) sendFrame(now time.Time, frame []byte, nextState rrqState, wantInterest Interest) outcome {
	t.pending = frame
	err := t.ep.Send(frame, t.peer)
	if err == ErrWouldBlock {
		t.sendBlocked = true
		t.blockedState = nextState
		return outcome{Interest: Interest{WantWrite: true}, Deadline: t.currentDeadline}
	}
	if err != nil {
		return t.fail(NewFreeTextError("%v", err))
	}
	t.sendBlocked = false
	t.state = nextState
	t.currentDeadline = now.Add(t.timeout)
	return outcome{Interest: wantInterest, Deadline: t.currentDeadline}
}

func (t *rrqTransfer) checkTimeout(now time.Time, onExpire func() outcome) outcome {
	if !now.Before(t.currentDeadline) {
		t.retries++
		return onExpire()
	}
	return outcome{Interest: t.lastInterest(), Deadline: t.currentDeadline}
}

func (t *rrqTransfer) lastInterest() Interest {
	if t.state == rrqAwaitOackAck || t.state == rrqAwaitAck {
		return Interest{WantRead: true}
	}
	return Interest{}
}

func (t *rrqTransfer) fail(err error) outcome {
	t.state = rrqFail
	if we, ok := err.(*WireError); ok {
		t.ep.Send(EncodeError(we), t.peer)
	}
	return outcome{Finished: true, Err: err}
}

func sameTID(a, b *net.UDPAddr) bool {
	return a.Port == b.Port && a.IP.Equal(b.IP)
}
