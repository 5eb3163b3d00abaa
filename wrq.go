package tftpd

import (
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

// wrqState mirrors rrqState but for the write-request machine,
// grounded on eahydra-gotftp's handleWRQ/handleWRQNegotiation.
type wrqState int

const (
	wrqAwaitFirstAck wrqState = iota // opening OACK or ACK(0) not yet sent (its send would block)
	wrqAwaitData
	wrqDone
	wrqFail
)

// wrqTransfer is the push-style counterpart of rrqTransfer: the
// server receives DATA and emits ACK.
type wrqTransfer struct {
	ep      *Endpoint
	peer    *net.UDPAddr
	sink    Sink
	neg     Negotiated
	log     logrus.FieldLogger
	metrics *metricsSet

	state           wrqState
	block           uint16 // last block number ACKed
	retries         int
	timeout         time.Duration
	currentDeadline time.Time
	pendingAck      []byte
	done            bool
}

func newWRQTransfer(ep *Endpoint, peer *net.UDPAddr, sink Sink, neg Negotiated, log logrus.FieldLogger, metrics *metricsSet) *wrqTransfer {
	return &wrqTransfer{
		ep:      ep,
		peer:    peer,
		sink:    sink,
		neg:     neg,
		log:     log,
		metrics: metrics,
		timeout: time.Duration(neg.Timeout) * time.Second,
	}
}

// Start sends the OACK (options present) or ACK(0) (no options) that
// tells the client to begin uploading block 1.
func (t *wrqTransfer) Start(now time.Time) outcome {
	var frame []byte
	var err error
	if t.neg.wantsOACK() {
		frame, err = EncodeOACK(t.neg.Accepted)
	} else {
		frame = EncodeAck(0)
	}
	if err != nil {
		return t.fail(NewFreeTextError("%v", err))
	}
	return t.sendAck(now, frame, wrqAwaitData)
}

func (t *wrqTransfer) Resume(now time.Time, ready Ready) outcome {
	if t.state == wrqAwaitFirstAck {
		return t.resumeAwaitFirstAck(now)
	}
	if t.state != wrqAwaitData {
		return outcome{Finished: true}
	}
	if ready.Readable {
		b, from, err := t.ep.Recv(65535 + 4)
		if err == ErrWouldBlock {
			return outcome{Interest: Interest{WantRead: true}, Deadline: t.currentDeadline}
		}
		if err != nil {
			return t.fail(NewFreeTextError("%v", err))
		}
		if !sameTID(from, t.peer) {
			t.ep.Send(EncodeError(NewWireError(ErrUnknownTransferID)), from)
			if t.log != nil {
				t.log.WithField("offender", from.String()).Warn("tftp: foreign TID on active transfer")
			}
			return outcome{Interest: Interest{WantRead: true}, Deadline: t.currentDeadline}
		}
		op, err := PeekOpcode(b)
		if err != nil {
			return outcome{Interest: Interest{WantRead: true}, Deadline: t.currentDeadline}
		}
		switch op {
		case OpDATA:
			return t.handleData(now, b)
		case OpERROR:
			we, _ := ParseError(b)
			if we == nil {
				we = NewFreeTextError("peer aborted transfer")
			}
			return outcome{Finished: true, Err: we}
		default:
			return outcome{Interest: Interest{WantRead: true}, Deadline: t.currentDeadline}
		}
	}
	return t.checkTimeout(now)
}

// resumeAwaitFirstAck retries the initial OACK/ACK(0) send that
// returned ErrWouldBlock from Start. t.pendingAck already holds the
// frame (sendAck records it before checking the send's result), so
// this is reached only on writability or a deadline sweep, both of
// which are valid times to retry the same send.
func (t *wrqTransfer) resumeAwaitFirstAck(now time.Time) outcome {
	return t.sendAck(now, t.pendingAck, wrqAwaitData)
}

func (t *wrqTransfer) handleData(now time.Time, b []byte) outcome {
	block, payload, err := ParseData(b, t.neg.BlockSize)
	if err != nil {
		// Malformed DATA: ignore, stay, wait for a clean retransmit.
		return outcome{Interest: Interest{WantRead: true}, Deadline: t.currentDeadline}
	}
	if block != t.block+1 {
		// Duplicate or out-of-order: re-send the last ACK without
		// advancing state.
		return t.sendAck(now, t.pendingAck, t.state)
	}

	final := len(payload) < t.neg.BlockSize
	if err := t.sink(payload, final); err != nil {
		return t.fail(NewWireError(ErrDiskFull))
	}
	t.metrics.addBytes(len(payload))

	t.block = block
	t.retries = 0
	ack := EncodeAck(t.block)
	if final {
		t.done = true
		// The transfer finishes as soon as this final ACK is sent and
		// the dispatcher closes the endpoint; if the client lost the
		// ACK, its retransmitted final DATA is not answered.
		return t.sendAck(now, ack, wrqDone)
	}
	return t.sendAck(now, ack, wrqAwaitData)
}

func (t *wrqTransfer) sendAck(now time.Time, frame []byte, nextState wrqState) outcome {
	t.pendingAck = frame
	err := t.ep.Send(frame, t.peer)
	if err == ErrWouldBlock {
		return outcome{Interest: Interest{WantWrite: true}, Deadline: t.currentDeadline}
	}
	if err != nil {
		return t.fail(NewFreeTextError("%v", err))
	}
	t.state = nextState
	t.currentDeadline = now.Add(t.timeout)
	if nextState == wrqDone && t.done {
		return outcome{Finished: true}
	}
	return outcome{Interest: Interest{WantRead: true}, Deadline: t.currentDeadline}
}

func (t *wrqTransfer) checkTimeout(now time.Time) outcome {
	if now.Before(t.currentDeadline) {
		return outcome{Interest: Interest{WantRead: true}, Deadline: t.currentDeadline}
	}
	t.retries++
	if t.retries > MaxRetries {
		return t.fail(NewFreeTextError("Ack timeout"))
	}
	t.metrics.retransmit()
	return t.sendAck(now, t.pendingAck, t.state)
}

func (t *wrqTransfer) fail(err error) outcome {
	t.state = wrqFail
	if we, ok := err.(*WireError); ok {
		t.ep.Send(EncodeError(we), t.peer)
	}
	return outcome{Finished: true, Err: err}
}
