package tftpd

import (
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// DefaultPort is the well-known TFTP service port (RFC 1350). An
// earlier revision of this server defaulted to 6969, almost certainly
// a typo, so cmd/tftpd's flag default is this constant, not that one.
const DefaultPort = 69

// maxDatagram is the size of the buffer accept reads one request
// datagram into: the largest UDP payload plus a TFTP header.
const maxDatagram = 65535 + 4

// transferKind distinguishes the two live state machines a handle can
// wrap. The listener itself is never stored as a handle — it is
// tracked separately so accept() doesn't have to type-switch on it.
type transferKind int

const (
	kindRRQ transferKind = iota
	kindWRQ
)

// handle is the dispatcher's per-transfer bookkeeping. Exactly one
// exists per live (local TID, remote TID) pair.
type handle struct {
	id       xid.ID
	ep       *Endpoint
	peer     *net.UDPAddr
	kind     transferKind
	rrq      *rrqTransfer
	wrq      *wrqTransfer
	interest Interest
	deadline time.Time
	log      logrus.FieldLogger
}

func (h *handle) resume(now time.Time, ready Ready) outcome {
	if h.kind == kindRRQ {
		return h.rrq.Resume(now, ready)
	}
	return h.wrq.Resume(now, ready)
}

// recoverCallback runs fn and converts a panic into the wire error a
// crashing or missing Source/Sink must produce: the failure is
// confined to the one transfer whose callback panicked, not the whole
// dispatcher loop.
func recoverCallback(h *handle, fn func() outcome) (oc outcome) {
	defer func() {
		if r := recover(); r != nil {
			if h.log != nil {
				h.log.WithField("panic", r).Error("tftp: transfer callback panicked")
			}
			we := NewFreeTextError("An unknown error occurred")
			h.ep.Send(EncodeError(we), h.peer)
			oc = outcome{Finished: true, Err: we}
		}
	}()
	return fn()
}

// Server is the listener/dispatcher: it owns
// the well-known port, the handle table, and the single poll loop
// that drives every live transfer to completion. There is no mutual
// exclusion anywhere in this type: the whole design is single-threaded
// and cooperative, so Server methods other than Serve/Close must not be
// called concurrently with Serve.
type Server struct {
	RRQFactory RRQFactory
	WRQFactory WRQFactory // nil rejects every WRQ with ERROR(4)
	Logger     logrus.FieldLogger
	Registerer prometheus.Registerer // optional; nil skips metrics entirely

	listeners []*Endpoint
	mux       *Multiplexer
	handles   map[int]*handle // keyed by transfer endpoint fd
	metrics   *metricsSet
	closed    bool
	closeCh   chan struct{}
}

// NewServer constructs a Server. Call ListenAndServe to bind and run.
func NewServer(rrq RRQFactory, wrq WRQFactory) *Server {
	return &Server{
		RRQFactory: rrq,
		WRQFactory: wrq,
		Logger:     defaultLogger,
		handles:    make(map[int]*handle),
		closeCh:    make(chan struct{}),
	}
}

// Listen binds addr:port for each address in addrs (port 0 picks an
// ephemeral port, useful in tests) without starting the dispatch
// loop. Call Serve (or ListenAndServe, which does both) afterward.
func (s *Server) Listen(addrs []string, port int) error {
	mux, err := NewMultiplexer()
	if err != nil {
		return err
	}
	s.mux = mux

	if s.metrics == nil && s.Registerer != nil {
		s.metrics = newMetricsSet()
		s.Registerer.MustRegister(s.metrics)
	}

	if len(addrs) == 0 {
		addrs = []string{""}
	}
	for _, addr := range addrs {
		ep, err := NewEndpoint(net.JoinHostPort(addr, itoa(port)))
		if err != nil {
			return err
		}
		if err := s.mux.Add(ep.Fd(), Interest{WantRead: true}); err != nil {
			return err
		}
		s.listeners = append(s.listeners, ep)
	}
	return nil
}

// Addr returns the first listener's bound local address. Valid only
// after a successful Listen.
func (s *Server) Addr() *net.UDPAddr {
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].LocalAddr()
}

// Serve runs the dispatcher loop indefinitely. It returns only on
// error or after Close.
func (s *Server) Serve() error {
	return s.run()
}

// ListenAndServe binds addr:port for each address in addrs and runs
// the dispatcher loop indefinitely. It returns only on a bind failure
// or after Close.
func (s *Server) ListenAndServe(addrs []string, port int) error {
	if err := s.Listen(addrs, port); err != nil {
		return err
	}
	return s.Serve()
}

// Close stops the dispatcher loop and releases every listener and
// in-flight transfer endpoint. Handles mid-transfer are dropped
// without a wire ERROR — that would require blocking I/O inside Close.
func (s *Server) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.closeCh)
	for fd, h := range s.handles {
		s.mux.Remove(fd)
		h.ep.Close()
	}
	for _, l := range s.listeners {
		s.mux.Remove(l.Fd())
		l.Close()
	}
	return s.mux.Close()
}

func (s *Server) isListenerFd(fd int) (*Endpoint, bool) {
	for _, l := range s.listeners {
		if l.Fd() == fd {
			return l, true
		}
	}
	return nil, false
}

// run is the main loop: wait for readiness, dispatch whatever is
// ready, then sweep deadlines, plus a deadline sweep folded into the
// same iteration so retransmit timers fire even when nothing becomes
// ready.
func (s *Server) run() error {
	for {
		select {
		case <-s.closeCh:
			return nil
		default:
		}

		timeout := s.nextTimeout()
		ready, err := s.mux.Wait(timeout)
		if err != nil {
			return err
		}
		now := time.Now()

		for fd, r := range ready {
			if l, ok := s.isListenerFd(fd); ok {
				if r.Readable {
					s.accept(l, now)
				}
				continue
			}
			h, ok := s.handles[fd]
			if !ok {
				continue
			}
			if (r.Readable && h.interest.WantRead) || (r.Writable && h.interest.WantWrite) {
				s.advance(h, now, r)
			}
		}

		s.sweepDeadlines(now)
	}
}

// nextTimeout bounds epoll_wait by the soonest pending retransmit
// deadline across all live transfers.
func (s *Server) nextTimeout() time.Duration {
	const ceiling = time.Second
	if len(s.handles) == 0 {
		return ceiling
	}
	now := time.Now()
	min := ceiling
	for _, h := range s.handles {
		d := h.deadline.Sub(now)
		if d < min {
			min = d
		}
	}
	if min < 0 {
		min = 0
	}
	return min
}

func (s *Server) sweepDeadlines(now time.Time) {
	for _, h := range s.handles {
		if !now.Before(h.deadline) {
			s.advance(h, now, Ready{})
		}
	}
}

// advance resumes h's state machine and applies the resulting
// interest change or termination.
func (s *Server) advance(h *handle, now time.Time, r Ready) {
	oc := recoverCallback(h, func() outcome { return h.resume(now, r) })
	if oc.Finished {
		s.finish(h, oc.Err)
		return
	}
	if oc.Interest != h.interest {
		s.mux.Modify(h.ep.Fd(), oc.Interest)
		h.interest = oc.Interest
	}
	h.deadline = oc.Deadline
}

func (s *Server) finish(h *handle, err error) {
	fd := h.ep.Fd()
	s.mux.Remove(fd)
	h.ep.Close()
	delete(s.handles, fd)

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	s.metrics.transferEnded(outcome)

	if h.log != nil {
		if err != nil {
			h.log.WithError(err).Warn("tftp: transfer failed")
		} else {
			h.log.Info("tftp: transfer complete")
		}
	}
}

// accept reads one request datagram off the listener and, on success,
// spins up a fresh transfer endpoint and state machine for it.
func (s *Server) accept(l *Endpoint, now time.Time) {
	b, from, err := l.Recv(maxDatagram)
	if err == ErrWouldBlock || err != nil {
		return
	}

	req, err := ParseRequest(b)
	if err != nil || (req.Mode != ModeOctet) {
		l.Send(EncodeError(NewWireError(ErrIllegalOperation)), from)
		return
	}

	switch req.Opcode {
	case OpRRQ:
		s.acceptRRQ(req, from, now)
	case OpWRQ:
		s.acceptWRQ(req, from, now)
	default:
		l.Send(EncodeError(NewWireError(ErrIllegalOperation)), from)
	}
}

func (s *Server) acceptRRQ(req *Request, from *net.UDPAddr, now time.Time) {
	id := xid.New()
	log := transferLogger(s.loggerOrDefault(), id.String(), from.String(), req.Filename)

	if s.RRQFactory == nil {
		s.replyError(from, NewWireError(ErrIllegalOperation))
		return
	}
	src, totalSize, err := s.RRQFactory(req.Filename)
	if err != nil {
		log.WithError(err).Warn("tftp: RRQ factory failed")
		s.replyError(from, NewWireError(ErrFileNotFound))
		return
	}

	ep, err := NewEndpoint(":0")
	if err != nil {
		log.WithError(err).Error("tftp: could not allocate transfer endpoint")
		return
	}
	neg := negotiate(req.Options, true, totalSize)

	t := newRRQTransfer(ep, from, src, neg, log, s.metrics)
	h := &handle{id: id, ep: ep, peer: from, kind: kindRRQ, rrq: t, log: log}
	s.registerAndStart(h, recoverCallback(h, func() outcome { return t.Start(now) }))
}

func (s *Server) acceptWRQ(req *Request, from *net.UDPAddr, now time.Time) {
	id := xid.New()
	log := transferLogger(s.loggerOrDefault(), id.String(), from.String(), req.Filename)

	if s.WRQFactory == nil {
		s.replyError(from, NewWireError(ErrIllegalOperation))
		return
	}
	sink, err := s.WRQFactory(req.Filename)
	if err != nil {
		log.WithError(err).Warn("tftp: WRQ factory failed")
		s.replyError(from, NewWireError(ErrFileNotFound))
		return
	}

	ep, err := NewEndpoint(":0")
	if err != nil {
		log.WithError(err).Error("tftp: could not allocate transfer endpoint")
		return
	}
	var declaredSize int64 = -1
	neg := negotiate(req.Options, false, declaredSize)

	t := newWRQTransfer(ep, from, sink, neg, log, s.metrics)
	h := &handle{id: id, ep: ep, peer: from, kind: kindWRQ, wrq: t, log: log}
	s.registerAndStart(h, recoverCallback(h, func() outcome { return t.Start(now) }))
}

func (s *Server) registerAndStart(h *handle, oc outcome) {
	if oc.Finished {
		h.ep.Close()
		if oc.Err != nil && h.log != nil {
			h.log.WithError(oc.Err).Warn("tftp: transfer failed before first suspension")
		}
		return
	}
	if err := s.mux.Add(h.ep.Fd(), oc.Interest); err != nil {
		h.ep.Close()
		return
	}
	h.interest = oc.Interest
	h.deadline = oc.Deadline
	s.handles[h.ep.Fd()] = h
	s.metrics.transferStarted()
	h.log.Info("tftp: transfer accepted")
}

func (s *Server) replyError(to *net.UDPAddr, we *WireError) {
	for _, l := range s.listeners {
		l.Send(EncodeError(we), to)
		return
	}
}

func (s *Server) loggerOrDefault() logrus.FieldLogger {
	if s.Logger != nil {
		return s.Logger
	}
	return defaultLogger
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
