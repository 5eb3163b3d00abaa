package tftpd

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is what a descriptor's owner wants to be woken up for.
type Interest struct {
	WantRead  bool
	WantWrite bool
}

// Ready reports which side of an Interest actually fired.
type Ready struct {
	Readable bool
	Writable bool
}

// Multiplexer is the minimal intersection of a typical poll API:
// register/update descriptors with an interest, then block (bounded
// by a timeout) until some subset is ready. It must be
// level-triggered in effect, because the transfer machine re-enters
// the same suspension point after a spurious wakeup.
type Multiplexer struct {
	epfd int
}

// NewMultiplexer creates a fresh epoll instance.
func NewMultiplexer() (*Multiplexer, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("tftpd: epoll_create1: %w", err)
	}
	return &Multiplexer{epfd: epfd}, nil
}

func eventMask(in Interest) uint32 {
	var mask uint32
	if in.WantRead {
		mask |= unix.EPOLLIN
	}
	if in.WantWrite {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// Add registers fd with the given interest. Level-triggered by
// default — epoll only becomes edge-triggered with EPOLLET, which
// this poller never sets.
func (m *Multiplexer) Add(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: eventMask(in), Fd: int32(fd)}
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// Modify updates fd's interest (the dispatcher does this whenever a
// transfer's interest changes).
func (m *Multiplexer) Modify(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: eventMask(in), Fd: int32(fd)}
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Remove deregisters fd. Callers must do this before closing fd.
func (m *Multiplexer) Remove(fd int) error {
	return unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Close releases the epoll instance.
func (m *Multiplexer) Close() error {
	return unix.Close(m.epfd)
}

// Wait blocks up to timeout for readiness, returning a map of ready
// descriptors to what became ready on them. A zero timeout (or one
// under a millisecond) returns immediately with whatever is already
// ready (a non-blocking poll); any negative timeout is passed to
// epoll_wait as -1 and blocks until something is ready.
func (m *Multiplexer) Wait(timeout time.Duration) (map[int]Ready, error) {
	events := make([]unix.EpollEvent, 64)
	ms := int(timeout / time.Millisecond)
	if timeout < 0 {
		ms = -1
	}
	n, err := unix.EpollWait(m.epfd, events, ms)
	if err == unix.EINTR {
		return map[int]Ready{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tftpd: epoll_wait: %w", err)
	}
	out := make(map[int]Ready, n)
	for i := 0; i < n; i++ {
		ev := events[i]
		out[int(ev.Fd)] = Ready{
			Readable: ev.Events&unix.EPOLLIN != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
		}
	}
	return out, nil
}
