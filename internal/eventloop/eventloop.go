//go:build linux

// Package eventloop implements component C5: a single-threaded cooperative
// dispatcher of file-descriptor readiness to queue handlers (spec.md §4.5).
// Grounded on golang.org/x/sys/unix's EpollCreate1/EpollCtl/EpollWait, the
// same package the teacher (tinyrange-cc) already depends on for ioctl
// framing — the teacher owns vCPUs directly and has no async host-side queue
// loop of its own to generalize from, so this package is built fresh against
// the raw epoll primitives rather than adapted from a teacher file.
package eventloop

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/bao-project/bao-virtio-dm/internal/baoerr"
)

// Ops is the add/modify/remove surface a Subscriber's process() method uses
// to manage its own file-descriptor interests, keyed by a subscriber-local
// 32-bit datum (spec.md §3 EventSet, §4.5).
type Ops interface {
	Add(fd int, datum uint32, writable bool) error
	Modify(fd int, datum uint32, writable bool) error
	Remove(fd int) error
}

// Subscriber is one entry in the event loop: an object that is told once
// about its Ops (Init) and then receives readiness deliveries (Process).
// Implementations MUST NOT block in Process — the loop has no preemption, so
// a slow handler delays every other subscriber (spec.md §4.5).
type Subscriber interface {
	Init(ops Ops) error
	Process(datum uint32, writable bool, ops Ops) error
}

type fdEntry struct {
	sub      Subscriber
	datum    uint32
	writable bool
}

// call is a closure submitted by a remote endpoint (spec.md §9
// "cross-thread registration"): register executes it on the loop's own
// goroutine and signals completion through done.
type call struct {
	fn   func() (uint32, error)
	done chan result
}

type result struct {
	id  uint32
	err error
}

// Loop is the event-loop thread's state: the epoll fd, the fd→subscriber
// table it maintains on ops.Add/Modify/Remove, and the remote-endpoint queue
// subscribers are registered through.
type Loop struct {
	epfd int

	mu      sync.Mutex
	entries map[int]*fdEntry

	calls chan call
	stop  chan struct{}

	nextSubID uint32
}

// New creates an event loop with its own epoll instance.
func New() (*Loop, error) {
	fd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", baoerr.ErrEpollCreateFd, err)
	}
	return &Loop{
		epfd:    fd,
		entries: make(map[int]*fdEntry),
		calls:   make(chan call, 16),
		stop:    make(chan struct{}),
	}, nil
}

// boundOps binds a Subscriber identity to the loop's shared Ops implementation,
// so add/modify/remove calls the subscriber issues from within Process are
// attributed to it without any extra bookkeeping on the caller's part.
type boundOps struct {
	l   *Loop
	sub Subscriber
}

func (o boundOps) Add(fd int, datum uint32, writable bool) error {
	return o.l.add(o.sub, fd, datum, writable)
}

func (o boundOps) Modify(fd int, datum uint32, writable bool) error {
	return o.l.modify(fd, datum, writable)
}

func (o boundOps) Remove(fd int) error {
	return o.l.remove(fd)
}

func epollEvents(writable bool) uint32 {
	ev := uint32(unix.EPOLLIN)
	if writable {
		ev = uint32(unix.EPOLLOUT)
	}
	return ev
}

func (l *Loop) add(sub Subscriber, fd int, datum uint32, writable bool) error {
	l.mu.Lock()
	l.entries[fd] = &fdEntry{sub: sub, datum: datum, writable: writable}
	l.mu.Unlock()

	ev := unix.EpollEvent{Events: epollEvents(writable), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (l *Loop) modify(fd int, datum uint32, writable bool) error {
	l.mu.Lock()
	e, ok := l.entries[fd]
	if ok {
		e.datum = datum
		e.writable = writable
	}
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("eventloop: modify unknown fd %d", fd)
	}

	ev := unix.EpollEvent{Events: epollEvents(writable), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

func (l *Loop) remove(fd int) error {
	l.mu.Lock()
	delete(l.entries, fd)
	l.mu.Unlock()

	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// Register submits sub for registration and blocks until it has run Init and
// been assigned its subscriber id (spec.md §4.5, §9 "remote endpoint"). Safe
// to call from any goroutine; the actual Init() call always executes on the
// loop's own goroutine inside Run.
func (l *Loop) Register(sub Subscriber) (uint32, error) {
	reply := make(chan result, 1)
	nextID := func() (uint32, error) {
		ops := boundOps{l: l, sub: sub}
		if err := sub.Init(ops); err != nil {
			return 0, err
		}
		return l.allocSubscriberID(), nil
	}
	select {
	case l.calls <- call{fn: nextID, done: reply}:
	case <-l.stop:
		return 0, fmt.Errorf("eventloop: loop stopped")
	}
	r := <-reply
	return r.id, r.err
}

func (l *Loop) allocSubscriberID() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextSubID++
	return l.nextSubID
}

// Stop asks Run to return after draining any in-flight wakeup.
func (l *Loop) Stop() {
	close(l.stop)
}

// Run drives the loop forever: waits on epoll, drains any pending remote
// registrations once per wakeup, then dispatches readiness to each ready
// subscriber's Process. When Process returns an error, the fd that delivered
// the event is removed from the loop so it cannot live-lock it (spec.md
// §4.5); other fds the same subscriber added stay registered.
func (l *Loop) Run() error {
	events := make([]unix.EpollEvent, 64)
	for {
		select {
		case <-l.stop:
			return nil
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, 100)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("%w: %s", baoerr.ErrEpollWait, err)
		}

		l.drainCalls()

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			l.mu.Lock()
			e, ok := l.entries[fd]
			l.mu.Unlock()
			if !ok {
				continue
			}
			writable := events[i].Events&uint32(unix.EPOLLOUT) != 0
			if err := e.sub.Process(e.datum, writable, boundOps{l: l, sub: e.sub}); err != nil {
				_ = l.remove(fd)
			}
		}
	}
}

func (l *Loop) drainCalls() {
	for {
		select {
		case c := <-l.calls:
			id, err := c.fn()
			c.done <- result{id: id, err: err}
		default:
			return
		}
	}
}

// Close releases the epoll instance.
func (l *Loop) Close() error {
	return unix.Close(l.epfd)
}
