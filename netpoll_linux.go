package evdispatch

import (
	"math"
	"os"
	"syscall"
	"unsafe"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	defEventsBufferSize = 64
	blocked             = -1
	nonBlocked          = 0
)

const (
	readEvents      = unix.EPOLLIN
	priEvents       = unix.EPOLLPRI
	writeEvents     = unix.EPOLLOUT
	errorEvents     = unix.EPOLLERR | unix.EPOLLHUP
	readErrorEvents = readEvents | errorEvents
)

// Poller is a thin wrapper over an epoll instance. It knows nothing about
// interests or callbacks, the Reactor keeps that bookkeeping.
type Poller struct {
	fd     int // epoll fd
	events []unix.EpollEvent
}

func openPoller(eventsBufferSize int) (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	bufferSize := int(math.Max(float64(eventsBufferSize), defEventsBufferSize))
	return &Poller{
		fd:     fd,
		events: make([]unix.EpollEvent, bufferSize),
	}, nil
}

func (p *Poller) close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

// waitForEvents runs a single epoll_wait with the given timeout in
// milliseconds and hands every ready descriptor to the callback. A wait
// interrupted by a signal reports zero events and no error.
func (p *Poller) waitForEvents(msec int, callback func(fd int, events uint32)) (int, error) {
	evCount, err := epollWait(p.fd, p.events, msec)
	if evCount <= 0 {
		if err == nil || err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	for i := 0; i < evCount; i++ {
		event := p.events[i]
		callback(int(event.Fd), event.Events)
	}
	return evCount, nil
}

func (p *Poller) add(fd int, events uint32) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("add epoll for fd: %d events: %#x", fd, events)
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
	if err != nil {
		return os.NewSyscallError("epoll_ctl add", err)
	}
	return nil
}

func (p *Poller) modify(fd int, events uint32) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("modify epoll for fd: %d events: %#x", fd, events)
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Fd: int32(fd), Events: events})
	if err != nil {
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	return nil
}

func (p *Poller) delete(fd int) error {
	if log.Debug().Enabled() {
		log.Debug().Msgf("delete epoll for fd: %d", fd)
	}
	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil {
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

func epollWait(epfd int, events []unix.EpollEvent, msec int) (n int, err error) {
	var r0 uintptr
	var _p0 = unsafe.Pointer(&events[0])
	if msec == nonBlocked {
		r0, _, err = syscall.RawSyscall6(syscall.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(_p0), uintptr(len(events)), 0, 0, 0)
	} else {
		r0, _, err = syscall.Syscall6(syscall.SYS_EPOLL_PWAIT, uintptr(epfd), uintptr(_p0), uintptr(len(events)), uintptr(msec), 0, 0)
	}
	if err == syscall.Errno(0) {
		err = nil
	}
	return int(r0), err
}
