//go:build linux

package evdispatch

import (
	"os"
	"unsafe"

	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const (
	WakeEventFd    = "eventfd"
	WakeSocketPair = "socketpair"
)

// wakeChannel interrupts a blocked epoll_wait from any goroutine. The eventfd
// flavour is a saturating counter drained by one 8-byte read; the socketpair
// flavour queues bytes and has to be read until it would block.
type wakeChannel struct {
	kind    string
	readFd  int
	writeFd int
	pending *atomic.Bool
	buf     [256]byte
}

func newWakeChannel(kind string) (*wakeChannel, error) {
	wc := &wakeChannel{kind: kind, pending: atomic.NewBool(false)}
	switch kind {
	case WakeEventFd, "":
		fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
		if err != nil {
			return nil, os.NewSyscallError("eventfd", err)
		}
		wc.kind = WakeEventFd
		wc.readFd, wc.writeFd = fd, fd
	case WakeSocketPair:
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
		if err != nil {
			return nil, os.NewSyscallError("socketpair", err)
		}
		for _, fd := range fds {
			if err := setWakeSocketOptions(fd); err != nil {
				_ = unix.Close(fds[0])
				_ = unix.Close(fds[1])
				return nil, err
			}
		}
		wc.readFd, wc.writeFd = fds[0], fds[1]
	default:
		return nil, ErrUnknownWakeChannel
	}
	return wc, nil
}

// wake makes the read end readable. Calls made before the next drain collapse
// into a single write.
func (wc *wakeChannel) wake() {
	if !wc.pending.CAS(false, true) {
		return
	}
	var err error
	if wc.kind == WakeEventFd {
		var one uint64 = 1
		_, err = writeRetry(wc.writeFd, (*[8]byte)(unsafe.Pointer(&one))[:])
	} else {
		_, err = writeRetry(wc.writeFd, []byte{0})
	}
	// EAGAIN means the channel is already readable.
	if err != nil && err != unix.EAGAIN {
		log.Debug().Msgf("got error while writing to the wake channel: %+v", err)
	}
}

// drain consumes every pending wake signal so the channel stops reporting
// readiness. Read failures are logged and otherwise ignored. The pending flag
// is cleared only after reading: a wake racing with the read is absorbed by
// the wake-up already in progress instead of leaving the flag set on an
// empty channel.
func (wc *wakeChannel) drain() {
	defer wc.pending.Store(false)
	if wc.kind == WakeEventFd {
		n, err := readRetry(wc.readFd, wc.buf[:8])
		if n != 8 && err != unix.EAGAIN {
			log.Warn().Msgf("read of the wake eventfd failed: n=%d err=%+v", n, err)
		}
		return
	}
	for {
		n, err := readRetry(wc.readFd, wc.buf[:])
		if n > 0 {
			continue
		}
		if err != nil && err != unix.EAGAIN {
			log.Warn().Msgf("read of the wake socket failed: %+v", err)
		}
		return
	}
}

func (wc *wakeChannel) close() error {
	var err error
	if wc.writeFd != wc.readFd {
		err = unix.Close(wc.writeFd)
	}
	if cerr := unix.Close(wc.readFd); cerr != nil {
		err = cerr
	}
	return os.NewSyscallError("close", err)
}

func readRetry(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Read(fd, buf)
		if err != unix.EINTR {
			return n, err
		}
	}
}

func writeRetry(fd int, buf []byte) (int, error) {
	for {
		n, err := unix.Write(fd, buf)
		if err != unix.EINTR {
			return n, err
		}
	}
}
