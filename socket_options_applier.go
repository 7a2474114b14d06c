package evdispatch

import (
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const wakeSocketBufferSize = 4096

// setWakeSocketOptions prepares one end of the wake socketpair. Non-blocking
// mode is required for the drain loop; the buffer sizes are only a hint.
func setWakeSocketOptions(fd int) error {
	err := unix.SetNonblock(fd, true)
	if err != nil {
		return os.NewSyscallError("setnonblock", err)
	}
	err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, wakeSocketBufferSize)
	if err != nil {
		log.Error().Msgf("got error while setting socket options SO_RCVBUF: %+v", err)
	}
	err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, wakeSocketBufferSize)
	if err != nil {
		log.Error().Msgf("got error while setting socket options SO_SNDBUF: %+v", err)
	}
	return nil
}
