package evdispatch

import (
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// RaiseOpenFilesLimit lifts RLIMIT_NOFILE so that many notifiers can be
// registered. The soft limit never goes above the hard limit.
func RaiseOpenFilesLimit(limit uint64) error {
	if limit == 0 {
		return nil
	}
	rLimit := &unix.Rlimit{}
	err := unix.Getrlimit(unix.RLIMIT_NOFILE, rLimit)
	if err != nil {
		return os.NewSyscallError("getrlimit", err)
	}
	if rLimit.Cur >= limit {
		return nil
	}
	if limit > rLimit.Max {
		log.Warn().Msgf("open files limit %d is above the hard limit %d", limit, rLimit.Max)
		limit = rLimit.Max
	}
	rLimit.Cur = limit
	err = unix.Setrlimit(unix.RLIMIT_NOFILE, rLimit)
	if err != nil {
		return os.NewSyscallError("setrlimit", err)
	}
	log.Info().Msgf("open files limit set to %d", limit)
	return nil
}
