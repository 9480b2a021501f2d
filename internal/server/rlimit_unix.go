//go:build unix

package server

import "syscall"

// RaiseFileLimit lifts the soft RLIMIT_NOFILE to the hard limit and
// returns the resulting soft limit.
func RaiseFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}
	if rLimit.Cur >= rLimit.Max {
		return uint64(rLimit.Cur), nil
	}
	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}
	return uint64(rLimit.Cur), nil
}
