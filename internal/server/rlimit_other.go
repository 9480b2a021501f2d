//go:build !unix

package server

// RaiseFileLimit is a no-op where RLIMIT_NOFILE does not exist
func RaiseFileLimit() (uint64, error) {
	return 0, nil
}
