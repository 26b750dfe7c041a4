//go:build !unix

package server

// setSocketOptions is a no-op off Unix. On Windows SO_REUSEADDR lets a second
// listener take over a bound port, which would hide bind failures.
func setSocketOptions(fd uintptr) error {
	return nil
}
