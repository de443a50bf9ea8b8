//go:build linux

package transport

import "golang.org/x/sys/unix"

// raisePriority moves the calling OS thread to the highest user-space
// priority. Best-effort: without CAP_SYS_NICE (or a permissive RLIMIT_NICE)
// the call fails with a permission error, and the transport runs at its
// normal priority.
func raisePriority() error {
	return unix.Setpriority(unix.PRIO_PROCESS, 0, -20)
}
