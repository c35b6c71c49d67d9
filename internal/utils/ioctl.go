package utils

import (
	"os"

	"golang.org/x/sys/unix"
)

// IOCtl はファイルに対してioctlを発行する
func IOCtl(f *os.File, cmd, ptr uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(), cmd, ptr)
	if errno != 0 {
		return errno
	}
	return nil
}
