//go:build linux

package fio

import (
	"os"

	"golang.org/x/sys/unix"
)

func datasync(fd *os.File) error {
	return unix.Fdatasync(int(fd.Fd()))
}

func adviseSequential(fd *os.File) error {
	return unix.Fadvise(int(fd.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}
