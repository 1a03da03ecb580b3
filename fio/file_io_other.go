//go:build !linux

package fio

import "os"

func datasync(fd *os.File) error {
	return fd.Sync()
}

func adviseSequential(*os.File) error {
	return nil
}
