//go:build !windows

package auth

import "golang.org/x/sys/unix"

func checkDirWritable(dir string) error {
	return unix.Access(dir, unix.W_OK|unix.X_OK)
}
