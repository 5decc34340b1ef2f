//go:build windows

package auth

import "os"

// Windows has no access(2); probe with a temp file instead
func checkDirWritable(dir string) error {
	f, err := os.CreateTemp(dir, ".obf-write-check-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}
