//go:build windows

package bptreekv

import (
	"os"

	"golang.org/x/sys/windows"
)

func fdatasync(file *os.File) error {
	if file == nil {
		return nil
	}
	return windows.FlushFileBuffers(windows.Handle(file.Fd()))
}
