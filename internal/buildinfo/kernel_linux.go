//go:build linux

package buildinfo

import (
	"bytes"
	"os"
)

func kernelVersion() string {
	val, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return ""
	}
	return string(bytes.Trim(val, " \n\r"))
}
