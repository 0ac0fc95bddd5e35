//go:build !linux

package buildinfo

func kernelVersion() string { return "" }
