//go:build !linux

package main

// checkReceiveBuffer is a no-op where the kernel receive buffer cannot be
// queried via sysctl.
func checkReceiveBuffer() {}
