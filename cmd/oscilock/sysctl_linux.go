//go:build linux

package main

import (
	"fmt"
	"strconv"

	sysctl "github.com/lorenzosaino/go-sysctl"
)

// A 12 Msample capture read in 125000-point batches still moves tens of MB
// per cycle; a small kernel receive buffer makes those reads crawl.
const wantRmemMax = 1 << 22

// checkReceiveBuffer warns if net.core.rmem_max is too small for
// multi-megasample SCPI waveform transfers. Warning only; the daemon runs
// regardless.
func checkReceiveBuffer() {
	val, err := sysctl.Get("net.core.rmem_max")
	if err != nil {
		fmt.Printf("Could not read net.core.rmem_max: %s\n", err)
		return
	}
	rmem, err := strconv.Atoi(val)
	if err != nil {
		fmt.Printf("Could not parse net.core.rmem_max=%q: %s\n", val, err)
		return
	}
	if rmem < wantRmemMax {
		fmt.Printf("Warning: net.core.rmem_max=%d is small for large waveform reads.\n", rmem)
		fmt.Printf("Consider: sudo sysctl -w net.core.rmem_max=%d\n", wantRmemMax)
	}
}
