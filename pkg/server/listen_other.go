//go:build !linux

package server

func kernelBacklog() int { return 0 }

func listenOverflows() (uint64, bool) { return 0, false }
