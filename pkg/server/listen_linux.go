//go:build linux

package server

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
)

// kernelBacklog returns net.core.somaxconn, or 0 if it cannot be read
func kernelBacklog() int {
	data, err := os.ReadFile("/proc/sys/net/core/somaxconn")
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	return n
}

// listenOverflows returns the kernel's TcpExt ListenOverflows counter.
// ok is false when /proc/net/netstat is missing or has no such column.
func listenOverflows() (count uint64, ok bool) {
	file, err := os.Open("/proc/net/netstat")
	if err != nil {
		return 0, false
	}
	defer file.Close()
	return parseListenOverflows(file)
}

func parseListenOverflows(r io.Reader) (uint64, bool) {
	// TcpExt is two lines: a header row of names, then a row of values
	var names []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || fields[0] != "TcpExt:" {
			continue
		}
		if names == nil {
			names = fields[1:]
			continue
		}
		values := fields[1:]
		for i, name := range names {
			if name == "ListenOverflows" && i < len(values) {
				n, err := strconv.ParseUint(values[i], 10, 64)
				return n, err == nil
			}
		}
		return 0, false
	}
	return 0, false
}
