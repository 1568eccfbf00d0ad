//go:build linux

package aegis

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// osProcReader reads process accounting from /proc.
type osProcReader struct{}

// stat parses /proc/<pid>/stat for CPU ticks and /proc/<pid>/statm for
// resident set size.
func (osProcReader) stat(pid int) (uint64, int64, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return 0, 0, err
	}
	// The comm field is parenthesized and may contain spaces; fields
	// are counted after the closing paren.
	s := string(raw)
	end := strings.LastIndexByte(s, ')')
	if end < 0 {
		return 0, 0, fmt.Errorf("proc: malformed stat for pid %d", pid)
	}
	fields := strings.Fields(s[end+1:])
	// utime and stime are fields 14 and 15 of the full line, which is
	// 11 and 12 after comm.
	if len(fields) < 13 {
		return 0, 0, fmt.Errorf("proc: short stat for pid %d", pid)
	}
	utime, err := strconv.ParseUint(fields[11], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("proc: parse utime for pid %d: %w", pid, err)
	}
	stime, err := strconv.ParseUint(fields[12], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("proc: parse stime for pid %d: %w", pid, err)
	}

	rawm, err := os.ReadFile(fmt.Sprintf("/proc/%d/statm", pid))
	if err != nil {
		return 0, 0, err
	}
	mfields := strings.Fields(string(rawm))
	if len(mfields) < 2 {
		return 0, 0, fmt.Errorf("proc: short statm for pid %d", pid)
	}
	rssPages, err := strconv.ParseInt(mfields[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("proc: parse rss for pid %d: %w", pid, err)
	}
	return utime + stime, rssPages * int64(os.Getpagesize()), nil
}
