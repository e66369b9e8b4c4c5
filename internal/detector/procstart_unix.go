//go:build !windows

package detector

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
	gopsproc "github.com/shirou/gopsutil/v4/process"
	"github.com/tklauser/go-sysconf"
)

// startSources are asked in order; the first positive answer wins.
var startSources = []func(pid int) int64{procStatStart, gopsutilStart}

// ProcStartUnix returns the start time of pid in Unix seconds, or 0 when no
// source knows it. Both sources round down to whole seconds so a value written
// into a PID file compares equal on a later read.
func ProcStartUnix(pid int) int64 {
	if pid <= 0 {
		return 0
	}
	for _, src := range startSources {
		if v := src(pid); v > 0 {
			return v
		}
	}
	return 0
}

func gopsutilStart(pid int) int64 {
	p, err := gopsproc.NewProcess(int32(pid)) // #nosec G115 pids fit in int32
	if err != nil {
		return 0
	}
	ms, err := p.CreateTime()
	if err != nil {
		return 0
	}
	return ms / 1000
}

// procStatStart reads starttime (clock ticks after boot) from /proc.
func procStatStart(pid int) int64 {
	if runtime.GOOS != "linux" {
		return 0
	}
	ticks, err := statField(pid, 22)
	if err != nil || ticks <= 0 {
		return 0
	}
	boot, err := host.BootTime()
	if err != nil || boot == 0 {
		return 0
	}
	hz, err := sysconf.Sysconf(sysconf.SC_CLK_TCK)
	if err != nil || hz <= 0 {
		hz = 100
	}
	return int64(boot) + ticks/hz // #nosec G115 boot time is far below MaxInt64
}

// statField returns the n-th (1-based, as in proc(5)) numeric field of
// /proc/<pid>/stat. The command name in field 2 may contain spaces, so
// counting restarts after its closing parenthesis.
func statField(pid, n int) (int64, error) {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return 0, err
	}
	line := string(b)
	i := strings.LastIndex(line, ") ")
	if i < 0 || n < 3 {
		return 0, fmt.Errorf("stat of %d: malformed", pid)
	}
	fields := strings.Fields(line[i+2:])
	if len(fields) < n-2 {
		return 0, fmt.Errorf("stat of %d: %d fields", pid, len(fields)+2)
	}
	return strconv.ParseInt(fields[n-3], 10, 64)
}
