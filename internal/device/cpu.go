package device

import (
	"bufio"
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// CPUProbe reports host RAM figures. CPU is always considered online — the
// host obviously has one — so its only failure mode is figures it cannot
// read, reported as an error without flipping Online to false.
//
// No third-party host-memory-stats library appears anywhere in this
// codebase's dependency lineage, so this probe reads /proc/meminfo
// directly; see DESIGN.md for why that one probe stays on the standard
// library instead of an ecosystem package.
type CPUProbe struct{}

func (CPUProbe) Name() string { return "CPU" }

func (CPUProbe) Check(ctx context.Context) Status {
	totalKB, availKB, err := readMeminfo()
	if err != nil {
		return Status{Online: true, Error: err.Error(), Info: &Info{}}
	}

	totalMB := totalKB / 1024
	availMB := availKB / 1024
	usedMB := totalMB - availMB
	usagePct := 0.0
	if totalMB > 0 {
		usagePct = float64(usedMB) / float64(totalMB) * 100
	}

	return Status{
		Online: true,
		Info: &Info{
			TotalMB:     totalMB,
			AvailableMB: availMB,
			UsedMB:      usedMB,
			UsagePct:    usagePct,
		},
	}
}

func readMeminfo() (totalKB, availKB int, err error) {
	if runtime.GOOS != "linux" {
		return 0, 0, nil
	}

	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			totalKB, _ = strconv.Atoi(fields[1])
		case "MemAvailable":
			availKB, _ = strconv.Atoi(fields[1])
		}
	}
	return totalKB, availKB, scanner.Err()
}
