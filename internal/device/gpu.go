package device

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// GPUProbe reports one NVIDIA GPU's figures by shelling out to nvidia-smi,
// the same os/exec pattern the process supervisor uses to launch models.
// No portable Go GPU-stats library exists in this codebase's dependency
// lineage; nvidia-smi's CSV output is parsed with the standard library's
// encoding/csv rather than adding a vendor-specific NVML binding for one
// probe (see DESIGN.md).
type GPUProbe struct {
	// DeviceName is the cache key, e.g. "gpu0".
	DeviceName string
	// Index is the CUDA device index passed to nvidia-smi -i.
	Index int
}

func (p GPUProbe) Name() string { return p.DeviceName }

func (p GPUProbe) Check(ctx context.Context) Status {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"-i", strconv.Itoa(p.Index),
		"--query-gpu=memory.total,memory.used,memory.free,utilization.gpu,temperature.gpu",
		"--format=csv,noheader,nounits",
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return Status{Online: false, Error: fmt.Sprintf("nvidia-smi: %v", err)}
	}

	r := csv.NewReader(strings.NewReader(out.String()))
	r.TrimLeadingSpace = true
	record, err := r.Read()
	if err != nil || len(record) < 5 {
		return Status{Online: false, Error: "nvidia-smi: unexpected output"}
	}

	totalMB, _ := strconv.Atoi(strings.TrimSpace(record[0]))
	usedMB, _ := strconv.Atoi(strings.TrimSpace(record[1]))
	freeMB, _ := strconv.Atoi(strings.TrimSpace(record[2]))
	usagePct, _ := strconv.ParseFloat(strings.TrimSpace(record[3]), 64)
	tempC, tempErr := strconv.ParseFloat(strings.TrimSpace(record[4]), 64)

	info := &Info{
		TotalMB:     totalMB,
		AvailableMB: freeMB,
		UsedMB:      usedMB,
		UsagePct:    usagePct,
	}
	if tempErr == nil {
		info.TempC = &tempC
	}

	return Status{Online: true, Info: info}
}
