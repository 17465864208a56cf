package windowsremote

import (
	"encoding/json"
	"fmt"

	"github.com/relicagent/relicagent/internal/plugins"
)

const (
	cpuScript = `Get-WmiObject Win32_PerfFormattedData_PerfOS_Processor | Select-Object Name, PercentProcessorTime | ConvertTo-Json -Compress`

	memoryScript = `Get-WmiObject Win32_OperatingSystem | Select-Object TotalVisibleMemorySize, FreePhysicalMemory | ConvertTo-Json -Compress`

	diskScript = `Get-WmiObject Win32_LogicalDisk -Filter 'DriveType=3' | Select-Object DeviceID, Size, FreeSpace | ConvertTo-Json -Compress`
)

type cpuData struct {
	Name                 string `json:"Name"`
	PercentProcessorTime uint64 `json:"PercentProcessorTime"`
}

type memoryData struct {
	TotalVisibleMemorySize uint64 `json:"TotalVisibleMemorySize"`
	FreePhysicalMemory     uint64 `json:"FreePhysicalMemory"`
}

type diskData struct {
	DeviceID  string `json:"DeviceID"`
	Size      uint64 `json:"Size"`
	FreeSpace uint64 `json:"FreeSpace"`
}

// decodeList parses ConvertTo-Json output, which is a bare object for a
// single result and an array for several.
func decodeList[T any](raw string) ([]T, error) {
	if raw == "" {
		return nil, fmt.Errorf("empty powershell output")
	}
	var list []T
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return list, nil
	}
	var single T
	if err := json.Unmarshal([]byte(raw), &single); err != nil {
		return nil, fmt.Errorf("parse powershell output: %w", err)
	}
	return []T{single}, nil
}

// recordCPU emits per-core utilization plus the _Total aggregate.
func recordCPU(rec *plugins.Recorder, raw string) error {
	cores, err := decodeList[cpuData](raw)
	if err != nil {
		return fmt.Errorf("cpu: %w", err)
	}
	for _, core := range cores {
		name := core.Name
		if name == "_Total" {
			rec.Gauge("CPU/Utilization", "percent", float64(core.PercentProcessorTime))
			continue
		}
		rec.Gauge("CPU/Core/"+name+"/Utilization", "percent", float64(core.PercentProcessorTime))
	}
	return nil
}

// recordMemory emits totals in bytes; WMI reports these fields in KiB.
func recordMemory(rec *plugins.Recorder, raw string) error {
	stats, err := decodeList[memoryData](raw)
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	if len(stats) == 0 {
		return fmt.Errorf("memory: no data")
	}
	m := stats[0]
	total := float64(m.TotalVisibleMemorySize) * 1024
	free := float64(m.FreePhysicalMemory) * 1024
	rec.Gauge("Memory/Total", "bytes", total)
	rec.Gauge("Memory/Free", "bytes", free)
	rec.Gauge("Memory/Used", "bytes", total-free)
	if total > 0 {
		rec.Gauge("Memory/Utilization", "percent", (total-free)/total*100)
	}
	return nil
}

// recordDisks emits usage per fixed logical disk.
func recordDisks(rec *plugins.Recorder, raw string) error {
	disks, err := decodeList[diskData](raw)
	if err != nil {
		return fmt.Errorf("disks: %w", err)
	}
	for _, d := range disks {
		prefix := "Disk/" + d.DeviceID + "/"
		used := float64(d.Size - d.FreeSpace)
		rec.Gauge(prefix+"Used", "bytes", used)
		rec.Gauge(prefix+"Free", "bytes", float64(d.FreeSpace))
		if d.Size > 0 {
			rec.Gauge(prefix+"Utilization", "percent", used/float64(d.Size)*100)
		}
	}
	return nil
}
