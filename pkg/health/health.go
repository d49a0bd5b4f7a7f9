// Package health samples device vitals for the system health stream.
package health

import (
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/edgehive/edgehive/pkg/record"
)

// Fields are the payload columns of a health row, in stream order.
var Fields = []string{
	"boot_time",
	"cpu_percent",
	"total_memory_gb",
	"memory_percent",
	"memory_free_mb",
	"disk_percent",
}

// Sample collects one health row. Individual probe failures leave
// their columns empty rather than failing the row; a device with a
// broken probe should still report the rest.
func Sample() record.Row {
	row := make(record.Row, len(Fields))
	for _, f := range Fields {
		row[f] = ""
	}

	if bootSec, err := host.BootTime(); err == nil {
		row["boot_time"] = record.ToISO(time.Unix(int64(bootSec), 0))
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		row["cpu_percent"] = strconv.FormatFloat(percents[0], 'f', 1, 64)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		row["total_memory_gb"] = strconv.FormatFloat(float64(vm.Total)/(1<<30), 'f', 2, 64)
		row["memory_percent"] = strconv.FormatFloat(vm.UsedPercent, 'f', 1, 64)
		row["memory_free_mb"] = strconv.FormatUint(vm.Free/(1<<20), 10)
	}
	if du, err := disk.Usage("/"); err == nil {
		row["disk_percent"] = strconv.FormatFloat(du.UsedPercent, 'f', 1, 64)
	}
	return row
}
