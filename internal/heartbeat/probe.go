// Package heartbeat периодически отправляет менеджеру флота состояние автомата:
// платёжный бэкенд, ресурсы системы и температуру процессора.
package heartbeat

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostInfo описывает хост.
type HostInfo struct {
	Hostname string
	Platform string
	OS       string
}

// MemoryUsage описывает использование памяти.
type MemoryUsage struct {
	TotalMB     uint64  `json:"total_mb"`
	UsedMB      uint64  `json:"used_mb"`
	AvailableMB uint64  `json:"available_mb"`
	Percent     float64 `json:"percent"`
}

// DiskUsage описывает использование корневого раздела.
type DiskUsage struct {
	TotalGB float64 `json:"total_gb"`
	UsedGB  float64 `json:"used_gb"`
	FreeGB  float64 `json:"free_gb"`
	Percent float64 `json:"percent"`
}

// Probe собирает системные показатели.
type Probe interface {
	Uptime(ctx context.Context) (uint64, error)
	Host(ctx context.Context) (HostInfo, error)
	Memory(ctx context.Context) (MemoryUsage, error)
	Disk(ctx context.Context) (DiskUsage, error)
	CPUTemperature(ctx context.Context) (float64, error)
}

// SystemProbe читает показатели через gopsutil.
type SystemProbe struct{}

var _ Probe = SystemProbe{}

// Uptime возвращает время работы системы в секундах.
func (SystemProbe) Uptime(ctx context.Context) (uint64, error) {
	return host.UptimeWithContext(ctx)
}

// Host возвращает имя хоста, архитектуру и ОС.
func (SystemProbe) Host(ctx context.Context) (HostInfo, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return HostInfo{}, fmt.Errorf("host info: %w", err)
	}
	return HostInfo{
		Hostname: info.Hostname,
		Platform: info.KernelArch,
		OS:       strings.TrimSpace(info.Platform + " " + info.PlatformVersion),
	}, nil
}

// Memory возвращает использование оперативной памяти.
func (SystemProbe) Memory(ctx context.Context) (MemoryUsage, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return MemoryUsage{}, fmt.Errorf("virtual memory: %w", err)
	}
	const mb = 1 << 20
	return MemoryUsage{
		TotalMB:     vm.Total / mb,
		UsedMB:      (vm.Total - vm.Available) / mb,
		AvailableMB: vm.Available / mb,
		Percent:     round1(vm.UsedPercent),
	}, nil
}

// Disk возвращает использование корневого раздела.
func (SystemProbe) Disk(ctx context.Context) (DiskUsage, error) {
	u, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return DiskUsage{}, fmt.Errorf("disk usage: %w", err)
	}
	const gb = 1 << 30
	return DiskUsage{
		TotalGB: round1(float64(u.Total) / gb),
		UsedGB:  round1(float64(u.Used) / gb),
		FreeGB:  round1(float64(u.Free) / gb),
		Percent: round1(u.UsedPercent),
	}, nil
}

// CPUTemperature возвращает температуру процессора в градусах Цельсия. Предпочитает датчики
// cpu/soc/thermal_zone, иначе берёт максимальную из доступных.
func (SystemProbe) CPUTemperature(ctx context.Context) (float64, error) {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if len(temps) == 0 {
		if err == nil {
			err = fmt.Errorf("no temperature sensors")
		}
		return 0, err
	}

	best, found := 0.0, false
	for _, t := range temps {
		key := strings.ToLower(t.SensorKey)
		if strings.Contains(key, "cpu") || strings.Contains(key, "soc") || strings.Contains(key, "thermal_zone0") {
			return round1(t.Temperature), nil
		}
		if !found || t.Temperature > best {
			best, found = t.Temperature, true
		}
	}
	return round1(best), nil
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

// FormatUptime форматирует время работы как "<дни>j <часы>h <минуты>m".
func FormatUptime(seconds uint64) string {
	days := seconds / 86400
	hours := seconds % 86400 / 3600
	minutes := seconds % 3600 / 60
	return fmt.Sprintf("%dj %dh %dm", days, hours, minutes)
}
