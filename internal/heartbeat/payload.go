package heartbeat

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/mmeshcher/shaka-agent/internal/model"
	"github.com/mmeshcher/shaka-agent/internal/payment"
)

// Статусы автомата в heartbeat.
const (
	StatusOnline   = "online"
	StatusDegraded = "degraded"
)

// AgentVersion версия агента, сообщаемая менеджеру флота.
const AgentVersion = "2.1.0"

// Sensors содержит показания датчиков.
type Sensors struct {
	Temp     float64 `json:"temp"`
	DoorOpen bool    `json:"doorOpen"`
}

// PaymentStatus кратко описывает платёжный бэкенд.
type PaymentStatus struct {
	Protocol   string             `json:"protocol"`
	Connected  bool               `json:"connected"`
	Simulation bool               `json:"simulation"`
	State      model.State        `json:"state"`
	Link       *payment.LinkStats `json:"link,omitempty"`
	API        *payment.APIStats  `json:"api,omitempty"`
}

// Meta содержит сведения о хосте.
type Meta struct {
	Hostname string         `json:"hostname,omitempty"`
	Platform string         `json:"platform,omitempty"`
	OS       string         `json:"os,omitempty"`
	Disk     *DiskUsage     `json:"disk,omitempty"`
	Memory   *MemoryUsage   `json:"memory,omitempty"`
	Payment  *PaymentStatus `json:"payment,omitempty"`
}

// Payload тело heartbeat.
type Payload struct {
	MachineID    string  `json:"machineId"`
	Status       string  `json:"status"`
	Sensors      Sensors `json:"sensors"`
	Firmware     string  `json:"firmware"`
	AgentVersion string  `json:"agentVersion"`
	Uptime       string  `json:"uptime"`
	Location     string  `json:"location,omitempty"`
	Meta         Meta    `json:"meta"`
}

// Collector собирает heartbeat из системных показателей и состояния платёжного бэкенда.
type Collector struct {
	machineID string
	firmware  string
	location  string
	statePath string
	snapshot  func() payment.Snapshot
	probe     Probe
	logger    *zap.Logger
}

// NewCollector создаёт сборщик. Состояние бэкенда читается из statePath, а если файла нет,
// то берётся у snapshot.
func NewCollector(machineID, firmware, location, statePath string, snapshot func() payment.Snapshot, probe Probe, logger *zap.Logger) *Collector {
	return &Collector{
		machineID: machineID,
		firmware:  firmware,
		location:  location,
		statePath: statePath,
		snapshot:  snapshot,
		probe:     probe,
		logger:    logger,
	}
}

// Collect собирает payload. Недоступные показатели пропускаются.
func (c *Collector) Collect(ctx context.Context) Payload {
	p := Payload{
		MachineID:    c.machineID,
		Status:       StatusDegraded,
		Firmware:     c.firmware,
		AgentVersion: AgentVersion,
		Uptime:       "unknown",
		Location:     c.location,
	}

	if up, err := c.probe.Uptime(ctx); err == nil {
		p.Uptime = FormatUptime(up)
	}
	if temp, err := c.probe.CPUTemperature(ctx); err == nil {
		p.Sensors.Temp = temp
	} else {
		c.logger.Debug("cpu temperature unavailable", zap.Error(err))
	}
	if h, err := c.probe.Host(ctx); err == nil {
		p.Meta.Hostname, p.Meta.Platform, p.Meta.OS = h.Hostname, h.Platform, h.OS
	}
	if m, err := c.probe.Memory(ctx); err == nil {
		p.Meta.Memory = &m
	}
	if d, err := c.probe.Disk(ctx); err == nil {
		p.Meta.Disk = &d
	}

	snap := c.paymentSnapshot()
	p.Meta.Payment = &PaymentStatus{
		Protocol:   snap.Protocol,
		Connected:  snap.Connected,
		Simulation: snap.Simulation,
		State:      snap.State,
		Link:       snap.LinkStats,
		API:        snap.APIStats,
	}
	if snap.Connected {
		p.Status = StatusOnline
	}
	return p
}

func (c *Collector) paymentSnapshot() payment.Snapshot {
	if c.statePath != "" {
		snap, err := payment.LoadSnapshot(c.statePath)
		if err == nil {
			return *snap
		}
		if !errors.Is(err, payment.ErrNoState) {
			c.logger.Warn("read state file error", zap.String("path", c.statePath), zap.Error(err))
		}
	}
	return c.snapshot()
}
