package marshall

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"
)

// Port описывает последовательный канал к устройству Nayax.
// Read должен возвращаться по таймауту, чтобы цикл опроса мог проверять живость канала.
type Port interface {
	io.ReadWriteCloser
}

// Opener открывает порт по имени и скорости.
type Opener func(name string, baud int) (Port, error)

// ReadTimeout ограничивает время блокировки Read на реальном порту.
const ReadTimeout = 500 * time.Millisecond

// OpenSerial открывает порт в режиме 8N1.
func OpenSerial(name string, baud int) (Port, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", name, err)
	}
	if err := p.SetReadTimeout(ReadTimeout); err != nil {
		p.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	if err := p.ResetInputBuffer(); err != nil {
		p.Close()
		return nil, fmt.Errorf("reset input buffer: %w", err)
	}
	return p, nil
}

// ListPorts возвращает имена доступных последовательных портов.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
