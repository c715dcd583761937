package device

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

const (
	// DefaultBaudRate is the baud rate used by the mixer firmware.
	DefaultBaudRate = 115200

	// RaspberryPiVID is the USB vendor id of RP2040 based boards.
	RaspberryPiVID = "2E8A"
)

// Port is an open byte stream to the mixer hardware.
type Port io.ReadWriteCloser

// PortInfo describes a serial port available on the host.
type PortInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	IsUSB       bool   `json:"is_usb"`
	VID         string `json:"vid,omitempty"`
	PID         string `json:"pid,omitempty"`
	Product     string `json:"product,omitempty"`
}

// Opener opens and enumerates ports (real or simulated).
type Opener interface {
	Open(name string) (Port, error)
	Ports() ([]PortInfo, error)
}

// Ensure Serial implements Opener.
var _ Opener = (*Serial)(nil)

// Ensure Mock implements Opener.
var _ Opener = (*Mock)(nil)

// Serial opens real serial ports.
type Serial struct {
	baudRate int
}

// NewSerial creates a serial opener with the given baud rate.
func NewSerial(baudRate int) *Serial {
	if baudRate == 0 {
		baudRate = DefaultBaudRate
	}
	return &Serial{baudRate: baudRate}
}

// Open opens the named serial port.
func (s *Serial) Open(name string) (Port, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: s.baudRate})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	return port, nil
}

// Ports returns the available serial ports. USB details are included when the
// platform enumerator supports them.
func (s *Serial) Ports() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil && len(details) > 0 {
		result := make([]PortInfo, 0, len(details))
		for _, d := range details {
			result = append(result, portInfoFromDetails(d))
		}
		return result, nil
	}

	names, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]PortInfo, 0, len(names))
	for _, name := range names {
		result = append(result, PortInfo{Name: name, Description: "Serial Port"})
	}
	return result, nil
}

func portInfoFromDetails(d *enumerator.PortDetails) PortInfo {
	info := PortInfo{
		Name:        d.Name,
		Description: "Serial Port",
		IsUSB:       d.IsUSB,
		VID:         strings.ToUpper(d.VID),
		PID:         strings.ToUpper(d.PID),
		Product:     d.Product,
	}
	if d.IsUSB {
		product := d.Product
		if product == "" {
			product = "Unknown"
		}
		info.Description = fmt.Sprintf("%s (%s:%s)", product, info.VID, info.PID)
	}
	return info
}

// Candidates orders ports by how likely they are to be the mixer: RP2040
// boards first, then common CDC-ACM names, then everything else.
func Candidates(ports []PortInfo) []PortInfo {
	ranked := make([]PortInfo, len(ports))
	copy(ranked, ports)
	sort.SliceStable(ranked, func(i, j int) bool {
		return rank(ranked[i]) < rank(ranked[j])
	})
	return ranked
}

func rank(p PortInfo) int {
	product := strings.ToLower(p.Product)
	if p.VID == RaspberryPiVID || strings.Contains(product, "pico") || strings.Contains(product, "rp2040") {
		return 0
	}

	name := strings.ToLower(p.Name)
	switch {
	case strings.Contains(name, "usbmodem"), strings.Contains(name, "ttyacm"):
		return 1
	case strings.HasPrefix(name, "com") && len(name) <= 5:
		return 2
	case p.IsUSB:
		return 3
	}
	return 4
}
