package device

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jaypipes/ghw"
	"github.com/jaypipes/ghw/pkg/gpu"
	"github.com/jaypipes/ghw/pkg/pci"
)

var ErrNoDevices = errors.New("no CUDA capable devices found")

type IndexError struct {
	Index int
	Count int
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("device %d not available, %d device(s) found", e.Index, e.Count)
}

// Device is a CUDA capable card. Index is the ordinal the CUDA execution
// provider expects as device_id.
type Device struct {
	Index   int
	Name    string
	Address string
}

func getGPUDefault() ([]*gpu.GraphicsCard, error) {
	gpu, err := ghw.GPU()
	if err != nil {
		return nil, err
	}
	return gpu.GraphicsCards, nil
}

func getPCIDefault() ([]*pci.Device, error) {
	pci, err := ghw.PCI()
	if err != nil {
		return nil, err
	}
	return pci.ListDevices(), nil
}

var getGPU = getGPUDefault
var getPCI = getPCIDefault

var (
	nvidiaRe     = regexp.MustCompile("(?i)nvidia")
	displayCtlRe = regexp.MustCompile("(?i)display ?controller")
)

func List() ([]Device, error) {
	cards, err := getGPU()
	if err != nil {
		return nil, fmt.Errorf("error probing graphics cards: %w", err)
	}

	var devices []Device
	for _, card := range cards {
		if card.DeviceInfo != nil && card.DeviceInfo.Vendor != nil && nvidiaRe.MatchString(card.DeviceInfo.Vendor.Name) {
			devices = append(devices, Device{
				Index:   len(devices),
				Name:    productName(card.DeviceInfo),
				Address: card.Address,
			})
		}
	}
	if len(cards) != 0 {
		return devices, nil
	}

	// GraphicsCards can be empty on VMs, fall back to the PCI bus.
	pciDevices, err := getPCI()
	if err != nil {
		return nil, fmt.Errorf("error probing pci devices: %w", err)
	}
	for _, dev := range pciDevices {
		if dev.Vendor == nil || !nvidiaRe.MatchString(dev.Vendor.Name) {
			continue
		}
		isDisplay := dev.Class != nil && displayCtlRe.MatchString(dev.Class.Name)
		if nvidiaRe.MatchString(dev.Driver) || isDisplay {
			devices = append(devices, Device{
				Index:   len(devices),
				Name:    productName(dev),
				Address: dev.Address,
			})
		}
	}
	return devices, nil
}

func productName(dev *pci.Device) string {
	if dev.Product != nil && dev.Product.Name != "" {
		return dev.Product.Name
	}
	return "unknown"
}

// Select logs every detected device and returns the one at index.
func Select(index int) (Device, error) {
	devices, err := List()
	if err != nil {
		return Device{}, err
	}

	slog.Info("number of devices available", "count", len(devices))
	if len(devices) == 0 {
		return Device{}, ErrNoDevices
	}
	for _, d := range devices {
		slog.Info("device", "index", d.Index, "name", d.Name, "address", d.Address)
	}

	if index < 0 || index >= len(devices) {
		return Device{}, &IndexError{Index: index, Count: len(devices)}
	}

	selected := devices[index]
	slog.Info("selected device", "index", selected.Index, "name", selected.Name)
	return selected, nil
}
