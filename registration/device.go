package registration

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Dtype is the floating-point precision a point cloud or transform is stored in.
type Dtype int

const (
	Float32 Dtype = iota
	Float64
)

// String returns the dtype name used in config files and error messages.
func (d Dtype) String() string {
	switch d {
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	default:
		return fmt.Sprintf("Dtype(%d)", int(d))
	}
}

// ParseDtype accepts "float32"/"float64" in any case. Empty means Float32.
func ParseDtype(s string) (Dtype, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "float32", "f32":
		return Float32, nil
	case "float64", "f64":
		return Float64, nil
	default:
		return 0, fmt.Errorf("unknown dtype %q", s)
	}
}

// round stores v at the dtype's precision.
func (d Dtype) round(v float64) float64 {
	if d == Float32 {
		return float64(float32(v))
	}
	return v
}

// DeviceType names the class of compute device a cloud is bound to.
type DeviceType string

const (
	DeviceCPU  DeviceType = "CPU"
	DeviceCUDA DeviceType = "CUDA"
)

// Device identifies a compute device, e.g. CPU:0.
// All arithmetic runs on the host; the tag only decides which operands may be
// combined.
type Device struct {
	Type DeviceType
	ID   int
}

// CPU returns the default host device.
func CPU() Device {
	return Device{Type: DeviceCPU, ID: 0}
}

func (d Device) String() string {
	return fmt.Sprintf("%s:%d", d.Type, d.ID)
}

// ParseDevice parses "CPU:0", "cuda:1" or a bare "CPU" (ID 0).
func ParseDevice(s string) (Device, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return CPU(), nil
	}
	name, idStr, hasID := strings.Cut(s, ":")
	var dt DeviceType
	switch strings.ToUpper(name) {
	case string(DeviceCPU):
		dt = DeviceCPU
	case string(DeviceCUDA):
		dt = DeviceCUDA
	default:
		return Device{}, fmt.Errorf("unknown device type %q", name)
	}
	id := 0
	if hasID {
		n, err := strconv.Atoi(idStr)
		if err != nil || n < 0 || n > math.MaxInt32 {
			return Device{}, fmt.Errorf("invalid device id %q", idStr)
		}
		id = n
	}
	return Device{Type: dt, ID: id}, nil
}
