package tabddpm

import (
	"fmt"
	"strconv"
	"strings"
)

// Device names where a pipeline runs. It is fixed when the pipeline is built.
type Device struct {
	Kind  string // "cpu" or "cuda"
	Index int
}

// CPU is the host device.
var CPU = Device{Kind: "cpu"}

// ParseDevice accepts "cpu", "cuda" and "cuda:N".
func ParseDevice(s string) (Device, error) {
	switch {
	case s == "" || s == "cpu":
		return CPU, nil
	case s == "cuda":
		return Device{Kind: "cuda"}, nil
	case strings.HasPrefix(s, "cuda:"):
		idx, err := strconv.Atoi(strings.TrimPrefix(s, "cuda:"))
		if err != nil || idx < 0 {
			return Device{}, fmt.Errorf("invalid device index in %q", s)
		}
		return Device{Kind: "cuda", Index: idx}, nil
	}
	return Device{}, fmt.Errorf("unknown device %q", s)
}

// IsAccelerator reports whether the device is not the host.
func (d Device) IsAccelerator() bool { return d.Kind != "cpu" }

func (d Device) String() string {
	if !d.IsAccelerator() {
		return "cpu"
	}
	return fmt.Sprintf("%s:%d", d.Kind, d.Index)
}
