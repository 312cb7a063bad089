// Package device picks the compute backend a render runs on.
//
// Backends are tried in a fixed preference order, fastest ray-tracing
// hardware first. There is no CPU fallback: when nothing in the list is
// usable the job fails with HARDWARE_UNAVAILABLE.
package device

import (
	"context"
	"fmt"
	"strings"

	"broll/internal/pkg/errors"
)

// Backend is a Cycles compute device type.
type Backend string

const (
	OptiX  Backend = "OPTIX"
	CUDA   Backend = "CUDA"
	HIP    Backend = "HIP"
	OneAPI Backend = "ONEAPI"
	Metal  Backend = "METAL"
)

// DefaultPreference is the built-in backend order.
func DefaultPreference() []Backend {
	return []Backend{OptiX, CUDA, HIP, OneAPI, Metal}
}

// ParseBackends converts configured names into backends.
func ParseBackends(names []string) ([]Backend, error) {
	out := make([]Backend, 0, len(names))
	for _, n := range names {
		b := Backend(strings.ToUpper(strings.TrimSpace(n)))
		switch b {
		case OptiX, CUDA, HIP, OneAPI, Metal:
			out = append(out, b)
		default:
			return nil, fmt.Errorf("unknown compute backend %q", n)
		}
	}
	return out, nil
}

// Device is one physical device reported for a backend.
type Device struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Prober reports which backends have at least one usable device.
// Backends absent from the result, or mapped to no devices, are unavailable.
type Prober interface {
	ProbeDevices(ctx context.Context, backends []Backend) (map[Backend][]Device, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context, backends []Backend) (map[Backend][]Device, error)

func (f ProberFunc) ProbeDevices(ctx context.Context, backends []Backend) (map[Backend][]Device, error) {
	return f(ctx, backends)
}

// Selection is the outcome of a successful Select.
type Selection struct {
	Backend Backend
	Devices []Device
}

// GPU reports whether the selection runs on GPU hardware. Every supported
// backend is a GPU backend; the zero Selection is not.
func (s Selection) GPU() bool {
	return s.Backend != ""
}

// DeviceNames returns the names of the selected devices.
func (s Selection) DeviceNames() []string {
	names := make([]string, 0, len(s.Devices))
	for _, d := range s.Devices {
		names = append(names, d.Name)
	}
	return names
}

// Selector applies a preference order to probe results.
type Selector struct {
	preference []Backend
	prober     Prober
}

// NewSelector returns a Selector. An empty preference uses DefaultPreference.
func NewSelector(prober Prober, preference []Backend) *Selector {
	if len(preference) == 0 {
		preference = DefaultPreference()
	}
	return &Selector{
		preference: append([]Backend(nil), preference...),
		prober:     prober,
	}
}

// Preference returns a copy of the configured order.
func (s *Selector) Preference() []Backend {
	return append([]Backend(nil), s.preference...)
}

// Select returns the first backend in preference order that has devices.
func (s *Selector) Select(ctx context.Context) (Selection, error) {
	found, err := s.prober.ProbeDevices(ctx, s.Preference())
	if err != nil {
		return Selection{}, errors.WrapWithCode(err, errors.CodeHardwareUnavailable, "device.select", "device probe failed").
			WithField("tried", s.triedList())
	}
	return Choose(s.preference, found)
}

// Choose walks preference and returns the first backend present in available.
func Choose(preference []Backend, available map[Backend][]Device) (Selection, error) {
	for _, b := range preference {
		if devs := available[b]; len(devs) > 0 {
			return Selection{Backend: b, Devices: append([]Device(nil), devs...)}, nil
		}
	}
	tried := make([]string, 0, len(preference))
	for _, b := range preference {
		tried = append(tried, string(b))
	}
	return Selection{}, errors.HardwareUnavailable(tried)
}

func (s *Selector) triedList() string {
	names := make([]string, 0, len(s.preference))
	for _, b := range s.preference {
		names = append(names, string(b))
	}
	return strings.Join(names, ",")
}
