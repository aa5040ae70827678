package device

import (
	"fmt"
	"sort"
)

// BackendConfig controls runtime selection.
type BackendConfig struct {
	// Preferred backend order (highest priority first)
	PreferredOrder []string `json:"preferred_order"`
	// Allow falling back to the simulator when no preferred backend works
	EnableFallback bool      `json:"enable_fallback"`
	Sim            SimConfig `json:"-"`
}

// DefaultBackendConfig returns the auto-selection order: real OpenCL first,
// then the host simulator.
func DefaultBackendConfig() *BackendConfig {
	return &BackendConfig{
		PreferredOrder: []string{
			"opencl", // 1. System OpenCL ICD
			"sim",    // 2. Host simulator
		},
		EnableFallback: true,
	}
}

// constructors maps backend names to runtime constructors.
var constructors = map[string]func(cfg *BackendConfig) (Runtime, error){
	"opencl": func(*BackendConfig) (Runtime, error) { return NewOpenCLRuntime() },
	"sim":    func(cfg *BackendConfig) (Runtime, error) { return NewSimRuntime(cfg.Sim), nil },
}

// RuntimeFactory detects the usable backends and hands out runtimes.
type RuntimeFactory struct {
	config   *BackendConfig
	runtimes map[string]Runtime
	reasons  map[string]string
	best     string
}

// NewRuntimeFactory probes every known backend.
func NewRuntimeFactory(config *BackendConfig) *RuntimeFactory {
	if config == nil {
		config = DefaultBackendConfig()
	}
	f := &RuntimeFactory{
		config:   config,
		runtimes: make(map[string]Runtime),
		reasons:  make(map[string]string),
	}
	f.detect()
	f.selectBest()
	return f
}

func (f *RuntimeFactory) detect() {
	for name, newRuntime := range constructors {
		rt, err := newRuntime(f.config)
		if err != nil {
			f.reasons[name] = err.Error()
			continue
		}
		platforms, err := rt.Platforms()
		if err != nil {
			f.reasons[name] = err.Error()
			continue
		}
		if len(platforms) == 0 {
			f.reasons[name] = "no platforms"
			continue
		}
		f.runtimes[name] = rt
	}
}

func (f *RuntimeFactory) selectBest() {
	for _, name := range f.config.PreferredOrder {
		if _, ok := f.runtimes[name]; ok {
			f.best = name
			return
		}
	}
	if _, ok := f.runtimes["sim"]; ok && f.config.EnableFallback {
		f.best = "sim"
	}
}

// Runtime returns the named backend, or the best detected one for "auto".
func (f *RuntimeFactory) Runtime(name string) (Runtime, error) {
	if name == "auto" || name == "" {
		if f.best == "" {
			return nil, fmt.Errorf("no usable device backend")
		}
		name = f.best
	}
	if _, known := constructors[name]; !known {
		return nil, fmt.Errorf("unknown backend %q", name)
	}
	rt, ok := f.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("backend %s unavailable: %s", name, f.reasons[name])
	}
	return rt, nil
}

// Best returns the auto-selected backend name, empty if none.
func (f *RuntimeFactory) Best() string { return f.best }

// DetectionReport contains the results of backend detection
type DetectionReport struct {
	Backends       []*BackendStatus `json:"backends"`
	BestBackend    string           `json:"best_backend"`
	AvailableCount int              `json:"available_count"`
}

// BackendStatus describes one backend and what it can see
type BackendStatus struct {
	Name      string           `json:"name"`
	Available bool             `json:"available"`
	Priority  int              `json:"priority"`
	Reason    string           `json:"reason,omitempty"`
	Platforms []PlatformStatus `json:"platforms,omitempty"`
}

// PlatformStatus lists a platform's devices of both classes.
type PlatformStatus struct {
	Name    string `json:"name"`
	Devices []Info `json:"devices"`
}

// Report enumerates every backend, platform and device.
func (f *RuntimeFactory) Report() *DetectionReport {
	report := &DetectionReport{BestBackend: f.best}
	if report.BestBackend == "" {
		report.BestBackend = "none"
	}

	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		pi, pj := f.priority(names[i]), f.priority(names[j])
		if pi != pj {
			return pi < pj
		}
		return names[i] < names[j]
	})

	for _, name := range names {
		st := &BackendStatus{Name: name, Priority: f.priority(name), Reason: f.reasons[name]}
		if rt, ok := f.runtimes[name]; ok {
			st.Available = true
			report.AvailableCount++
			platforms, _ := rt.Platforms()
			for _, p := range platforms {
				ps := PlatformStatus{Name: p.Name()}
				for _, t := range []Type{TypeGPU, TypeAccelerator} {
					devs, err := p.Devices(t)
					if err != nil {
						continue
					}
					for _, d := range devs {
						ps.Devices = append(ps.Devices, d.Info())
					}
				}
				st.Platforms = append(st.Platforms, ps)
			}
		}
		report.Backends = append(report.Backends, st)
	}
	return report
}

// priority returns the position of a backend in the preferred order
func (f *RuntimeFactory) priority(name string) int {
	for i, preferred := range f.config.PreferredOrder {
		if name == preferred {
			return i
		}
	}
	return 999
}
