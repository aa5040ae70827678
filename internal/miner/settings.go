package miner

import (
	"fmt"
	"strings"
)

// Settings are the launch parameters of the search kernel.
type Settings struct {
	LocalWorkSize            uint32 `json:"local_work_size"`
	GlobalWorkSizeMultiplier uint32 `json:"global_work_size_multiplier"`
	// NoExit disables the kernel's early exit and switches hash-rate
	// accounting to one pass per launch.
	NoExit bool `json:"no_exit"`
	// NoBinary forces source builds even where a binary is expected.
	NoBinary bool `json:"no_binary"`
}

// DefaultSettings returns the settings used for accelerator builds.
func DefaultSettings() Settings {
	return Settings{
		LocalWorkSize:            128,
		GlobalWorkSizeMultiplier: 65536,
		NoExit:                   true,
	}
}

// ProfileFor returns the settings the command line uses for a platform:
// Xilinx runs the prebuilt binary with defaults, everything else builds
// from source with early exit enabled.
func ProfileFor(platform string) Settings {
	if platform == "Xilinx" {
		return DefaultSettings()
	}
	return Settings{
		LocalWorkSize:            128,
		GlobalWorkSizeMultiplier: 65535,
		NoExit:                   false,
	}
}

// GlobalWorkSize is the number of nonces tried per launch.
func (s Settings) GlobalWorkSize() uint64 {
	return uint64(s.LocalWorkSize) * uint64(s.GlobalWorkSizeMultiplier)
}

func (s Settings) Validate() error {
	if s.LocalWorkSize == 0 {
		return NewError(ErrCodeInvalidArgument, "invalid settings", "local work size must be positive")
	}
	if s.GlobalWorkSizeMultiplier == 0 {
		return NewError(ErrCodeInvalidArgument, "invalid settings", "global work size multiplier must be positive")
	}
	return nil
}

// Definition is a preprocessor macro injected ahead of kernel source.
type Definition struct {
	Name  string
	Value uint32
}

// Definitions lists the macros the kernels are compiled with.
func (s Settings) Definitions() []Definition {
	defs := []Definition{
		{Name: "WORKSIZE", Value: s.LocalWorkSize},
		{Name: "ACCESSES", Value: 64},
		{Name: "MAX_OUTPUTS", Value: MaxSearchResults},
		{Name: "PLATFORM", Value: 1},
	}
	if !s.NoExit {
		defs = append(defs, Definition{Name: "FAST_EXIT", Value: 1})
	}
	return defs
}

// InjectDefinitions prepends one "#define NAME VALUEu" line per definition.
func InjectDefinitions(source string, defs []Definition) string {
	var b strings.Builder
	for _, d := range defs {
		fmt.Fprintf(&b, "#define %s %du\n", d.Name, d.Value)
	}
	b.WriteString(source)
	return b.String()
}
