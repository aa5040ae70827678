// Package diagnostics gathers host facts that decide whether a device run
// can work: host resources, OpenCL ICD registration and the kernel file.
package diagnostics

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// DiagnosticResult represents the output of a diagnostic phase
type DiagnosticResult struct {
	Phase     string         `json:"phase"`
	Timestamp string         `json:"timestamp"`
	Success   bool           `json:"success"`
	Data      map[string]any `json:"data"`
	Errors    []string       `json:"errors,omitempty"`
}

func newResult(phase string) DiagnosticResult {
	return DiagnosticResult{
		Phase:     phase,
		Timestamp: time.Now().Format(time.RFC3339),
		Success:   true,
		Data:      make(map[string]any),
	}
}

func (r *DiagnosticResult) fail(format string, args ...any) {
	r.Success = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// SystemInfo gathers host CPU, memory and OS information
func SystemInfo() DiagnosticResult {
	result := newResult("system_info")

	if info, err := host.Info(); err == nil {
		result.Data["hostname"] = info.Hostname
		result.Data["os"] = fmt.Sprintf("%s %s", info.Platform, info.PlatformVersion)
		result.Data["kernel"] = info.KernelVersion
		result.Data["arch"] = info.KernelArch
	} else {
		result.Errors = append(result.Errors, fmt.Sprintf("host info: %v", err))
	}

	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		result.Data["cpu_model"] = infos[0].ModelName
	}
	if n, err := cpu.Counts(true); err == nil {
		result.Data["cpu_threads"] = n
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		result.Data["memory"] = map[string]string{
			"total":     fmt.Sprintf("%d MB", vm.Total>>20),
			"available": fmt.Sprintf("%d MB", vm.Available>>20),
		}
	} else {
		result.fail("memory info: %v", err)
	}
	return result
}

// Default ICD registry locations.
var icdDirs = []string{"/etc/OpenCL/vendors"}

// OpenCLInfo lists the registered OpenCL ICDs and Xilinx runtime hints.
func OpenCLInfo() DiagnosticResult {
	result := newResult("opencl_info")

	dirs := icdDirs
	if v := os.Getenv("OCL_ICD_VENDORS"); v != "" {
		dirs = append([]string{v}, dirs...)
	}

	var icds []string
	for _, dir := range dirs {
		matches, _ := filepath.Glob(filepath.Join(dir, "*.icd"))
		for _, m := range matches {
			lib, err := os.ReadFile(m)
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("read %s: %v", m, err))
				continue
			}
			icds = append(icds, fmt.Sprintf("%s -> %s", filepath.Base(m), strings.TrimSpace(string(lib))))
		}
	}
	result.Data["icd_files"] = icds
	if len(icds) == 0 {
		result.fail("no OpenCL ICD registered in %s", strings.Join(dirs, ", "))
	}

	if xrt := os.Getenv("XILINX_XRT"); xrt != "" {
		result.Data["xilinx_xrt"] = xrt
	}
	return result
}

var kernelEntry = regexp.MustCompile(`__kernel\s+void\s+(\w+)\s*\(`)

// KernelFile checks that the kernel file exists and, for source kernels,
// declares both entry points.
func KernelFile(path string, binary bool) DiagnosticResult {
	result := newResult("kernel_file")
	result.Data["path"] = path
	result.Data["binary"] = binary

	raw, err := os.ReadFile(path)
	if err != nil {
		result.fail("read kernel: %v", err)
		return result
	}
	result.Data["size"] = len(raw)
	if len(raw) == 0 {
		result.fail("kernel file is empty")
		return result
	}
	if binary {
		return result
	}

	found := make(map[string]bool)
	var entries []string
	for _, m := range kernelEntry.FindAllStringSubmatch(string(raw), -1) {
		found[m[1]] = true
		entries = append(entries, m[1])
	}
	result.Data["entry_points"] = entries
	for _, want := range []string{"GenerateDAG", "search"} {
		if !found[want] {
			result.fail("missing entry point %s", want)
		}
	}
	return result
}

// RunAll runs every phase; the kernel phase is skipped without a path.
func RunAll(kernelPath string, binary bool) []DiagnosticResult {
	results := []DiagnosticResult{SystemInfo(), OpenCLInfo()}
	if kernelPath != "" {
		results = append(results, KernelFile(kernelPath, binary))
	}
	return results
}

// PrintJSON writes the results as JSON
func PrintJSON(w io.Writer, results []DiagnosticResult) error {
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// PrintText writes the results as human-readable text
func PrintText(w io.Writer, results []DiagnosticResult) {
	for _, result := range results {
		fmt.Fprintf(w, "\n%s\n", strings.Repeat("=", 50))
		fmt.Fprintf(w, "Phase: %s\n", result.Phase)
		fmt.Fprintf(w, "Timestamp: %s\n", result.Timestamp)
		fmt.Fprintf(w, "Success: %v\n", result.Success)
		fmt.Fprintln(w, strings.Repeat("-", 50))

		keys := make([]string, 0, len(result.Data))
		for k := range result.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, key := range keys {
			switch v := result.Data[key].(type) {
			case []string:
				fmt.Fprintf(w, "%s:\n", key)
				for _, item := range v {
					fmt.Fprintf(w, "  - %s\n", item)
				}
			case map[string]string:
				fmt.Fprintf(w, "%s:\n", key)
				for k, val := range v {
					fmt.Fprintf(w, "  %s: %s\n", k, val)
				}
			default:
				fmt.Fprintf(w, "%s: %v\n", key, v)
			}
		}

		if len(result.Errors) > 0 {
			fmt.Fprintln(w, "Errors:")
			for _, err := range result.Errors {
				fmt.Fprintf(w, "  - %s\n", err)
			}
		}
	}
}

// Passed reports whether every phase succeeded.
func Passed(results []DiagnosticResult) bool {
	for _, r := range results {
		if !r.Success {
			return false
		}
	}
	return true
}
