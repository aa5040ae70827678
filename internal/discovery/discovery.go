// internal/discovery/discovery.go
// Package discovery finds xleth controllers serving gRPC on a subnet.
package discovery

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"xleth/internal/rpc"
)

// DiscoveryResult contains information about a discovered controller
type DiscoveryResult struct {
	Address    string  `json:"address"`
	IPAddress  string  `json:"ip_address"`
	Port       int     `json:"port"`
	Phase      string  `json:"phase,omitempty"`
	Platform   string  `json:"platform,omitempty"`
	Device     string  `json:"device,omitempty"`
	HashRate   float64 `json:"hash_rate_mhs"`
	LatencyMs  int64   `json:"latency_ms"`
	Responding bool    `json:"responding"`
	Error      string  `json:"error,omitempty"`
}

// DiscoveryConfig holds configuration for network discovery
type DiscoveryConfig struct {
	Subnet          string        `json:"subnet"`           // CIDR notation, e.g., "192.168.1.0/24"
	Port            int           `json:"port"`             // gRPC port to scan
	Timeout         time.Duration `json:"timeout"`          // Per-host probe timeout
	ConcurrentScans int           `json:"concurrent_scans"` // Number of concurrent workers
	SkipLocalhost   bool          `json:"skip_localhost"`   // Skip localhost scanning
}

// NewDiscoveryConfig creates a default discovery configuration
func NewDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		Port:            9090,
		Timeout:         2 * time.Second,
		ConcurrentScans: 20,
	}
}

// DiscoverControllers probes every address of the subnet (the local /24 when
// unset) plus localhost. Only responding controllers are returned.
func DiscoverControllers(ctx context.Context, config DiscoveryConfig) ([]DiscoveryResult, error) {
	if config.Subnet == "" {
		subnet, err := getLocalSubnet()
		if err != nil {
			return nil, fmt.Errorf("failed to determine local subnet: %w", err)
		}
		config.Subnet = subnet
	}
	if config.ConcurrentScans <= 0 {
		config.ConcurrentScans = 1
	}

	ip, ipnet, err := net.ParseCIDR(config.Subnet)
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %s: %w", config.Subnet, err)
	}

	var ips []string
	for ip := ip.Mask(ipnet.Mask); ipnet.Contains(ip); incrementIP(ip) {
		ips = append(ips, ip.String())
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		found     []DiscoveryResult
		semaphore = make(chan struct{}, config.ConcurrentScans)
	)
	probe := func(address, ip string) {
		defer wg.Done()
		defer func() { <-semaphore }()
		r := probeController(ctx, address, ip, config.Port, config.Timeout)
		if r.Responding {
			mu.Lock()
			found = append(found, r)
			mu.Unlock()
		}
	}

	if !config.SkipLocalhost {
		wg.Add(1)
		semaphore <- struct{}{}
		go probe(net.JoinHostPort("127.0.0.1", fmt.Sprint(config.Port)), "127.0.0.1")
	}

scan:
	for _, ipStr := range ips {
		if isLocalIP(ipStr) {
			continue
		}
		select {
		case <-ctx.Done():
			break scan
		case semaphore <- struct{}{}:
		}
		wg.Add(1)
		go probe(net.JoinHostPort(ipStr, fmt.Sprint(config.Port)), ipStr)
	}

	wg.Wait()
	return found, ctx.Err()
}

// probeController asks a controller for its status.
func probeController(ctx context.Context, address, ipAddress string, port int, timeout time.Duration) DiscoveryResult {
	start := time.Now()
	result := DiscoveryResult{Address: address, IPAddress: ipAddress, Port: port}

	client, err := rpc.Dial(address)
	if err != nil {
		result.Error = fmt.Sprintf("Connection failed: %v", err)
		return result
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	st, err := client.Status(ctx)
	result.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Error = fmt.Sprintf("Status failed: %v", err)
		return result
	}

	result.Responding = true
	result.Phase, _ = st["phase"].(string)
	result.Platform, _ = st["platform"].(string)
	result.Device, _ = st["device"].(string)
	result.HashRate, _ = st["hash_rate_mhs"].(float64)
	return result
}

// getLocalSubnet attempts to determine the local network subnet
func getLocalSubnet() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", err
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}

			if ip == nil || ip.To4() == nil {
				continue
			}

			// assume /24
			parts := strings.Split(ip.String(), ".")
			if len(parts) == 4 {
				return fmt.Sprintf("%s.%s.%s.0/24", parts[0], parts[1], parts[2]), nil
			}
		}
	}

	return "", fmt.Errorf("no suitable network interface found")
}

// incrementIP increments an IP address
func incrementIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}

// isLocalIP checks if an IP address belongs to this host
func isLocalIP(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.Equal(ip) {
			return true
		}
	}
	return false
}

// FindBest selects the responding controller with the highest hash rate,
// then the lowest latency.
func FindBest(discoveries []DiscoveryResult) *DiscoveryResult {
	var best *DiscoveryResult
	for i := range discoveries {
		r := &discoveries[i]
		if !r.Responding {
			continue
		}
		if best == nil || r.HashRate > best.HashRate ||
			(r.HashRate == best.HashRate && r.LatencyMs < best.LatencyMs) {
			best = r
		}
	}
	return best
}
