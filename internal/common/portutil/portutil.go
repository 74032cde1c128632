// Package portutil probes, allocates and diagnoses TCP ports.
package portutil

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"time"

	"github.com/kandev/devbridge/internal/common/constants"
)

// BindStatus is the state of a PortAllocation.
type BindStatus string

const (
	StatusRequested BindStatus = "requested"
	StatusBound     BindStatus = "bound"
	StatusConflict  BindStatus = "conflict"
	StatusAlternate BindStatus = "alternate"
)

// Allocation tracks a (host, port) pair and how binding it went. Recomputed on every start.
type Allocation struct {
	Host   string     `json:"host"`
	Port   int        `json:"port"`
	Status BindStatus `json:"status"`
}

// Addr returns host:port.
func (a Allocation) Addr() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// ProbeTimeout bounds IsPortAvailable. Tests may lower it.
var ProbeTimeout = constants.PortProbeTimeout

// IsPortAvailable reports whether port can be bound exclusively on host right now.
// The probe listener is closed before returning. Any failure, including a probe
// that exceeds ProbeTimeout, is reported as unavailable.
func IsPortAvailable(ctx context.Context, port int, host string) bool {
	if port <= 0 || port > 65535 {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, ProbeTimeout)
	defer cancel()

	type result struct {
		ln  net.Listener
		err error
	}
	done := make(chan result, 1)
	go func() {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		done <- result{ln: ln, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return false
		}
		return r.ln.Close() == nil
	case <-ctx.Done():
		// Release the listener if the bind completes after we gave up.
		go func() {
			if r := <-done; r.err == nil {
				_ = r.ln.Close()
			}
		}()
		return false
	}
}

// FindAvailablePort scans startPort..maxPort inclusive and returns the first
// available port. ok is false when the range is exhausted.
func FindAvailablePort(ctx context.Context, startPort, maxPort int, host string) (port int, ok bool) {
	if startPort < 1 {
		startPort = 1
	}
	if maxPort > 65535 {
		maxPort = 65535
	}
	for p := startPort; p <= maxPort; p++ {
		if ctx.Err() != nil {
			return 0, false
		}
		if IsPortAvailable(ctx, p, host) {
			return p, true
		}
	}
	return 0, false
}

// WaitForPortRelease polls until port becomes available or timeout elapses.
func WaitForPortRelease(ctx context.Context, port int, host string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if IsPortAvailable(ctx, port, host) {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// AllocatePort allocates an available port using OS assignment.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	return listener.Addr().(*net.TCPAddr).Port, nil
}

// placeholderRegex matches $PORT, ${PORT}, $API_PORT, ${API_PORT}, etc.
var placeholderRegex = regexp.MustCompile(`\$\{?([A-Z_]*PORT[A-Z0-9_]*)\}?`)

// TransformArgs replaces port placeholders in args. Placeholders present in
// known use that port; every other unique placeholder gets a freshly allocated
// port. Repeated occurrences of one placeholder resolve to the same port.
// The returned map holds placeholder name to port, suitable for the environment.
//
//	TransformArgs([]string{"--port", "$PORT"}, map[string]int{"PORT": 4100})
//	  -> ["--port", "4100"], {"PORT": "4100"}
func TransformArgs(args []string, known map[string]int) ([]string, map[string]string, error) {
	env := make(map[string]string)
	for _, arg := range args {
		for _, name := range findUniquePlaceholders(arg) {
			if _, ok := env[name]; ok {
				continue
			}
			if p, ok := known[name]; ok && p > 0 {
				env[name] = strconv.Itoa(p)
				continue
			}
			p, err := AllocatePort()
			if err != nil {
				return nil, nil, fmt.Errorf("failed to allocate port for %s: %w", name, err)
			}
			env[name] = strconv.Itoa(p)
		}
	}

	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = placeholderRegex.ReplaceAllStringFunc(arg, func(m string) string {
			name := placeholderRegex.FindStringSubmatch(m)[1]
			return env[name]
		})
	}
	return out, env, nil
}

// findUniquePlaceholders extracts unique placeholder names in order of first appearance.
func findUniquePlaceholders(s string) []string {
	matches := placeholderRegex.FindAllStringSubmatch(s, -1)
	seen := make(map[string]bool, len(matches))
	result := make([]string, 0, len(matches))
	for _, match := range matches {
		if len(match) > 1 && !seen[match[1]] {
			seen[match[1]] = true
			result = append(result, match[1])
		}
	}
	return result
}
