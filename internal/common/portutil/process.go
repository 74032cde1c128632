package portutil

import (
	"bufio"
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

// ProcessInfo identifies the process holding a port. Name may be empty.
type ProcessInfo struct {
	PID  int    `json:"pid"`
	Name string `json:"name,omitempty"`
}

func (p *ProcessInfo) String() string {
	if p == nil {
		return "unknown process"
	}
	if p.Name == "" {
		return "pid " + strconv.Itoa(p.PID)
	}
	return p.Name + " (pid " + strconv.Itoa(p.PID) + ")"
}

// ProcessFinder identifies the process listening on a port. Lookups are best
// effort: missing tooling or unparseable output yields (nil, false).
type ProcessFinder interface {
	ProcessUsingPort(ctx context.Context, port int, host string) (*ProcessInfo, bool)
}

// ProcessKiller force-terminates a process by pid.
type ProcessKiller interface {
	KillProcess(ctx context.Context, pid int) error
}

// commandRunner runs an external tool and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	if _, err := exec.LookPath(name); err != nil {
		return nil, err
	}
	return exec.CommandContext(ctx, name, args...).Output()
}

// NewProcessFinder returns the finder for the current platform.
func NewProcessFinder() ProcessFinder {
	return newPlatformFinder(runCommand)
}

// NewProcessKiller returns the killer for the current platform.
func NewProcessKiller() ProcessKiller {
	return platformKiller{}
}

// errInvalidPID guards against signalling a process group or every process.
var errInvalidPID = errors.New("invalid pid")

// parseLsof parses `lsof -Fpc` output: lines prefixed with p (pid) and c (command).
func parseLsof(out []byte) (*ProcessInfo, bool) {
	var info *ProcessInfo
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		line := sc.Text()
		if len(line) < 2 {
			continue
		}
		switch line[0] {
		case 'p':
			if info != nil {
				return info, true
			}
			pid, err := strconv.Atoi(line[1:])
			if err != nil {
				continue
			}
			info = &ProcessInfo{PID: pid}
		case 'c':
			if info != nil && info.Name == "" {
				info.Name = line[1:]
			}
		}
	}
	return info, info != nil
}

var ssUsersRegex = regexp.MustCompile(`users:\(\("([^"]*)",pid=(\d+)`)

// parseSS parses `ss -ltnpH` output and returns the owner of the listener on port.
func parseSS(out []byte, port int) (*ProcessInfo, bool) {
	suffix := ":" + strconv.Itoa(port)
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		// State Recv-Q Send-Q Local Peer [Process]
		if !strings.HasSuffix(fields[3], suffix) {
			continue
		}
		m := ssUsersRegex.FindStringSubmatch(sc.Text())
		if m == nil {
			continue
		}
		pid, err := strconv.Atoi(m[2])
		if err != nil {
			continue
		}
		return &ProcessInfo{PID: pid, Name: m[1]}, true
	}
	return nil, false
}

// parseNetstat parses `netstat -ano -p TCP` output (Windows) and returns the pid
// listening on port.
func parseNetstat(out []byte, port int) (int, bool) {
	suffix := ":" + strconv.Itoa(port)
	sc := bufio.NewScanner(strings.NewReader(string(out)))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 || !strings.EqualFold(fields[0], "TCP") {
			continue
		}
		if !strings.HasSuffix(fields[1], suffix) || !strings.EqualFold(fields[3], "LISTENING") {
			continue
		}
		pid, err := strconv.Atoi(fields[4])
		if err != nil || pid == 0 {
			continue
		}
		return pid, true
	}
	return 0, false
}

// parseTasklist parses `tasklist /FO CSV /NH` output and returns the image name.
func parseTasklist(out []byte) string {
	line := strings.TrimSpace(string(out))
	if line == "" || !strings.HasPrefix(line, `"`) {
		return ""
	}
	end := strings.Index(line[1:], `"`)
	if end < 0 {
		return ""
	}
	return line[1 : end+1]
}
