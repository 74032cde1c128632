package main

import (
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/pkg/agentproto"
)

type handler struct {
	dir    string
	port   string
	logger *logger.Logger
}

func newHandler(dir, port string, log *logger.Logger) *handler {
	return &handler{dir: dir, port: port, logger: log}
}

// Handle routes one request. Any command honors two test hooks in its args:
// "delay" (a Go duration) and "fail" (an error message to return).
func (h *handler) Handle(ctx context.Context, req *agentproto.Request) *agentproto.Response {
	h.logger.Debug("command received", zap.String("id", req.ID), zap.String("command", req.Command))
	if d, ok := req.Args["delay"].(string); ok {
		if err := sleep(ctx, d); err != nil {
			return agentproto.Failure(req, "%v", err)
		}
	}
	if msg, ok := req.Args["fail"].(string); ok && msg != "" {
		return agentproto.Failure(req, "%s", msg)
	}

	switch req.Command {
	case agentproto.CommandPing, agentproto.CommandShutdown:
		return &agentproto.Response{Success: true}
	case agentproto.CommandInit:
		return h.writeFiles(map[string]string{
			"README.md": "# " + stringArg(req, "title", "Generated application") + "\n",
		})
	case agentproto.CommandPlan:
		return &agentproto.Response{Success: true, Data: map[string]any{
			"steps": []string{"scaffold page", "add styles", "wire interactions"},
		}}
	case agentproto.CommandImplement:
		prompt := html.EscapeString(stringArg(req, "prompt", "Hello from the mock agent"))
		return h.writeFiles(map[string]string{
			"index.html": "<!doctype html>\n<html><body><h1>" + prompt + "</h1><script src=\"app.js\"></script></body></html>\n",
			"app.js":     "console.log('ready');\n",
		})
	case agentproto.CommandTest:
		return &agentproto.Response{Success: true, Data: map[string]any{"passed": 3, "failed": 0}}
	case agentproto.CommandPackage:
		resp := h.writeFiles(map[string]string{
			"launch.json": fmt.Sprintf("{\"command\":\"npx serve -l %s\",\"port\":%s}\n", h.port, portOrZero(h.port)),
		})
		resp.Data = map[string]any{"launch_command": "npx serve -l " + h.port}
		return resp
	case "open_view":
		return &agentproto.Response{Success: true, ViewsOpened: []string{stringArg(req, "view", "preview")}}
	default:
		return agentproto.Failure(req, "unknown command %q", req.Command)
	}
}

func (h *handler) writeFiles(files map[string]string) *agentproto.Response {
	resp := &agentproto.Response{Success: true}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(h.dir, name), []byte(content), 0o644); err != nil {
			return &agentproto.Response{Success: false, Error: err.Error()}
		}
		resp.FilesChanged = append(resp.FilesChanged, name)
	}
	return resp
}

func stringArg(req *agentproto.Request, key, fallback string) string {
	if v, ok := req.Args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func portOrZero(port string) string {
	if _, err := strconv.Atoi(port); err != nil {
		return "0"
	}
	return port
}

func sleep(ctx context.Context, d string) error {
	dur, err := time.ParseDuration(d)
	if err != nil {
		return fmt.Errorf("invalid delay %q: %w", d, err)
	}
	timer := time.NewTimer(dur)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
