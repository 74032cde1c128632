// Package agentproto defines the wire protocol between the bridge and a
// headless coding agent: newline-delimited JSON over the agent's stdin/stdout.
// Each request carries an id that the matching response echoes.
package agentproto

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Well-known commands. Agents may accept others.
const (
	CommandPing      = "ping"
	CommandInit      = "init"
	CommandPlan      = "plan"
	CommandImplement = "implement"
	CommandTest      = "test"
	CommandPackage   = "package"
	CommandShutdown  = "shutdown"
)

// MaxLineSize bounds a single protocol message.
const MaxLineSize = 10 * 1024 * 1024

// Request is sent by the bridge.
type Request struct {
	ID      string         `json:"id"`
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

// Response is sent by the agent.
type Response struct {
	ID           string         `json:"id"`
	Success      bool           `json:"success"`
	Error        string         `json:"error,omitempty"`
	FilesChanged []string       `json:"files_changed,omitempty"`
	ViewsOpened  []string       `json:"views_opened,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
}

// Failure builds an unsuccessful response for req.
func Failure(req *Request, format string, args ...any) *Response {
	return &Response{ID: req.ID, Success: false, Error: fmt.Sprintf(format, args...)}
}

// NewScanner returns a line scanner sized for protocol messages.
func NewScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	return scanner
}

// Handler answers one request.
type Handler interface {
	Handle(ctx context.Context, req *Request) *Response
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request) *Response

func (f HandlerFunc) Handle(ctx context.Context, req *Request) *Response { return f(ctx, req) }

// Serve runs the agent side of the protocol until r reaches EOF, a shutdown
// command is answered, or ctx is cancelled. Requests are handled one at a
// time in arrival order.
func Serve(ctx context.Context, r io.Reader, w io.Writer, h Handler) error {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	write := func(resp *Response) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(resp)
	}

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := NewScanner(r)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if len(line) == 0 {
				continue
			}

			var req Request
			if err := json.Unmarshal(line, &req); err != nil {
				if werr := write(&Response{Success: false, Error: "malformed request: " + err.Error()}); werr != nil {
					return werr
				}
				continue
			}

			resp := h.Handle(ctx, &req)
			if resp == nil {
				resp = &Response{Success: true}
			}
			resp.ID = req.ID
			if err := write(resp); err != nil {
				return err
			}
			if req.Command == CommandShutdown {
				return nil
			}
		}
	}
}

// ErrClosed is returned by Client calls after the connection is gone.
var ErrClosed = errors.New("agent connection closed")
