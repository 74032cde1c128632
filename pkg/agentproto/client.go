package agentproto

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

// Client is the bridge side of the protocol. Calls may be issued concurrently;
// responses are matched to callers by request id.
type Client struct {
	writeMu sync.Mutex
	enc     *json.Encoder

	mu      sync.Mutex
	pending map[string]chan *Response
	err     error

	done chan struct{}
}

// NewClient starts reading responses from r. Requests are written to w.
func NewClient(r io.Reader, w io.Writer) *Client {
	c := &Client{
		enc:     json.NewEncoder(w),
		pending: make(map[string]chan *Response),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Call sends command and waits for its response or ctx.
func (c *Client) Call(ctx context.Context, command string, args map[string]any) (*Response, error) {
	req := &Request{ID: uuid.New().String(), Command: command, Args: args}
	ch := make(chan *Response, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err := c.enc.Encode(req)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("send %s: %w", command, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-c.done:
		return nil, c.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed once the agent's output stream ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the stream ended, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop(r io.Reader) {
	scanner := NewScanner(r)
	for scanner.Scan() {
		var resp Response
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			// agents may print diagnostics on stdout; only JSON lines count
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			select {
			case ch <- &resp:
			default:
			}
		}
	}

	err := ErrClosed
	if scanErr := scanner.Err(); scanErr != nil {
		err = fmt.Errorf("%w: %v", ErrClosed, scanErr)
	}
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	close(c.done)
}
