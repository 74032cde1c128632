package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/kandev/devbridge/internal/common/config"
)

// Resolution is the operator's answer to a port conflict.
type Resolution int

const (
	Abort Resolution = iota
	ForceRestart
	UseAlternatePort
)

func (r Resolution) String() string {
	switch r {
	case ForceRestart:
		return "force-restart"
	case UseAlternatePort:
		return "alternate-port"
	default:
		return "abort"
	}
}

// ConflictResolver decides how startup proceeds when the API port is taken.
type ConflictResolver interface {
	ResolvePortConflict(ctx context.Context, conflict *PortConflictError) (Resolution, error)
}

// StaticResolver always answers the same way.
type StaticResolver struct {
	Resolution Resolution
}

func (s StaticResolver) ResolvePortConflict(context.Context, *PortConflictError) (Resolution, error) {
	return s.Resolution, nil
}

// ResolverForPolicy maps a server.portConflict value to a resolver. The
// prompt policy reads answers from in and writes questions to out.
func ResolverForPolicy(policy string, in io.Reader, out io.Writer) (ConflictResolver, error) {
	switch policy {
	case config.PortConflictForce:
		return StaticResolver{Resolution: ForceRestart}, nil
	case config.PortConflictAlternate:
		return StaticResolver{Resolution: UseAlternatePort}, nil
	case config.PortConflictAbort:
		return StaticResolver{Resolution: Abort}, nil
	case config.PortConflictPrompt, "":
		return NewPromptResolver(in, out), nil
	default:
		return nil, fmt.Errorf("unknown port conflict policy %q", policy)
	}
}

// PromptResolver asks the operator on a terminal. Anything other than an
// explicit yes or alternate, including end of input, aborts.
type PromptResolver struct {
	in  *bufio.Reader
	out io.Writer
}

func NewPromptResolver(in io.Reader, out io.Writer) *PromptResolver {
	return &PromptResolver{in: bufio.NewReader(in), out: out}
}

func (p *PromptResolver) ResolvePortConflict(ctx context.Context, conflict *PortConflictError) (Resolution, error) {
	fmt.Fprintf(p.out, "\n%s\n", conflict.Error())
	if conflict.Process != nil {
		fmt.Fprintf(p.out, "Terminate %s and retry? [y]es / [a]lternate port / [N]o: ", conflict.Process)
	} else {
		fmt.Fprint(p.out, "Use an alternate port? [a]lternate port / [N]o: ")
	}

	answers := make(chan string, 1)
	go func() {
		line, _ := p.in.ReadString('\n')
		answers <- strings.ToLower(strings.TrimSpace(line))
	}()

	select {
	case <-ctx.Done():
		return Abort, ctx.Err()
	case answer := <-answers:
		switch answer {
		case "y", "yes":
			if conflict.Process != nil {
				return ForceRestart, nil
			}
		case "a", "alt", "alternate":
			return UseAlternatePort, nil
		}
		return Abort, nil
	}
}
