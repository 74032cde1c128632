package bridge

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/devbridge/internal/common/config"
	"github.com/kandev/devbridge/internal/common/portutil"
)

func TestPromptResolver(t *testing.T) {
	node := &portutil.ProcessInfo{PID: 4242, Name: "node"}
	tests := []struct {
		name    string
		input   string
		process *portutil.ProcessInfo
		want    Resolution
	}{
		{"yes", "y\n", node, ForceRestart},
		{"yes spelled out", "  YES \n", node, ForceRestart},
		{"alternate", "a\n", node, UseAlternatePort},
		{"no", "n\n", node, Abort},
		{"empty line", "\n", node, Abort},
		{"end of input", "", node, Abort},
		{"yes without a known process", "y\n", nil, Abort},
		{"alternate without a known process", "alternate\n", nil, UseAlternatePort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			r := NewPromptResolver(strings.NewReader(tt.input), &out)
			got, err := r.ResolvePortConflict(context.Background(), &PortConflictError{Host: "127.0.0.1", Port: 3001, Process: tt.process})
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Contains(t, out.String(), "3001")
		})
	}
}

func TestResolverForPolicy(t *testing.T) {
	for policy, want := range map[string]Resolution{
		config.PortConflictForce:     ForceRestart,
		config.PortConflictAlternate: UseAlternatePort,
		config.PortConflictAbort:     Abort,
	} {
		r, err := ResolverForPolicy(policy, nil, nil)
		require.NoError(t, err)
		got, err := r.ResolvePortConflict(context.Background(), &PortConflictError{})
		require.NoError(t, err)
		assert.Equal(t, want, got, policy)
	}

	r, err := ResolverForPolicy(config.PortConflictPrompt, strings.NewReader(""), &bytes.Buffer{})
	require.NoError(t, err)
	assert.IsType(t, &PromptResolver{}, r)

	_, err = ResolverForPolicy("shrug", nil, nil)
	assert.Error(t, err)
}

func TestPortConflictError(t *testing.T) {
	err := &PortConflictError{Host: "127.0.0.1", Port: 3001, Process: &portutil.ProcessInfo{PID: 4242, Name: "node"}}
	assert.Equal(t, "port 127.0.0.1:3001 is already in use by node (pid 4242)", err.Error())
	assert.Contains(t, err.Remediation(), "-on-port-conflict=force")

	unknown := &PortConflictError{Host: "127.0.0.1", Port: 3001}
	assert.Contains(t, unknown.Error(), "unidentified process")
}
