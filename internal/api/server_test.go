package api

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/devbridge/internal/common/config"
	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/common/portutil"
)

func TestServer_StartServeShutdown(t *testing.T) {
	api := newTestAPI(t)
	cfg := config.ServerConfig{ReadTimeout: 5, WriteTimeout: 5}
	srv := NewServer(cfg, api.router, logger.NewNop())

	require.NoError(t, srv.Start("127.0.0.1", 0))
	port := srv.Port()
	require.NotZero(t, port)
	assert.True(t, srv.Running())
	assert.ErrorIs(t, srv.Start("127.0.0.1", 0), ErrServerRunning)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	other := NewServer(cfg, api.router, logger.NewNop())
	err = other.Start("127.0.0.1", port)
	require.Error(t, err)
	assert.True(t, portutil.IsAddrInUse(err))
	assert.False(t, other.Running())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	assert.False(t, srv.Running())
	assert.Zero(t, srv.Port())
	assert.NoError(t, srv.Shutdown(ctx))

	assert.True(t, portutil.IsPortAvailable(ctx, port, "127.0.0.1"))
}
