package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aiox-platform/usagegate/internal/config"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func TestServer_RunsHooksOnCancel(t *testing.T) {
	port := freePort(t)
	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: port}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	var order []string
	srv.OnShutdown(func(context.Context) { order = append(order, "first") })
	srv.OnShutdown(func(context.Context) { order = append(order, "second") })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	url := "http://" + net.JoinHostPort("127.0.0.1", strconv.Itoa(port)) + "/"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusNoContent
	}, 2*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestServer_ReturnsListenError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	srv := New(config.ServerConfig{Host: "127.0.0.1", Port: l.Addr().(*net.TCPAddr).Port}, http.NotFoundHandler())
	hooked := false
	srv.OnShutdown(func(context.Context) { hooked = true })

	err = srv.Run(context.Background())
	require.Error(t, err)
	assert.True(t, hooked)
}
