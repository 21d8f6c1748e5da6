package locator

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestPublicIPTrimsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "203.0.113.7\n")
	}))
	defer srv.Close()

	ip, err := PublicIP(context.Background(), srv.Client(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7", ip)
}

func TestPublicIPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := PublicIP(context.Background(), srv.Client(), srv.URL)
	assert.Error(t, err)

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer empty.Close()
	_, err = PublicIP(context.Background(), empty.Client(), empty.URL)
	assert.Error(t, err)
}

func TestResolvePublic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "198.51.100.4")
	}))
	defer srv.Close()

	addr, err := Resolve(context.Background(), Options{
		Strategy:    StrategyPublic,
		Port:        8188,
		PublicIPURL: srv.URL,
		HTTPClient:  srv.Client(),
		Logger:      quiet,
	})
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.4:8188", addr)
}

func TestResolveFallsBackToConfiguredAddress(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	addr, err := Resolve(context.Background(), Options{
		Strategy:    StrategyPublic,
		Port:        8188,
		PublicIPURL: url,
		Fallback:    "127.0.0.1:8188",
		Logger:      quiet,
	})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8188", addr)

	_, err = Resolve(context.Background(), Options{Strategy: StrategyPublic, PublicIPURL: url, Logger: quiet})
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestResolveNone(t *testing.T) {
	addr, err := Resolve(context.Background(), Options{Strategy: StrategyNone, Fallback: "comfy:8188"})
	require.NoError(t, err)
	assert.Equal(t, "comfy:8188", addr)

	_, err = Resolve(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrNoAddress)
}

func TestOutboundIP(t *testing.T) {
	ip, err := OutboundIP()
	if err != nil {
		t.Skipf("no route available: %v", err)
	}
	assert.NotNil(t, net.ParseIP(ip))
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("outbound")
	require.NoError(t, err)
	assert.Equal(t, StrategyOutbound, s)

	_, err = ParseStrategy("dns")
	assert.Error(t, err)
}
