// Package locator works out the address of the ComfyUI server to talk to.
package locator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
)

type Strategy string

const (
	// StrategyNone uses the configured address as is
	StrategyNone Strategy = "none"
	// StrategyPublic asks a "what is my IP" service for the public address
	StrategyPublic Strategy = "public"
	// StrategyOutbound uses the address of the interface that routes to the internet
	StrategyOutbound Strategy = "outbound"
)

const (
	DefaultPublicIPURL = "https://ifconfig.me/ip"
	// only used to pick a route, nothing is sent
	outboundProbeAddress = "8.8.8.8:80"
)

var ErrNoAddress = errors.New("no server address could be determined")

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyNone, StrategyPublic, StrategyOutbound:
		return Strategy(s), nil
	case "":
		return StrategyNone, nil
	}
	return "", fmt.Errorf("unknown locate strategy %q", s)
}

// PublicIP asks serviceURL for this machine's public address and trusts the
// plain text answer.
func PublicIP(ctx context.Context, hc *http.Client, serviceURL string) (string, error) {
	if hc == nil {
		hc = http.DefaultClient
	}
	if serviceURL == "" {
		serviceURL = DefaultPublicIPURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, serviceURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("public ip lookup: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("public ip lookup: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("public ip lookup: %s returned status %d", serviceURL, resp.StatusCode)
	}
	ip := strings.TrimSpace(string(body))
	if ip == "" {
		return "", fmt.Errorf("public ip lookup: %s returned an empty body", serviceURL)
	}
	return ip, nil
}

// OutboundIP returns the local address the OS would use to reach the
// internet. The UDP "connection" only selects a route; no packet is sent.
func OutboundIP() (string, error) {
	conn, err := net.Dial("udp", outboundProbeAddress)
	if err != nil {
		return "", fmt.Errorf("outbound ip lookup: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("outbound ip lookup: unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}

// Options controls Resolve
type Options struct {
	Strategy    Strategy
	Port        int
	PublicIPURL string
	// Fallback is a host:port used as is with StrategyNone, and when the
	// lookup of the other strategies fails
	Fallback   string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Resolve produces the host:port of the server. A failed lookup is only an
// error when there is no fallback address to use instead.
func Resolve(ctx context.Context, opts Options) (string, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var host string
	var err error
	switch opts.Strategy {
	case StrategyNone, "":
		if opts.Fallback == "" {
			return "", ErrNoAddress
		}
		return opts.Fallback, nil
	case StrategyPublic:
		host, err = PublicIP(ctx, opts.HTTPClient, opts.PublicIPURL)
	case StrategyOutbound:
		host, err = OutboundIP()
	default:
		return "", fmt.Errorf("unknown locate strategy %q", opts.Strategy)
	}

	if err != nil {
		if opts.Fallback != "" {
			logger.Warn("Server address lookup failed, using configured address",
				"strategy", opts.Strategy, "address", opts.Fallback, "error", err)
			return opts.Fallback, nil
		}
		return "", fmt.Errorf("%w: %w", ErrNoAddress, err)
	}

	addr := net.JoinHostPort(host, strconv.Itoa(opts.Port))
	logger.Info("Resolved server address", "strategy", opts.Strategy, "address", addr)
	return addr, nil
}
