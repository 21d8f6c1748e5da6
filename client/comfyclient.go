package client

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ComfyClient is the top level object that allows for interaction with the ComfyUI backend
type ComfyClient struct {
	serverBaseAddress string
	protocol          string
	clientid          string
	sendClientID      bool
	httpclient        *http.Client
	dialer            *websocket.Dialer
	logger            *slog.Logger
}

// Option configures a ComfyClient
type Option func(*ComfyClient)

// WithHTTPClient replaces the underlying http client
func WithHTTPClient(hc *http.Client) Option {
	return func(c *ComfyClient) {
		c.httpclient = hc
	}
}

// WithProtocol selects "http" or "https". The websocket scheme follows it.
func WithProtocol(protocol string) Option {
	return func(c *ComfyClient) {
		c.protocol = strings.ToLower(protocol)
	}
}

// WithLogger sets the logger used for request and tracking messages
func WithLogger(l *slog.Logger) Option {
	return func(c *ComfyClient) {
		c.logger = l
	}
}

// WithClientID overrides the generated client id
func WithClientID(id string) Option {
	return func(c *ComfyClient) {
		c.clientid = id
	}
}

// WithoutClientID submits prompts without a client_id. ComfyUI then does not
// route execution events to our websocket, so tracking relies on history polling.
func WithoutClientID() Option {
	return func(c *ComfyClient) {
		c.sendClientID = false
	}
}

// NewComfyClient creates a new instance of a client for the server at
// serverAddress ("host:port", optionally prefixed with http:// or https://).
// The client id is generated once and reused for every submission and
// websocket subscription made through this client.
func NewComfyClient(serverAddress string, opts ...Option) *ComfyClient {
	protocol := "http"
	addr := strings.TrimSuffix(serverAddress, "/")
	if strings.HasPrefix(addr, "https://") {
		protocol = "https"
		addr = strings.TrimPrefix(addr, "https://")
	} else if strings.HasPrefix(addr, "http://") {
		addr = strings.TrimPrefix(addr, "http://")
	}

	retv := &ComfyClient{
		serverBaseAddress: addr,
		protocol:          protocol,
		clientid:          uuid.New().String(),
		sendClientID:      true,
		httpclient:        &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(retv)
	}
	return retv
}

// ClientID returns the unique client ID for the connection to the ComfyUI backend
func (c *ComfyClient) ClientID() string {
	return c.clientid
}

// ServerAddress returns the host:port the client talks to
func (c *ComfyClient) ServerAddress() string {
	return c.serverBaseAddress
}

// return the underlying http client
func (c *ComfyClient) HttpClient() *http.Client {
	return c.httpclient
}

func (c *ComfyClient) httpURL(path string) string {
	return fmt.Sprintf("%s://%s%s", c.protocol, c.serverBaseAddress, path)
}

func (c *ComfyClient) wsURL() string {
	scheme := "ws"
	if c.protocol == "https" {
		scheme = "wss"
	}
	u := url.URL{
		Scheme:   scheme,
		Host:     c.serverBaseAddress,
		Path:     "/ws",
		RawQuery: url.Values{"clientId": []string{c.clientid}}.Encode(),
	}
	return u.String()
}
