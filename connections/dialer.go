package connections

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"

	"github.com/cordonlabs/toolgate/catalog"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Conn is one live transport-level connection to a tool server.
type Conn interface {
	// ListTools enumerates the server's tools. It doubles as the liveness
	// probe: a healthy server answers it cheaply.
	ListTools(ctx context.Context) ([]*mcp.Tool, error)

	// CallTool invokes a tool by name.
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

	Close() error
}

// Dialer establishes connections. The production implementation speaks MCP;
// tests substitute fakes.
type Dialer interface {
	// Dial connects to the server desc describes. ctx governs the
	// transport's lifetime, not just the call: implementations may anchor
	// child processes or streaming connections on it, and the cache cancels
	// it when the conn is evicted. The cache bounds the attempt itself
	// separately.
	Dial(ctx context.Context, desc *catalog.Descriptor, creds map[string]string) (Conn, error)
}

// MCPDialer dials tool servers with the MCP client SDK over the transport
// the descriptor names.
type MCPDialer struct {
	// ClientName and ClientVersion identify this process to servers during
	// the MCP initialize exchange.
	ClientName    string
	ClientVersion string
}

var _ Dialer = (*MCPDialer)(nil)

func (d *MCPDialer) Dial(ctx context.Context, desc *catalog.Descriptor, creds map[string]string) (Conn, error) {
	name := d.ClientName
	if name == "" {
		name = "toolgate"
	}
	version := d.ClientVersion
	if version == "" {
		version = "v1.0.0"
	}
	client := mcp.NewClient(&mcp.Implementation{Name: name, Version: version}, nil)

	var transport mcp.Transport
	switch desc.Transport {
	case catalog.TransportStdio:
		transport = &mcp.CommandTransport{
			Command: exec.CommandContext(ctx, desc.Command, desc.Args...),
		}
	case catalog.TransportSSE:
		transport = &mcp.SSEClientTransport{
			Endpoint:   desc.Endpoint,
			HTTPClient: httpClientFor(creds),
		}
	case catalog.TransportStreamable:
		transport = &mcp.StreamableClientTransport{
			Endpoint:   desc.Endpoint,
			HTTPClient: httpClientFor(creds),
		}
	default:
		return nil, fmt.Errorf("server %s: unsupported transport %q", desc.Name, desc.Transport)
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to server %s: %w", desc.Name, err)
	}
	return &mcpConn{session: session}, nil
}

type mcpConn struct {
	session *mcp.ClientSession
}

func (c *mcpConn) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	res, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return nil, err
	}
	return res.Tools, nil
}

func (c *mcpConn) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	return c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

func (c *mcpConn) Close() error {
	return c.session.Close()
}

// httpClientFor returns an http.Client that injects the caller's credentials
// on every request: the access token as a Bearer Authorization header, any
// other credential keys as X-Toolgate-* headers.
func httpClientFor(creds map[string]string) *http.Client {
	if len(creds) == 0 {
		return nil
	}
	headers := make(http.Header)
	for k, v := range creds {
		if k == "access_token" {
			headers.Set("Authorization", "Bearer "+v)
			continue
		}
		headers.Set("X-Toolgate-"+http.CanonicalHeaderKey(k), v)
	}
	return &http.Client{Transport: &headerRoundTripper{headers: headers, base: http.DefaultTransport}}
}

type headerRoundTripper struct {
	headers http.Header
	base    http.RoundTripper
}

func (rt *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	for k, vals := range rt.headers {
		for _, v := range vals {
			clone.Header.Set(k, v)
		}
	}
	return rt.base.RoundTrip(clone)
}
