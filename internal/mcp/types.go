package mcp

import "time"

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"

	// TransportSSE communicates via the legacy HTTP+SSE protocol.
	TransportSSE Transport = "sse"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	switch t {
	case TransportStdio, TransportStreamableHTTP, TransportSSE:
		return true
	}
	return false
}

// BuiltinServerName is the server name reported for in-process tools. It is
// reserved and cannot name a configured server.
const BuiltinServerName = "builtin"

// Defaults applied by [ServerConfig.WithDefaults].
const (
	DefaultCallTimeout     = 30 * time.Second
	DefaultConnectAttempts = 3
)

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name identifies the server in logs, errors and [ToolDescriptor.Server].
	// Must be unique within a single [Host].
	Name string

	Transport Transport

	// URL is the endpoint for streamable-http and sse transports.
	URL string

	// BearerToken, when set, is sent as "Authorization: Bearer <token>" on
	// every HTTP request to URL.
	BearerToken string

	// Command is the executable for stdio transport. When Args is empty the
	// command string is split on whitespace.
	Command string
	Args    []string

	// Env holds extra variables appended to the parent environment of a stdio
	// subprocess.
	Env map[string]string

	// Concurrent allows interleaved calls on a shared connection. When false,
	// calls to this server are serialized.
	Concurrent bool

	// CallTimeout bounds each CallTool. Zero means [DefaultCallTimeout].
	CallTimeout time.Duration

	// ConnectAttempts is the number of connection attempts before giving up.
	// Zero means [DefaultConnectAttempts].
	ConnectAttempts int
}

// WithDefaults returns a copy of c with zero-valued tunables filled in.
func (c ServerConfig) WithDefaults() ServerConfig {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = DefaultConnectAttempts
	}
	return c
}
