// Package mcpsource registers tools served by external Model Context Protocol
// servers as [tools.Handler] values.
//
// It connects to MCP servers via stdio or streamable-HTTP transports using the
// official MCP Go SDK (github.com/modelcontextprotocol/go-sdk), lists their
// tools once at connect time and routes each call back to the owning server.
//
// Typical usage:
//
//	src := mcpsource.New(registry)
//	err := src.Connect(ctx, mcpsource.ServerConfig{
//	    Name:      "crm",
//	    Transport: mcpsource.TransportStdio,
//	    Command:   "/usr/local/bin/crm-mcp --tenant acme",
//	})
//	defer src.Close()
package mcpsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/deskvoice/internal/tools"
	"github.com/MrWong99/deskvoice/pkg/provider/s2s"
)

// Transport selects the connection mechanism for an MCP server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// ServerConfig describes how to connect to a single MCP server.
type ServerConfig struct {
	// Name identifies the server in logs and prefixes tool names that clash
	// with tools already registered.
	Name string `yaml:"name"`

	// Transport is the connection mechanism.
	Transport Transport `yaml:"transport"`

	// Command is the executable and its arguments for [TransportStdio].
	Command string `yaml:"command"`

	// URL is the endpoint for [TransportStreamableHTTP].
	URL string `yaml:"url"`

	// Env holds additional environment variables for the stdio subprocess.
	Env map[string]string `yaml:"env"`
}

// toolSession is the part of [mcpsdk.ClientSession] the source uses.
type toolSession interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Close() error
}

var _ toolSession = (*mcpsdk.ClientSession)(nil)

type server struct {
	session toolSession
	tools   []string // registered names
}

// Source owns the MCP connections whose tools it registered.
//
// The zero value is NOT usable; create instances with [New].
type Source struct {
	reg    *tools.Registry
	client *mcpsdk.Client

	mu      sync.Mutex
	servers map[string]*server
}

// New returns a Source that registers tools on reg.
func New(reg *tools.Registry) *Source {
	return &Source{
		reg: reg,
		client: mcpsdk.NewClient(
			&mcpsdk.Implementation{Name: "deskvoice", Version: "1.0.0"},
			nil,
		),
		servers: make(map[string]*server),
	}
}

// Connect connects to the server described by cfg, lists its tools and
// registers each of them. Connecting a name twice replaces the previous
// connection and its tools.
func (s *Source) Connect(ctx context.Context, cfg ServerConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("mcpsource: server config must have a non-empty name")
	}

	var transport mcpsdk.Transport
	switch cfg.Transport {
	case TransportStdio:
		fields := strings.Fields(cfg.Command)
		if len(fields) == 0 {
			return fmt.Errorf("mcpsource: stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.Command(fields[0], fields[1:]...)
		if len(cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		transport = &mcpsdk.CommandTransport{Command: cmd}
	case TransportStreamableHTTP:
		if cfg.URL == "" {
			return fmt.Errorf("mcpsource: streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport = &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
	default:
		return fmt.Errorf("mcpsource: unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}

	session, err := s.client.Connect(ctx, transport, nil)
	if err != nil {
		return fmt.Errorf("mcpsource: connect to server %q: %w", cfg.Name, err)
	}

	var listed []*mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return fmt.Errorf("mcpsource: list tools of server %q: %w", cfg.Name, err)
		}
		listed = append(listed, tool)
	}

	return s.attach(cfg.Name, session, listed)
}

// attach registers listed as handlers routed to session.
func (s *Source) attach(name string, session toolSession, listed []*mcpsdk.Tool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.servers[name]; ok {
		s.detachLocked(name, old)
	}

	srv := &server{session: session}
	for _, t := range listed {
		if t == nil || t.Name == "" {
			continue
		}
		def := s2s.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		}
		err := s.reg.Register(tools.Tool{Definition: def, Handler: callHandler(session, t.Name)})
		if errors.Is(err, tools.ErrDuplicateTool) {
			def.Name = name + "_" + t.Name
			err = s.reg.Register(tools.Tool{Definition: def, Handler: callHandler(session, t.Name)})
		}
		if err != nil {
			slog.Warn("mcpsource: skipping tool", "server", name, "tool", t.Name, "err", err)
			continue
		}
		srv.tools = append(srv.tools, def.Name)
	}
	s.servers[name] = srv

	slog.Info("mcpsource: server attached", "server", name, "tools", len(srv.tools))
	return nil
}

func (s *Source) detachLocked(name string, srv *server) {
	for _, t := range srv.tools {
		s.reg.Unregister(t)
	}
	if err := srv.session.Close(); err != nil {
		slog.Warn("mcpsource: error closing server", "server", name, "err", err)
	}
	delete(s.servers, name)
}

// Tools returns the registered tool names per server.
func (s *Source) Tools() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.servers))
	for name, srv := range s.servers {
		out[name] = append([]string(nil), srv.tools...)
	}
	return out
}

// Close unregisters every tool and closes all server connections.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, srv := range s.servers {
		for _, t := range srv.tools {
			s.reg.Unregister(t)
		}
		if err := srv.session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("mcpsource: close server %q: %w", name, err))
		}
		delete(s.servers, name)
	}
	return errors.Join(errs...)
}

// callHandler routes a tool call to the MCP session under the tool's
// original name.
func callHandler(session toolSession, toolName string) tools.Handler {
	return func(ctx context.Context, args tools.Args, _ tools.ContextSnapshot) (string, error) {
		res, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      toolName,
			Arguments: map[string]any(args),
		})
		if err != nil {
			return "", fmt.Errorf("mcpsource: call tool %q: %w", toolName, err)
		}

		var sb strings.Builder
		for _, c := range res.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if res.IsError {
			return "", errors.New(sb.String())
		}
		return sb.String(), nil
	}
}

// schemaToMap converts any schema value to a map[string]any.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}
