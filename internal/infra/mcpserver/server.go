// Package mcpserver exposes the registry over the Model Context Protocol on
// stdio. Each registered entry point becomes one MCP tool; hot reloads flow
// through as tool list changes.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"dyntools/internal/app/registry"
	"dyntools/internal/buildinfo"
	"dyntools/internal/domain"
	"dyntools/internal/infra/descriptor"
	"dyntools/internal/infra/telemetry"
)

type Server struct {
	logger   *zap.Logger
	registry *registry.Registry
	server   *mcp.Server

	mu         sync.Mutex
	registered map[string]string // mcp tool name -> content hash
}

func New(reg *registry.Registry, logger *zap.Logger) (*Server, error) {
	if reg == nil {
		return nil, fmt.Errorf("mcpserver: registry is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		logger:   logger.Named("mcpserver"),
		registry: reg,
		server: mcp.NewServer(&mcp.Implementation{
			Name:    "dyntools",
			Version: buildinfo.Version,
		}, &mcp.ServerOptions{
			HasTools: true,
		}),
		registered: make(map[string]string),
	}
	s.registerMetaTools()
	return s, nil
}

// registerMetaTools exposes registry management alongside the tools
// themselves, so MCP clients can force a rescan or read the change history
// without a side channel to the daemon.
func (s *Server) registerMetaTools() {
	s.server.AddTool(&mcp.Tool{
		Name:        "refresh_tools",
		Description: "Rescan the tool directory and report added, modified, and removed tools.",
		InputSchema: &jsonschema.Schema{
			Type:       "object",
			Properties: map[string]*jsonschema.Schema{},
		},
	}, s.handleRefresh)
	s.server.AddTool(&mcp.Tool{
		Name:        "get_tools_changes",
		Description: "Read the persisted tool change history, newest last.",
		InputSchema: &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"after": {Type: "integer", Description: "only records after this sequence number"},
				"limit": {Type: "integer", Description: "maximum records to return (0 = all)"},
			},
		},
	}, s.handleChanges)
}

func (s *Server) handleRefresh(ctx context.Context, _ *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	set, err := s.registry.Refresh(ctx)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(set)
}

func (s *Server) handleChanges(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var args struct {
		After uint64 `json:"after"`
		Limit int    `json:"limit"`
	}
	if len(req.Params.Arguments) > 0 {
		if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
			return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
		}
	}
	records, err := s.registry.Changes(ctx, args.After, args.Limit)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	if records == nil {
		records = []domain.ChangeRecord{}
	}
	return jsonResult(records)
}

// Run serves MCP over stdio until ctx is done, resyncing the tool list after
// every registry change.
func (s *Server) Run(ctx context.Context) error {
	s.sync(ctx)

	updates := s.registry.Subscribe(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-updates:
				s.sync(ctx)
			}
		}
	}()

	s.logger.Info("mcp server starting (stdio transport)")
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// sync reconciles the MCP tool list with the registry snapshot.
func (s *Server) sync(ctx context.Context) {
	descriptors, err := s.snapshot(ctx)
	if err != nil {
		s.logger.Warn("tool sync failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[string]string)
	for _, desc := range descriptors {
		for _, ep := range desc.EntryPoints {
			name := mcpToolName(desc.Name, ep.Name)
			next[name] = desc.ContentHash
			if prev, ok := s.registered[name]; ok && prev == desc.ContentHash {
				continue
			}
			s.server.AddTool(&mcp.Tool{
				Name:        name,
				Description: toolDescription(desc, ep),
				InputSchema: descriptor.ArgumentSchema(ep),
			}, s.handler(desc.Name, ep.Name))
			s.logger.Debug("mcp tool registered",
				telemetry.ToolField(desc.Name),
				telemetry.EntryPointField(ep.Name),
			)
		}
	}

	var remove []string
	for name := range s.registered {
		if _, ok := next[name]; !ok {
			remove = append(remove, name)
		}
	}
	if len(remove) > 0 {
		s.server.RemoveTools(remove...)
		s.logger.Debug("mcp tools removed", zap.Strings("tools", remove))
	}
	s.registered = next
}

func (s *Server) snapshot(ctx context.Context) ([]domain.ToolDescriptor, error) {
	summaries, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ToolDescriptor, 0, len(summaries))
	for _, summary := range summaries {
		desc, err := s.registry.Describe(ctx, summary.Name)
		if err != nil {
			continue
		}
		out = append(out, desc)
	}
	return out, nil
}

func (s *Server) handler(tool, entryPoint string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args map[string]any
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
		}
		record, err := s.registry.Invoke(ctx, tool, entryPoint, args, 0)
		if err != nil {
			return errorResult(err.Error()), nil
		}
		return jsonResult(record.Result)
	}
}

func jsonResult(value any) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return errorResult(fmt.Sprintf("encode result: %v", err)), nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(payload)}},
	}, nil
}

func errorResult(message string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: message}},
	}
}

// mcpToolName flattens tool and entry point into one MCP tool identifier.
// When the entry point repeats the tool name the bare name is used.
func mcpToolName(tool, entryPoint string) string {
	if tool == entryPoint {
		return tool
	}
	return tool + "__" + entryPoint
}

func toolDescription(desc domain.ToolDescriptor, ep domain.EntryPoint) string {
	if ep.Doc != "" {
		return ep.Doc
	}
	return desc.Description
}
