package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gaspardpetit/lifecycle-bridge/internal/jsonrpc"
)

// Services wraps the lifecycle tools exposed through the bridge.
type Services struct {
	p *Protocol
}

// NewServices binds the domain helpers to p.
func NewServices(p *Protocol) *Services { return &Services{p: p} }

// ToolInfo is one entry of tools/list.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListTools returns the tools advertised by the MCP server.
func (s *Services) ListTools(ctx context.Context) ([]ToolInfo, error) {
	raw, err := s.p.SendRequest(ctx, jsonrpc.MethodToolsList, map[string]any{})
	if err != nil {
		return nil, err
	}
	var res struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tools/list: %w", err)
	}
	return res.Tools, nil
}

// CallTool invokes any tool by name.
func (s *Services) CallTool(ctx context.Context, name string, args any) (ToolResponse, error) {
	return s.p.CallTool(ctx, name, args)
}

// Requirements.

func (s *Services) QueryRequirements(ctx context.Context, filter map[string]any) (ToolResponse, error) {
	return s.p.CallTool(ctx, "query_requirements", filter)
}

func (s *Services) GetRequirementDetails(ctx context.Context, id string) (ToolResponse, error) {
	return s.p.CallTool(ctx, "get_requirement_details", map[string]any{"requirement_id": id})
}

func (s *Services) CreateRequirement(ctx context.Context, fields map[string]any) (ToolResponse, error) {
	return s.p.CallTool(ctx, "create_requirement", fields)
}

func (s *Services) UpdateRequirementStatus(ctx context.Context, id, status, comment string) (ToolResponse, error) {
	return s.p.CallTool(ctx, "update_requirement_status", map[string]any{"requirement_id": id, "new_status": status, "comment": comment})
}

// Tasks.

func (s *Services) QueryTasks(ctx context.Context, filter map[string]any) (ToolResponse, error) {
	return s.p.CallTool(ctx, "query_tasks", filter)
}

func (s *Services) CreateTask(ctx context.Context, fields map[string]any) (ToolResponse, error) {
	return s.p.CallTool(ctx, "create_task", fields)
}

func (s *Services) UpdateTaskStatus(ctx context.Context, id, status, comment string) (ToolResponse, error) {
	return s.p.CallTool(ctx, "update_task_status", map[string]any{"task_id": id, "new_status": status, "comment": comment})
}

// Architecture.

func (s *Services) QueryArchitectureDecisions(ctx context.Context, filter map[string]any) (ToolResponse, error) {
	return s.p.CallTool(ctx, "query_architecture_decisions", filter)
}

func (s *Services) CreateArchitectureDecision(ctx context.Context, fields map[string]any) (ToolResponse, error) {
	return s.p.CallTool(ctx, "create_architecture_decision", fields)
}

// GetProjectStatus returns the project dashboard summary.
func (s *Services) GetProjectStatus(ctx context.Context) (ToolResponse, error) {
	return s.p.CallTool(ctx, "get_project_status", map[string]any{})
}

// Database.

// CurrentDatabase returns the bridge's active database, "" when none.
func (s *Services) CurrentDatabase(ctx context.Context) (string, error) {
	r, err := s.p.CallTool(ctx, "database/current", map[string]any{})
	if err != nil {
		return "", err
	}
	if !r.Success {
		return "", errors.New(r.Error)
	}
	var v struct {
		Database *string `json:"database"`
	}
	if err := json.Unmarshal(r.Data, &v); err != nil {
		return "", fmt.Errorf("decode database/current: %w", err)
	}
	if v.Database == nil {
		return "", nil
	}
	return *v.Database, nil
}

// SwitchDatabase asks the bridge to relaunch the MCP server against path.
// It returns once the new server has completed its handshake.
func (s *Services) SwitchDatabase(ctx context.Context, path string) error {
	r, err := s.p.CallTool(ctx, "database/switch", map[string]any{"database": path})
	if err != nil {
		return err
	}
	if !r.Success {
		return fmt.Errorf("switch database: %s", r.Error)
	}
	return nil
}

// PickDatabase opens the native file chooser on the bridge host.
func (s *Services) PickDatabase(ctx context.Context) (path string, cancelled bool, err error) {
	r, err := s.p.CallTool(ctx, "database/pick", map[string]any{})
	if err != nil {
		return "", false, err
	}
	var v struct {
		Success   bool   `json:"success"`
		Path      string `json:"path"`
		Cancelled bool   `json:"cancelled"`
	}
	if len(r.Data) > 0 {
		if err := json.Unmarshal(r.Data, &v); err != nil {
			return "", false, fmt.Errorf("decode database/pick: %w", err)
		}
	}
	if v.Cancelled {
		return "", true, nil
	}
	if !r.Success {
		return "", false, errors.New(r.Error)
	}
	return v.Path, false, nil
}
