package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// ToolDefinition is the provider-neutral schema of a callable function.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Tool is a function the supervisor model may call during a turn.
type Tool interface {
	Definition() ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// ToolRegistry maps tool names to handlers.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewToolRegistry(tools ...Tool) *ToolRegistry {
	r := &ToolRegistry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

func (r *ToolRegistry) Register(t Tool) {
	if t == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Definition().Name] = t
}

func (r *ToolRegistry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Definitions resolves names to schemas, preserving order.
func (r *ToolRegistry) Definitions(names []string) ([]ToolDefinition, error) {
	out := make([]ToolDefinition, 0, len(names))
	for _, name := range names {
		t, ok := r.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
		}
		out = append(out, t.Definition())
	}
	return out, nil
}

// Execute runs a tool and renders its result as JSON.
func (r *ToolRegistry) Execute(ctx context.Context, name, arguments string) (string, error) {
	t, ok := r.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	raw := json.RawMessage(strings.TrimSpace(arguments))
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	result, err := t.Execute(ctx, raw)
	if err != nil {
		return "", err
	}
	out, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal %s result: %w", name, err)
	}
	return string(out), nil
}

// stringParamTool is a tool taking exactly one required string argument.
type stringParamTool struct {
	name        string
	description string
	param       string
	paramDesc   string
	run         func(value string) any
}

func (t stringParamTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				t.param: map[string]any{
					"type":        "string",
					"description": t.paramDesc,
				},
			},
			"required":             []string{t.param},
			"additionalProperties": false,
		},
	}
}

func (t stringParamTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(args, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	for key := range fields {
		if key != t.param {
			return nil, fmt.Errorf("%w: unexpected field %q", ErrInvalidArguments, key)
		}
	}
	var value string
	if rawValue, ok := fields[t.param]; ok {
		if err := json.Unmarshal(rawValue, &value); err != nil {
			return nil, fmt.Errorf("%w: %s must be a string", ErrInvalidArguments, t.param)
		}
	}
	value = strings.TrimSpace(value)
	if value == "" || isPlaceholder(value) {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidArguments, t.param)
	}
	return t.run(value), nil
}

func isPlaceholder(v string) bool {
	switch strings.ToLower(v) {
	case "null", "none", "required", "undefined", "n/a":
		return true
	default:
		return false
	}
}

// CustomerServiceTools returns the read-only NewTelco tools backed by ds.
func CustomerServiceTools(ds Dataset) []Tool {
	return []Tool{
		stringParamTool{
			name:        "lookupPolicyDocument",
			description: "Tool to look up internal documents and policies by topic or keyword.",
			param:       "topic",
			paramDesc:   "The topic or keyword to search for in company policies or documents.",
			run:         func(topic string) any { return ds.LookupPolicies(topic) },
		},
		stringParamTool{
			name:        "getUserAccountInfo",
			description: "Tool to get user account information. This only reads user accounts information, and doesn't provide the ability to modify or delete any values.",
			param:       "phone_number",
			paramDesc:   "Formatted as '(xxx) xxx-xxxx'. MUST be provided by the user, never a null or empty string.",
			run:         func(string) any { return ds.Account },
		},
		stringParamTool{
			name:        "findNearestStore",
			description: "Tool to find the nearest store location to a customer, given their zip code.",
			param:       "zip_code",
			paramDesc:   "The customer's 5-digit zip code.",
			run:         func(zip string) any { return ds.StoresByZip(zip) },
		},
	}
}
