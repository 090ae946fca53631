// Package catalog is the in-memory tool registry: toolId -> Tool, with
// secondary lookup tables by commandName and case-insensitive displayName.
// Hydrated at boot from store.Store. SchemaVersionStore in
// policy_versioning.go is not connected to the catalog: a version bump does
// not trigger a reload.
package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/noema/forge/internal/apperr"
	"github.com/noema/forge/internal/store"
)

// ToolCatalog is the boot-hydrated, in-memory tool registry.
type ToolCatalog struct {
	mu          sync.RWMutex
	byID        map[string]*store.Tool
	byCommand   map[string]*store.Tool
	byDisplay   map[string]*store.Tool // lower-cased displayName
	logger      zerolog.Logger
}

func NewToolCatalog(logger zerolog.Logger) *ToolCatalog {
	return &ToolCatalog{
		byID:      make(map[string]*store.Tool),
		byCommand: make(map[string]*store.Tool),
		byDisplay: make(map[string]*store.Tool),
		logger:    logger,
	}
}

// Load replaces the catalog's contents with tools fetched from st. Called at
// boot and whenever an admin tool edit needs a full refresh.
func (tc *ToolCatalog) Load(ctx context.Context, st interface {
	ListTools(ctx context.Context) ([]store.Tool, error)
}) error {
	tools, err := st.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("catalog: load tools: %w", err)
	}

	byID := make(map[string]*store.Tool, len(tools))
	byCommand := make(map[string]*store.Tool, len(tools))
	byDisplay := make(map[string]*store.Tool, len(tools))
	for i := range tools {
		t := &tools[i]
		byID[t.ToolID] = t
		if t.CommandName != "" {
			byCommand[strings.TrimPrefix(t.CommandName, "/")] = t
		}
		byDisplay[strings.ToLower(t.DisplayName)] = t
	}

	tc.mu.Lock()
	tc.byID = byID
	tc.byCommand = byCommand
	tc.byDisplay = byDisplay
	tc.mu.Unlock()

	tc.logger.Info().Int("count", len(tools)).Msg("catalog: loaded tools")
	return nil
}

// Resolve tries toolId, then commandName (with or without leading "/"), then
// case-insensitive displayName, in that order.
func (tc *ToolCatalog) Resolve(identifier string) (*store.Tool, error) {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	if t, ok := tc.byID[identifier]; ok {
		return t, nil
	}
	if t, ok := tc.byCommand[strings.TrimPrefix(identifier, "/")]; ok {
		return t, nil
	}
	if t, ok := tc.byDisplay[strings.ToLower(identifier)]; ok {
		return t, nil
	}
	return nil, apperr.New(apperr.KindNotFound, "unknown tool: "+identifier)
}

// List returns every registered tool.
func (tc *ToolCatalog) List() []*store.Tool {
	tc.mu.RLock()
	defer tc.mu.RUnlock()

	out := make([]*store.Tool, 0, len(tc.byID))
	for _, t := range tc.byID {
		out = append(out, t)
	}
	return out
}

// Put registers or replaces a single tool, used by the admin CLI's tool-edit
// path without forcing a full reload.
func (tc *ToolCatalog) Put(t *store.Tool) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.byID[t.ToolID] = t
	if t.CommandName != "" {
		tc.byCommand[strings.TrimPrefix(t.CommandName, "/")] = t
	}
	tc.byDisplay[strings.ToLower(t.DisplayName)] = t
}

func (tc *ToolCatalog) Count() int {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.byID)
}

// ResolvedInputs is the output of ValidateInputs: defaults applied, types
// coerced, unknown keys dropped unless the field schema is Passthrough.
type ResolvedInputs struct {
	Values map[string]interface{}
	Errors []string // missing-required / out-of-range field errors
}

// ValidateInputs walks the tool's InputSchema against raw, producing a
// resolved values map plus a flat list of validation errors.
func ValidateInputs(tool *store.Tool, raw map[string]interface{}) ResolvedInputs {
	resolved := ResolvedInputs{Values: make(map[string]interface{})}

	known := make(map[string]store.InputField, len(tool.InputSchema))
	for _, f := range tool.InputSchema {
		known[f.Name] = f
	}

	for _, field := range tool.InputSchema {
		val, present := raw[field.Name]
		if !present {
			if field.Default != nil {
				resolved.Values[field.Name] = field.Default
				continue
			}
			if field.Required {
				resolved.Errors = append(resolved.Errors, fmt.Sprintf("%s: required", field.Name))
			}
			continue
		}

		val, err := coerce(field, val)
		if err != nil {
			resolved.Errors = append(resolved.Errors, fmt.Sprintf("%s: %v", field.Name, err))
			continue
		}
		if msg := checkBounds(field, val); msg != "" {
			resolved.Errors = append(resolved.Errors, fmt.Sprintf("%s: %s", field.Name, msg))
			continue
		}
		resolved.Values[field.Name] = val
	}

	for key, val := range raw {
		field, isKnown := known[key]
		if isKnown && field.Passthrough {
			resolved.Values[key] = val
		}
		// unrecognized keys are dropped silently
	}

	return resolved
}

func coerce(field store.InputField, val interface{}) (interface{}, error) {
	switch field.Type {
	case "number":
		switch v := val.(type) {
		case float64:
			return v, nil
		case int:
			return float64(v), nil
		case string:
			var f float64
			if _, err := fmt.Sscanf(v, "%f", &f); err != nil {
				return nil, fmt.Errorf("not a number")
			}
			return f, nil
		default:
			return nil, fmt.Errorf("not a number")
		}
	case "boolean":
		b, ok := val.(bool)
		if !ok {
			return nil, fmt.Errorf("not a boolean")
		}
		return b, nil
	case "string":
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("not a string")
		}
		if len(field.Enum) > 0 && !contains(field.Enum, s) {
			return nil, fmt.Errorf("must be one of %v", field.Enum)
		}
		return s, nil
	default:
		return val, nil
	}
}

func checkBounds(field store.InputField, val interface{}) string {
	f, ok := val.(float64)
	if !ok {
		return ""
	}
	if field.Min != nil && f < *field.Min {
		return fmt.Sprintf("below minimum %v", *field.Min)
	}
	if field.Max != nil && f > *field.Max {
		return fmt.Sprintf("above maximum %v", *field.Max)
	}
	return ""
}

func contains(list []string, needle string) bool {
	for _, s := range list {
		if s == needle {
			return true
		}
	}
	return false
}
