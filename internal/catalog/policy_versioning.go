package catalog

import (
	"fmt"
	"sync"
	"time"

	"github.com/noema/forge/internal/store"
)

// SchemaVersion is one historical version of a tool's input schema. Schemas
// change over a tool's life (new params, tightened bounds); this lets the
// catalog's invalidation hook record what changed and roll back a bad edit.
type SchemaVersion struct {
	Version     int                `json:"version"`
	ToolID      string             `json:"toolId"`
	InputSchema []store.InputField `json:"inputSchema"`
	CreatedAt   time.Time          `json:"createdAt"`
	CreatedBy   string             `json:"createdBy"`
	Reason      string             `json:"reason,omitempty"`
	Active      bool               `json:"active"`
}

// SchemaVersionStore manages versioned input-schema history per tool.
type SchemaVersionStore struct {
	mu       sync.RWMutex
	versions map[string][]*SchemaVersion // toolId -> ordered versions
	active   map[string]int              // toolId -> active version number
}

func NewSchemaVersionStore() *SchemaVersionStore {
	return &SchemaVersionStore{
		versions: make(map[string][]*SchemaVersion),
		active:   make(map[string]int),
	}
}

// Push records a new schema version and makes it active.
func (svs *SchemaVersionStore) Push(toolID string, schema []store.InputField, createdBy, reason string) *SchemaVersion {
	svs.mu.Lock()
	defer svs.mu.Unlock()

	for _, v := range svs.versions[toolID] {
		v.Active = false
	}

	nextVersion := len(svs.versions[toolID]) + 1
	sv := &SchemaVersion{
		Version:     nextVersion,
		ToolID:      toolID,
		InputSchema: schema,
		CreatedAt:   time.Now(),
		CreatedBy:   createdBy,
		Reason:      reason,
		Active:      true,
	}

	svs.versions[toolID] = append(svs.versions[toolID], sv)
	svs.active[toolID] = nextVersion
	return sv
}

// Rollback activates a previous schema version for a tool.
func (svs *SchemaVersionStore) Rollback(toolID string, targetVersion int) (*SchemaVersion, error) {
	svs.mu.Lock()
	defer svs.mu.Unlock()

	versions, ok := svs.versions[toolID]
	if !ok || len(versions) == 0 {
		return nil, fmt.Errorf("no schema versions for tool: %s", toolID)
	}
	if targetVersion < 1 || targetVersion > len(versions) {
		return nil, fmt.Errorf("invalid version %d for tool %s (range: 1-%d)", targetVersion, toolID, len(versions))
	}

	for _, v := range versions {
		v.Active = false
	}
	target := versions[targetVersion-1]
	target.Active = true
	svs.active[toolID] = targetVersion
	return target, nil
}

func (svs *SchemaVersionStore) GetActive(toolID string) *SchemaVersion {
	svs.mu.RLock()
	defer svs.mu.RUnlock()

	activeVer, ok := svs.active[toolID]
	if !ok {
		return nil
	}
	versions := svs.versions[toolID]
	if activeVer < 1 || activeVer > len(versions) {
		return nil
	}
	return versions[activeVer-1]
}

func (svs *SchemaVersionStore) GetHistory(toolID string) []*SchemaVersion {
	svs.mu.RLock()
	defer svs.mu.RUnlock()
	return svs.versions[toolID]
}

func (svs *SchemaVersionStore) GetDiff(toolID string, fromVer, toVer int) (from, to *SchemaVersion, err error) {
	svs.mu.RLock()
	defer svs.mu.RUnlock()

	versions, ok := svs.versions[toolID]
	if !ok {
		return nil, nil, fmt.Errorf("no schema versions for tool: %s", toolID)
	}
	if fromVer < 1 || fromVer > len(versions) || toVer < 1 || toVer > len(versions) {
		return nil, nil, fmt.Errorf("invalid version range %d-%d", fromVer, toVer)
	}
	return versions[fromVer-1], versions[toVer-1], nil
}
