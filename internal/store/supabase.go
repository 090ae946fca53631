package store

import (
	"context"
	"fmt"
	"strings"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/noema/forge/internal/apperr"
)

// SupabaseReader serves the read-mostly, tenant-facing listings (tool
// catalog boot hydration, public LoRA search) over Supabase's REST layer.
// It does not implement the full Store interface — only the read paths that
// don't need transactional guarantees, matching the teacher's split between
// its SQL-backed writes and its Supabase-backed reads.
type SupabaseReader struct {
	client *supabase.Client
}

func NewSupabaseReader(url, serviceKey string) (*SupabaseReader, error) {
	if url == "" || serviceKey == "" {
		return nil, fmt.Errorf("supabase url and service key must be set")
	}
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	return &SupabaseReader{client: client}, nil
}

// loraRow mirrors lora_models for supabase-go's column-name-keyed decoding.
type loraRow struct {
	Slug          string            `json:"slug"`
	TriggerWords  []string          `json:"trigger_words"`
	Cognates      map[string]string `json:"cognates"`
	Checkpoint    string            `json:"checkpoint"`
	DefaultWeight float64           `json:"default_weight"`
	OwnedBy       *string           `json:"owned_by"`
	Description   string            `json:"description"`
	Tags          []string          `json:"tags"`
}

func (r loraRow) toLoRA() LoRA {
	return LoRA{
		Slug:          r.Slug,
		TriggerWords:  r.TriggerWords,
		Cognates:      r.Cognates,
		Checkpoint:    BaseModel(r.Checkpoint),
		DefaultWeight: r.DefaultWeight,
		OwnedBy:       r.OwnedBy,
		Description:   r.Description,
		Tags:          r.Tags,
	}
}

// SearchLoRAs substring-matches q case-insensitively across
// {slug, description, triggerWords, tags} per the REST contract in §6.
// supabase-go/postgrest don't expose a single cross-column OR-ILIKE builder
// with generic column sets cleanly, so we fetch the checkpoint-filtered
// candidate set and apply the substring match in-process; public LoRA tables
// are small enough that this stays cheap and keeps the matching rule exactly
// as specified rather than approximated by a stricter SQL-only `ilike`.
func (r *SupabaseReader) SearchLoRAs(ctx context.Context, checkpoint BaseModel, q, filterType string, limit int) ([]LoRA, error) {
	query := r.client.From("lora_models").Select("*", "", false)
	if checkpoint != "" {
		query = query.Eq("checkpoint", string(checkpoint))
	}
	if filterType == "public" {
		query = query.Is("owned_by", "null")
	}

	var rows []loraRow
	if _, err := query.ExecuteTo(&rows); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "search loras", err)
	}

	needle := strings.ToLower(strings.TrimSpace(q))
	out := make([]LoRA, 0, len(rows))
	for _, row := range rows {
		if needle != "" && !loraMatches(row, needle) {
			continue
		}
		out = append(out, row.toLoRA())
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func loraMatches(row loraRow, needle string) bool {
	if strings.Contains(strings.ToLower(row.Slug), needle) {
		return true
	}
	if strings.Contains(strings.ToLower(row.Description), needle) {
		return true
	}
	for _, w := range row.TriggerWords {
		if strings.Contains(strings.ToLower(w), needle) {
			return true
		}
	}
	for _, t := range row.Tags {
		if strings.Contains(strings.ToLower(t), needle) {
			return true
		}
	}
	return false
}

func (r *SupabaseReader) FindLoRABySlug(ctx context.Context, slug string) (*LoRA, error) {
	var rows []loraRow
	_, err := r.client.From("lora_models").
		Select("*", "", false).
		Eq("slug", slug).
		ExecuteTo(&rows)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find lora", err)
	}
	if len(rows) == 0 {
		return nil, apperr.New(apperr.KindNotFound, "lora not found: "+slug)
	}
	lora := rows[0].toLoRA()
	return &lora, nil
}

// toolRow mirrors the tools table for boot-time catalog hydration.
type toolRow struct {
	ToolID       string                 `json:"tool_id"`
	CommandName  *string                `json:"command_name"`
	DisplayName  string                 `json:"display_name"`
	Service      string                 `json:"service"`
	DeliveryMode string                 `json:"delivery_mode"`
	InputSchema  []InputField           `json:"input_schema"`
	CostingModel CostingModel           `json:"costing_model"`
	Metadata     ToolMetadata           `json:"metadata"`
}

func (r *SupabaseReader) ListTools(ctx context.Context) ([]Tool, error) {
	var rows []toolRow
	_, err := r.client.From("tools").
		Select("*", "", false).
		Order("tool_id", nil).
		ExecuteTo(&rows)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list tools", err)
	}
	tools := make([]Tool, 0, len(rows))
	for _, row := range rows {
		t := Tool{
			ToolID:       row.ToolID,
			DisplayName:  row.DisplayName,
			Service:      row.Service,
			DeliveryMode: DeliveryMode(row.DeliveryMode),
			InputSchema:  row.InputSchema,
			CostingModel: row.CostingModel,
			Metadata:     row.Metadata,
		}
		if row.CommandName != nil {
			t.CommandName = *row.CommandName
		}
		tools = append(tools, t)
	}
	return tools, nil
}
