package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/noema/forge/internal/apperr"
	"github.com/noema/forge/internal/store"
)

// rpcRequest/rpcResponse implement JSON-RPC 2.0 framing, per spec.md §4.J.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	rpcParseError     = -32700
	rpcInvalidRequest = -32600
	rpcMethodNotFound = -32601
	rpcInvalidParams  = -32602
	rpcInternalError  = -32603
)

func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: rpcParseError, Message: "parse error"}})
		return
	}

	result, err := s.dispatchMCP(r, req.Method, req.Params)
	resp := rpcResponse{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		resp.Error = &rpcError{Code: mcpErrorCode(err), Message: err.Error()}
	} else {
		resp.Result = result
	}
	writeJSON(w, http.StatusOK, resp)
}

func mcpErrorCode(err error) int {
	if _, ok := err.(*rpcMethodError); ok {
		return rpcMethodNotFound
	}
	if apperr.Is(err, apperr.KindInvalidInput) {
		return rpcInvalidParams
	}
	return rpcInternalError
}

type rpcMethodError struct{ method string }

func (e *rpcMethodError) Error() string { return fmt.Sprintf("method not found: %s", e.method) }

// dispatchMCP routes a single JSON-RPC call into Service, the same facade
// the REST handlers use — no business logic lives in this file.
func (s *Server) dispatchMCP(r *http.Request, method string, params json.RawMessage) (interface{}, error) {
	ctx := r.Context()

	switch method {
	case "initialize":
		return map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]string{"name": "forge", "version": "1.0"},
			"capabilities": map[string]interface{}{
				"tools":     map[string]interface{}{},
				"resources": map[string]interface{}{},
				"prompts":   map[string]interface{}{},
			},
		}, nil

	case "tools/list":
		tools := s.svc.ListTools()
		descriptors := make([]map[string]interface{}, 0, len(tools))
		for _, t := range tools {
			descriptors = append(descriptors, map[string]interface{}{
				"name":        t.ToolID,
				"description": t.DisplayName,
				"inputSchema": t.InputSchema,
			})
		}
		return map[string]interface{}{"tools": descriptors}, nil

	case "tools/call":
		var p struct {
			Name      string                 `json:"name"`
			Arguments map[string]interface{} `json:"arguments"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		apiKey, err := s.authenticateMCP(r)
		if err != nil {
			return nil, err
		}
		wallets, err := s.svc.ListWallets(ctx, apiKey.MasterAccountID)
		if err != nil {
			return nil, err
		}
		result, err := s.svc.ExecuteTool(ctx, apiKey.MasterAccountID, walletAddresses(wallets), p.Name, p.Arguments, "none")
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"content": []map[string]interface{}{
				{"type": "text", "text": fmt.Sprintf("generationId=%s status=%s", result.GenerationID, result.Status)},
			},
			"generationId": result.GenerationID,
			"status":       result.Status,
		}, nil

	case "resources/list":
		return map[string]interface{}{
			"resources": []map[string]string{
				{"uri": "noema://lora/search", "name": "LoRA search"},
			},
		}, nil

	case "resources/read":
		var p struct {
			URI string `json:"uri"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return s.readMCPResource(ctx, p.URI)

	case "prompts/list":
		return map[string]interface{}{"prompts": []map[string]string{}}, nil

	case "prompts/get":
		var p struct {
			Name string `json:"name"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		return nil, apperr.New(apperr.KindNotFound, fmt.Sprintf("unknown prompt %q", p.Name))

	case "spells/list":
		spells, err := s.svc.ListSpells(ctx, store.SpellListed)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"spells": spells}, nil

	case "spells/cast":
		var p struct {
			Slug                 string                 `json:"slug"`
			Input                map[string]interface{} `json:"input"`
			NotificationPlatform string                 `json:"notificationPlatform"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		apiKey, err := s.authenticateMCP(r)
		if err != nil {
			return nil, err
		}
		cast, err := s.svc.CastSpell(ctx, p.Slug, apiKey.MasterAccountID, p.NotificationPlatform, p.Input)
		if err != nil {
			return nil, err
		}
		return cast, nil

	case "collections/list":
		apiKey, err := s.authenticateMCP(r)
		if err != nil {
			return nil, err
		}
		_ = apiKey // per-account cook listing is a store-level filter left to the REST surface
		return nil, apperr.New(apperr.KindInvalidInput, "use GET /api/v1/collections/{id} to inspect a specific cook")

	case "collections/create":
		var cook store.Cook
		if err := unmarshalParams(params, &cook); err != nil {
			return nil, err
		}
		apiKey, err := s.authenticateMCP(r)
		if err != nil {
			return nil, err
		}
		cook.MasterAccountID = apiKey.MasterAccountID
		if err := s.svc.CreateCook(ctx, &cook); err != nil {
			return nil, err
		}
		return cook, nil

	case "trainings/submit":
		var p struct {
			ToolID string                 `json:"toolId"`
			Inputs map[string]interface{} `json:"inputs"`
		}
		if err := unmarshalParams(params, &p); err != nil {
			return nil, err
		}
		apiKey, err := s.authenticateMCP(r)
		if err != nil {
			return nil, err
		}
		wallets, err := s.svc.ListWallets(ctx, apiKey.MasterAccountID)
		if err != nil {
			return nil, err
		}
		result, err := s.svc.ExecuteTool(ctx, apiKey.MasterAccountID, walletAddresses(wallets), p.ToolID, p.Inputs, "none")
		if err != nil {
			return nil, err
		}
		return result, nil

	default:
		return nil, &rpcMethodError{method: method}
	}
}

func (s *Server) authenticateMCP(r *http.Request) (*store.APIKey, error) {
	return s.svc.AuthenticateAPIKey(r.Context(), r.Header.Get("X-API-Key"), s.apiKeyPepper)
}

func walletAddresses(wallets []store.WalletAddress) []string {
	out := make([]string, len(wallets))
	for i, w := range wallets {
		out[i] = w.Address
	}
	return out
}

func unmarshalParams(params json.RawMessage, dst interface{}) error {
	if len(params) == 0 {
		return apperr.New(apperr.KindInvalidInput, "missing params")
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return apperr.Wrap(apperr.KindInvalidInput, "malformed params", err)
	}
	return nil
}

// readMCPResource implements the noema://lora/{slug} and
// noema://lora/search?q=&checkpoint= resource URIs.
func (s *Server) readMCPResource(ctx context.Context, raw string) (interface{}, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "noema" {
		return nil, apperr.New(apperr.KindInvalidInput, "unsupported resource scheme")
	}

	path := strings.TrimPrefix(u.Host+u.Path, "lora/")
	if path == "search" {
		limit := 50
		if l, err := strconv.Atoi(u.Query().Get("limit")); err == nil && l > 0 {
			limit = l
		}
		loras, err := s.svc.SearchLoRAs(ctx, store.BaseModel(u.Query().Get("checkpoint")), u.Query().Get("q"), "", limit)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"uri": raw, "loras": loras}, nil
	}

	lora, err := s.svc.GetLoRA(ctx, path)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"uri": raw, "lora": lora}, nil
}
