package gateway

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/noema/forge/internal/metrics"
	"github.com/noema/forge/internal/middleware"
	"github.com/noema/forge/internal/store"
	"github.com/noema/forge/internal/x402"
)

// Server is the REST entry point. It holds no business logic of its own —
// every handler decodes its request, calls Service, and encodes the result.
type Server struct {
	svc          *Service
	rateLimiter  *middleware.RateLimiter
	apiKeyPepper string
	facilitator  x402.Facilitator
	adminKey     string
	metrics      *metrics.Metrics
	log          zerolog.Logger
}

func NewServer(svc *Service, rateLimiter *middleware.RateLimiter, apiKeyPepper string, facilitator x402.Facilitator, log zerolog.Logger) *Server {
	return &Server{svc: svc, rateLimiter: rateLimiter, apiKeyPepper: apiKeyPepper, facilitator: facilitator, log: log}
}

// WithAdminKey enables the /api/v1/admin route group, gated on a constant-
// time comparison against X-Admin-Key — the noema-cli operator surface.
func (s *Server) WithAdminKey(key string) *Server {
	s.adminKey = key
	return s
}

// WithMetrics attaches the Prometheus instrumentation surface; nil-safe if
// never called.
func (s *Server) WithMetrics(m *metrics.Metrics) *Server {
	s.metrics = m
	return s
}

func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.Use(corsMiddleware)
	if s.rateLimiter != nil {
		r.Use(s.rateLimiter.Middleware)
	}

	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/tools/registry", s.handleListTools).Methods("GET")
	api.HandleFunc("/loras/list", s.handleSearchLoRAs).Methods("GET")

	api.HandleFunc("/generation/execute", s.authenticated(s.handleExecute)).Methods("POST")
	api.HandleFunc("/generation/cast", s.authenticated(s.handleExecute)).Methods("POST")
	api.HandleFunc("/generation/status/{id}", s.authenticated(s.handleGenerationStatus)).Methods("GET")
	api.HandleFunc("/generation/{id}/cancel", s.authenticated(s.handleCancelGeneration)).Methods("POST")

	api.HandleFunc("/points", s.authenticated(s.handlePoints)).Methods("GET")

	api.HandleFunc("/wallets/initiate", s.handleWalletInitiate).Methods("POST")
	api.HandleFunc("/wallets/status/{requestId}", s.handleWalletStatus).Methods("GET")

	api.HandleFunc("/spells", s.authenticated(s.handleCreateSpell)).Methods("POST")
	api.HandleFunc("/spells", s.handleListSpells).Methods("GET")
	api.HandleFunc("/spells/cast", s.authenticated(s.handleCastSpell)).Methods("POST")
	api.HandleFunc("/spells/casts/{castId}", s.authenticated(s.handleSpellCastStatus)).Methods("GET")

	api.HandleFunc("/collections", s.authenticated(s.handleCreateCook)).Methods("POST")
	api.HandleFunc("/collections/{id}", s.authenticated(s.handleGetCook)).Methods("GET")
	api.HandleFunc("/collections/{id}/start", s.authenticated(s.handleCookAction(s.svc.StartCook))).Methods("POST")
	api.HandleFunc("/collections/{id}/pause", s.authenticated(s.handleCookAction(s.svc.PauseCook))).Methods("POST")
	api.HandleFunc("/collections/{id}/resume", s.authenticated(s.handleCookAction(s.svc.ResumeCook))).Methods("POST")
	api.HandleFunc("/collections/{id}/stop", s.authenticated(s.handleCookAction(s.svc.StopCook))).Methods("POST")
	api.HandleFunc("/collections/{id}/review", s.authenticated(s.handleReviewCook)).Methods("POST")
	api.HandleFunc("/collections/{id}/export", s.authenticated(s.handleExportCook)).Methods("GET")

	api.HandleFunc("/mcp", s.handleMCP).Methods("POST")

	admin := api.PathPrefix("/admin").Subrouter()
	admin.HandleFunc("/cooks/{id}/start", s.adminAuthenticated(s.handleCookAction(s.svc.StartCook))).Methods("POST")
	admin.HandleFunc("/cooks/{id}/pause", s.adminAuthenticated(s.handleCookAction(s.svc.PauseCook))).Methods("POST")
	admin.HandleFunc("/cooks/{id}/resume", s.adminAuthenticated(s.handleCookAction(s.svc.ResumeCook))).Methods("POST")
	admin.HandleFunc("/cooks/{id}/stop", s.adminAuthenticated(s.handleCookAction(s.svc.StopCook))).Methods("POST")
	admin.HandleFunc("/cooks/{id}", s.adminAuthenticated(s.handleGetCook)).Methods("GET")
	admin.HandleFunc("/cooks/{id}/export", s.adminAuthenticated(s.handleExportCook)).Methods("GET")
	admin.HandleFunc("/vastai/sweep", s.adminAuthenticated(s.handleSweepRuntimes)).Methods("POST")

	x := api.PathPrefix("/x402").Subrouter()
	x.HandleFunc("/tools", s.handleListTools).Methods("GET")
	x.HandleFunc("/quote", s.handleX402Quote).Methods("GET")
	x.HandleFunc("/generate", s.handleX402Generate).Methods("POST")
	x.HandleFunc("/status/{id}", s.handleGenerationStatus).Methods("GET")

	return r
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-PAYMENT")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type accountContextKey struct{}

type accountInfo struct {
	masterAccountID string
	wallets         []string
}

func withAccount(ctx context.Context, masterAccountID string, wallets []string) context.Context {
	return context.WithValue(ctx, accountContextKey{}, accountInfo{masterAccountID: masterAccountID, wallets: wallets})
}

func accountFrom(ctx context.Context) accountInfo {
	acct, _ := ctx.Value(accountContextKey{}).(accountInfo)
	return acct
}

// authenticated resolves the caller's API key into a masterAccountId and
// wallet set before delegating to next.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		apiKey, err := s.svc.AuthenticateAPIKey(r.Context(), key, s.apiKeyPepper)
		if err != nil {
			writeError(w, err)
			return
		}
		wallets, err := s.svc.ListWallets(r.Context(), apiKey.MasterAccountID)
		if err != nil {
			writeError(w, err)
			return
		}
		addrs := make([]string, len(wallets))
		for i, w2 := range wallets {
			addrs[i] = w2.Address
		}
		next(w, r.WithContext(withAccount(r.Context(), apiKey.MasterAccountID, addrs)))
	}
}

// adminAuthenticated gates an operator-only route on a constant-time
// comparison against the configured admin key, never the per-tenant API
// key path authenticated() resolves.
func (s *Server) adminAuthenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminKey == "" {
			writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"error": "admin surface not configured"})
			return
		}
		supplied := r.Header.Get("X-Admin-Key")
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(s.adminKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "invalid admin key"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"tools": s.svc.ListTools()})
}

func (s *Server) handleSearchLoRAs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 50
	if l, err := strconv.Atoi(q.Get("limit")); err == nil && l > 0 {
		limit = l
	}
	loras, err := s.svc.SearchLoRAs(r.Context(), store.BaseModel(q.Get("checkpoint")), q.Get("q"), q.Get("filterType"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"loras": loras})
}

type executeRequestBody struct {
	ToolID       string                 `json:"toolId"`
	Inputs       map[string]interface{} `json:"inputs"`
	DeliveryMode string                 `json:"deliveryMode"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var body executeRequestBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	acct := accountFrom(r.Context())
	result, err := s.svc.ExecuteTool(r.Context(), acct.masterAccountID, acct.wallets, body.ToolID, body.Inputs, body.DeliveryMode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"generationId": result.GenerationID,
		"status":       result.Status,
		"result":       result.Result,
		"pollUrl":      result.PollURL,
	})
}

func (s *Server) handleGenerationStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	gen, err := s.svc.GetGeneration(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generationStatusPayload(gen))
}

func generationStatusPayload(gen *store.GenerationRecord) map[string]interface{} {
	body := map[string]interface{}{
		"generationId": gen.ID,
		"status":       gen.Status,
		"progress":     gen.Progress,
	}
	if gen.ResultPayload != nil {
		body["result"] = gen.ResultPayload
	}
	if gen.Error != nil {
		body["error"] = gen.Error
	}
	return body
}

func (s *Server) handleCancelGeneration(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.svc.CancelGeneration(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled_by_user"})
}

func (s *Server) handlePoints(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())
	points, err := s.svc.Balance(r.Context(), acct.masterAccountID, acct.wallets)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"points": points})
}

func (s *Server) handleWalletInitiate(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.InitiateWalletLink(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"requestId":        req.RequestID,
		"magicAmount":      req.MagicAmountWei,
		"depositToAddress": req.DepositToAddress,
		"expiresAt":        req.ExpiresAt,
	})
}

func (s *Server) handleWalletStatus(w http.ResponseWriter, r *http.Request) {
	requestID := mux.Vars(r)["requestId"]
	status, err := s.svc.PollWalletLink(r.Context(), requestID)
	if err != nil {
		writeError(w, err)
		return
	}
	switch status.RequestStatus {
	case "pending":
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "PENDING"})
	case "completed":
		writeJSON(w, http.StatusOK, map[string]string{"status": "COMPLETED", "apiKey": status.APIKey})
	case "claimed":
		writeJSON(w, http.StatusGone, map[string]string{"status": "ALREADY_CLAIMED"})
	case "expired":
		writeJSON(w, http.StatusOK, map[string]string{"status": "EXPIRED"})
	}
}

func (s *Server) handleCreateSpell(w http.ResponseWriter, r *http.Request) {
	var spell store.Spell
	if err := decodeJSON(r, &spell); err != nil {
		writeError(w, err)
		return
	}
	spell.Owner = accountFrom(r.Context()).masterAccountID
	if err := s.svc.CreateSpell(r.Context(), &spell); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, spell)
}

func (s *Server) handleListSpells(w http.ResponseWriter, r *http.Request) {
	visibility := store.SpellVisibility(r.URL.Query().Get("visibility"))
	if visibility == "" {
		visibility = store.SpellListed
	}
	spells, err := s.svc.ListSpells(r.Context(), visibility)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"spells": spells})
}

type castSpellBody struct {
	Slug                 string                 `json:"slug"`
	Input                map[string]interface{} `json:"input"`
	NotificationPlatform string                 `json:"notificationPlatform"`
}

func (s *Server) handleCastSpell(w http.ResponseWriter, r *http.Request) {
	var body castSpellBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	acct := accountFrom(r.Context())
	cast, err := s.svc.CastSpell(r.Context(), body.Slug, acct.masterAccountID, body.NotificationPlatform, body.Input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cast)
}

func (s *Server) handleSpellCastStatus(w http.ResponseWriter, r *http.Request) {
	castID := mux.Vars(r)["castId"]
	cast, err := s.svc.GetSpellCast(r.Context(), castID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cast)
}

func (s *Server) handleCreateCook(w http.ResponseWriter, r *http.Request) {
	var cook store.Cook
	if err := decodeJSON(r, &cook); err != nil {
		writeError(w, err)
		return
	}
	cook.MasterAccountID = accountFrom(r.Context()).masterAccountID
	if err := s.svc.CreateCook(r.Context(), &cook); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, cook)
}

func (s *Server) handleGetCook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	cook, err := s.svc.GetCook(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cook)
}

func (s *Server) handleCookAction(action func(ctx context.Context, id string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		if err := action(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

type reviewCookBody struct {
	GenerationID string `json:"generationId"`
	Decision     string `json:"decision"` // accept | reject
}

func (s *Server) handleReviewCook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body reviewCookBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if err := s.svc.ReviewCookPiece(r.Context(), id, body.GenerationID, body.Decision == "accept"); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExportCook(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	includeMetadata := r.URL.Query().Get("includeMetadata") == "true"
	data, err := s.svc.ExportCook(r.Context(), id, includeMetadata)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.zip"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleSweepRuntimes reaps orphaned VastAI instances on demand, and is the
// HTTP target of the tasks TaskScheduler.ScheduleSweep enqueues when Cloud
// Tasks is configured. It does not reschedule itself: the server's sweep
// loop enqueues a new task on each tick.
func (s *Server) handleSweepRuntimes(w http.ResponseWriter, r *http.Request) {
	errs := s.svc.SweepRuntimes(r.Context())
	report := make(map[string]string, len(errs))
	for name, err := range errs {
		if err != nil {
			report[name] = err.Error()
		} else {
			report[name] = "ok"
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"swept": report})
}

func (s *Server) handleX402Quote(w http.ResponseWriter, r *http.Request) {
	toolID := r.URL.Query().Get("toolId")
	tool, err := s.svc.ResolveTool(toolID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"toolId": tool.ToolID, "costingModel": tool.CostingModel})
}

type x402GenerateBody struct {
	ToolID string                 `json:"toolId"`
	Inputs map[string]interface{} `json:"inputs"`
}

func (s *Server) handleX402Generate(w http.ResponseWriter, r *http.Request) {
	var body x402GenerateBody
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, err)
		return
	}

	paymentHeader := x402.ExtractPaymentHeader(r)
	if paymentHeader == "" {
		x402.WritePaymentRequired(w, x402.BuildPaymentRequired(44000, "USDC", "0x0000000000000000000000000000000000000000"))
		return
	}

	settlement, err := s.facilitator.Verify(r.Context(), paymentHeader, "44000", "USDC", "0x0000000000000000000000000000000000000000", "eip155:8453")
	if err != nil {
		if s.metrics != nil {
			s.metrics.X402Settlements.WithLabelValues("rejected").Inc()
		}
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.X402Settlements.WithLabelValues("settled").Inc()
	}

	result, err := s.svc.ExecuteX402(r.Context(), settlement.Payer, body.ToolID, body.Inputs)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"generationId": result.GenerationID,
		"status":       result.Status,
		"x402": map[string]interface{}{
			"transaction": settlement.Transaction,
			"settled":     settlement.Settled,
			"costUsd":     settlement.CostUsd,
		},
	})
}

