// Package gateway is the transport-agnostic facade the REST router and the
// MCP dispatcher both call into: neither surface holds business logic of
// its own, they only translate their wire format into Service calls.
package gateway

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/noema/forge/internal/apperr"
	"github.com/noema/forge/internal/catalog"
	"github.com/noema/forge/internal/ledger"
	"github.com/noema/forge/internal/lifecycle"
	"github.com/noema/forge/internal/scheduler"
	"github.com/noema/forge/internal/store"
	"github.com/noema/forge/internal/walletlink"
	"github.com/noema/forge/internal/x402"
)

// Service is shared by the REST router, the MCP dispatcher, and the x402
// payment path.
type Service struct {
	store       store.Store
	catalog     *catalog.ToolCatalog
	ledger      *ledger.Ledger
	engine      *lifecycle.Engine
	scheduler   *scheduler.Scheduler
	wallets     *walletlink.Service
	facilitator x402.Facilitator
	loraReader  loraReader
	log         zerolog.Logger
}

// loraReader is the read-mostly LoRA search path; satisfied by
// store.Store itself or, when configured, by *store.SupabaseReader so
// public search traffic can be routed off the transactional database.
type loraReader interface {
	SearchLoRAs(ctx context.Context, checkpoint store.BaseModel, q, filterType string, limit int) ([]store.LoRA, error)
	FindLoRABySlug(ctx context.Context, slug string) (*store.LoRA, error)
}

// WithLoRAReader points SearchLoRAs/GetLoRA at an alternate read path, e.g.
// *store.SupabaseReader; nil-safe if never called.
func (s *Service) WithLoRAReader(r loraReader) *Service {
	s.loraReader = r
	return s
}

func NewService(
	st store.Store,
	cat *catalog.ToolCatalog,
	ldg *ledger.Ledger,
	engine *lifecycle.Engine,
	sched *scheduler.Scheduler,
	wallets *walletlink.Service,
	facilitator x402.Facilitator,
	log zerolog.Logger,
) *Service {
	return &Service{
		store:       st,
		catalog:     cat,
		ledger:      ldg,
		engine:      engine,
		scheduler:   sched,
		wallets:     wallets,
		facilitator: facilitator,
		log:         log,
	}
}

// ExecuteTool is the credit-ledger entry point: the caller is identified by
// an API key or platform identity already resolved to a masterAccountId.
func (s *Service) ExecuteTool(ctx context.Context, masterAccountID string, wallets []string, toolIdentifier string, inputs map[string]interface{}, deliveryPlatform string) (lifecycle.ExecuteResult, error) {
	return s.engine.Execute(ctx, lifecycle.ExecuteRequest{
		ToolIdentifier: toolIdentifier,
		Inputs:         inputs,
		User: lifecycle.User{
			MasterAccountID: masterAccountID,
			WalletAddresses: wallets,
		},
		Delivery: lifecycle.DeliveryHints{NotificationPlatform: deliveryPlatform},
	})
}

// ExecuteX402 is the pay-per-call entry point: no ledger account is
// consulted, the generation is attributed to the synthetic x402 payer
// identity so the Lifecycle Engine skips Quote/Spend entirely.
func (s *Service) ExecuteX402(ctx context.Context, payerAddress, toolIdentifier string, inputs map[string]interface{}) (lifecycle.ExecuteResult, error) {
	return s.engine.Execute(ctx, lifecycle.ExecuteRequest{
		ToolIdentifier: toolIdentifier,
		Inputs:         inputs,
		User: lifecycle.User{
			MasterAccountID: x402.PayerAccountID(payerAddress),
		},
		Delivery: lifecycle.DeliveryHints{NotificationPlatform: "none"},
	})
}

func (s *Service) GetGeneration(ctx context.Context, id string) (*store.GenerationRecord, error) {
	return s.store.FindGenerationByID(ctx, id)
}

func (s *Service) CancelGeneration(ctx context.Context, id string) error {
	return s.engine.Cancel(ctx, id)
}

func (s *Service) Facilitator() x402.Facilitator { return s.facilitator }

// SweepRuntimes runs orphan-instance reclamation on every registered runtime
// that supports it (currently just VastAI), returning any per-runtime error.
func (s *Service) SweepRuntimes(ctx context.Context) map[string]error {
	return s.engine.Runtimes().SweepAll(ctx)
}

func (s *Service) Balance(ctx context.Context, masterAccountID string, wallets []string) (int64, error) {
	return s.ledger.Balance(ctx, masterAccountID, wallets)
}

// --- Tool catalog ---

func (s *Service) ListTools() []*store.Tool {
	return s.catalog.List()
}

func (s *Service) ResolveTool(identifier string) (*store.Tool, error) {
	return s.catalog.Resolve(identifier)
}

// --- LoRAs ---

func (s *Service) SearchLoRAs(ctx context.Context, checkpoint store.BaseModel, q, filterType string, limit int) ([]store.LoRA, error) {
	if s.loraReader != nil {
		return s.loraReader.SearchLoRAs(ctx, checkpoint, q, filterType, limit)
	}
	return s.store.SearchLoRAs(ctx, checkpoint, q, filterType, limit)
}

func (s *Service) GetLoRA(ctx context.Context, slug string) (*store.LoRA, error) {
	if s.loraReader != nil {
		return s.loraReader.FindLoRABySlug(ctx, slug)
	}
	return s.store.FindLoRABySlug(ctx, slug)
}

func (s *Service) GrantLoRAPermission(ctx context.Context, masterAccountID, slug string) error {
	return s.store.GrantLoRAPermission(ctx, masterAccountID, slug)
}

// --- Cooks ---

func (s *Service) CreateCook(ctx context.Context, c *store.Cook) error {
	if c.MaxInflight <= 0 {
		c.MaxInflight = 2
	}
	return s.store.CreateCook(ctx, c)
}

func (s *Service) GetCook(ctx context.Context, id string) (*store.Cook, error) {
	return s.store.FindCookByID(ctx, id)
}

func (s *Service) StartCook(ctx context.Context, id string) error   { return s.scheduler.StartCook(ctx, id) }
func (s *Service) PauseCook(ctx context.Context, id string) error   { return s.scheduler.PauseCook(ctx, id) }
func (s *Service) ResumeCook(ctx context.Context, id string) error  { return s.scheduler.ResumeCook(ctx, id) }
func (s *Service) StopCook(ctx context.Context, id string) error    { return s.scheduler.StopCook(ctx, id) }

func (s *Service) ReviewCookPiece(ctx context.Context, cookID, generationID string, accept bool) error {
	decision := scheduler.DecisionReject
	if accept {
		decision = scheduler.DecisionAccept
	}
	return s.scheduler.Review(ctx, cookID, generationID, decision)
}

func (s *Service) ExportCook(ctx context.Context, cookID string, includeMetadata bool) ([]byte, error) {
	return s.scheduler.Export(ctx, cookID, includeMetadata)
}

// --- Spells ---

func (s *Service) CreateSpell(ctx context.Context, spell *store.Spell) error {
	return s.scheduler.CreateSpell(ctx, spell)
}

func (s *Service) ListSpells(ctx context.Context, visibility store.SpellVisibility) ([]store.Spell, error) {
	return s.store.ListSpells(ctx, visibility)
}

func (s *Service) GetSpell(ctx context.Context, slug string) (*store.Spell, error) {
	return s.store.FindSpellBySlug(ctx, slug)
}

func (s *Service) CastSpell(ctx context.Context, slug, masterAccountID, notificationPlatform string, input map[string]interface{}) (*store.SpellCast, error) {
	return s.scheduler.CastSpell(ctx, slug, masterAccountID, notificationPlatform, input)
}

func (s *Service) GetSpellCast(ctx context.Context, castID string) (*store.SpellCast, error) {
	return s.store.FindSpellCastByID(ctx, castID)
}

// --- Wallet linking ---

func (s *Service) InitiateWalletLink(ctx context.Context) (*walletlink.LinkRequest, error) {
	return s.wallets.Initiate(ctx)
}

func (s *Service) PollWalletLink(ctx context.Context, requestID string) (walletlink.Status, error) {
	return s.wallets.Poll(ctx, requestID)
}

// --- Auth ---

// AuthenticateAPIKey resolves a plaintext X-API-Key header into the account
// it was minted for.
func (s *Service) AuthenticateAPIKey(ctx context.Context, plaintext, pepper string) (*store.APIKey, error) {
	if plaintext == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "missing api key")
	}
	return walletlink.VerifyAPIKey(ctx, s.store, pepper, plaintext)
}

// --- Wallets (linked-address management) ---

func (s *Service) ListWallets(ctx context.Context, masterAccountID string) ([]store.WalletAddress, error) {
	return s.store.ListWallets(ctx, masterAccountID)
}
