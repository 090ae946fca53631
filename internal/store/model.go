// Package store defines the persistence-layer types and the Store contract,
// implemented by the SQL-backed transactional path; the Supabase reader is a
// separate read-only helper outside that contract. No business logic lives here — callers in pricing, ledger, lifecycle,
// and scheduler own the rules; store only shapes and moves data.
package store

import (
	"context"
	"time"
)

// Money fields are integer micro-dollars: 1 USD = 1,000,000 micros. Never use
// a binary float for cost arithmetic.
type Micros int64

const MicrosPerUSD Micros = 1_000_000

func USD(v float64) Micros {
	return Micros(v * float64(MicrosPerUSD))
}

func (m Micros) USD() float64 {
	return float64(m) / float64(MicrosPerUSD)
}

// UserTier is the pricing tier derived from a user's ledger state.
type UserTier string

const (
	TierStandard UserTier = "standard"
	TierMS2      UserTier = "ms2"
)

// PlatformIdentity links a user to an external chat/web platform account.
type PlatformIdentity struct {
	Platform   string `json:"platform"`
	PlatformID string `json:"platformId"`
}

// WalletAddress is one of a user's linked on-chain addresses.
type WalletAddress struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	Primary   bool      `json:"primary"`
	CreatedAt time.Time `json:"createdAt"`
}

// User is identified by an opaque 24-hex masterAccountId. Never deleted —
// status carries a soft-disable flag instead.
type User struct {
	MasterAccountID string             `json:"masterAccountId"`
	DisplayName     string             `json:"displayName"`
	Identities      []PlatformIdentity `json:"identities"`
	Wallets         []WalletAddress    `json:"wallets"`
	Tier            UserTier           `json:"tier"`
	Status          string             `json:"status"` // active | disabled
	CreatedAt       time.Time          `json:"createdAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// DepositStatus is the lifecycle of a ledger entry.
type DepositStatus string

const (
	DepositPending   DepositStatus = "PENDING"
	DepositConfirmed DepositStatus = "CONFIRMED"
	DepositExhausted DepositStatus = "EXHAUSTED"
	DepositRefunded  DepositStatus = "REFUNDED"
)

// Deposit is an immutable-after-confirmation ledger entry. A Reward entry
// shares this exact shape with RewardType set and DepositTxHash empty — both
// are drawn from the same FIFO stream, matching spec's "same shape ... drawn
// from the same FIFO stream" rule for reward entries.
type Deposit struct {
	ID                 string        `json:"id"`
	MasterAccountID    string        `json:"masterAccountId,omitempty"`
	DepositorAddress   string        `json:"depositorAddress,omitempty"`
	TokenAddress       string        `json:"tokenAddress"`
	USDValue           Micros        `json:"usdValue"`
	PointsCredited     int64         `json:"pointsCredited"`
	PointsRemaining    int64         `json:"pointsRemaining"`
	FundingRateApplied float64       `json:"fundingRateApplied"`
	Status             DepositStatus `json:"status"`
	DepositTxHash       string       `json:"depositTxHash,omitempty"`
	RewardType         *string       `json:"rewardType,omitempty"`
	RewardDescription  string        `json:"rewardDescription,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
}

// IsReward reports whether this ledger entry is a reward grant rather than an
// on-chain deposit.
func (d *Deposit) IsReward() bool {
	return d.RewardType != nil
}

// DeliveryMode controls whether a tool call resolves synchronously or via the
// webhook/lifecycle path.
type DeliveryMode string

const (
	DeliveryImmediate DeliveryMode = "immediate"
	DeliveryAsync     DeliveryMode = "async"
)

// CostUnit is the unit a dynamic costing model is rated against.
type CostUnit string

const (
	UnitSecond CostUnit = "second"
	UnitToken  CostUnit = "token"
	UnitRun    CostUnit = "run"
)

// BaseModel is a LoRA compatibility tag.
type BaseModel string

const (
	BaseModelFlux    BaseModel = "FLUX"
	BaseModelSDXL    BaseModel = "SDXL"
	BaseModelSD15    BaseModel = "SD1.5"
	BaseModelSD3     BaseModel = "SD3"
	BaseModelKontext BaseModel = "KONTEXT"
)

// CostingModel is either a flat per-run charge or a rate applied to a
// realised unit count (seconds, tokens, runs).
type CostingModel struct {
	Kind   string   `json:"kind"` // static | dynamic
	Amount Micros   `json:"amount,omitempty"`
	Rate   Micros   `json:"rate,omitempty"`
	Unit   CostUnit `json:"unit,omitempty"`
}

// InputField declares one parameter of a tool's input schema.
type InputField struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"` // string | number | boolean | enum
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
	Min         *float64    `json:"min,omitempty"`
	Max         *float64    `json:"max,omitempty"`
	Enum        []string    `json:"enum,omitempty"`
	Advanced    bool        `json:"advanced"`
	Hidden      bool        `json:"hidden"`
	Passthrough bool        `json:"passthrough"`
}

// ToolMetadata carries optional fields that don't fit the core Tool shape.
type ToolMetadata struct {
	BaseModel       BaseModel `json:"baseModel,omitempty"`
	MaxDurationMs   int64     `json:"maxDurationMs,omitempty"`
	DeploymentID    string    `json:"deploymentId,omitempty"` // ComfyDeploy deployment selector
}

// Tool is the catalog's unit of work: what a user or spell step invokes.
type Tool struct {
	ToolID       string       `json:"toolId"`
	CommandName  string       `json:"commandName,omitempty"`
	DisplayName  string       `json:"displayName"`
	Service      string       `json:"service"` // comfyui | dalle | openai-chat | string | vastai-training
	DeliveryMode DeliveryMode `json:"deliveryMode"`
	InputSchema  []InputField `json:"inputSchema"`
	CostingModel CostingModel `json:"costingModel"`
	Metadata     ToolMetadata `json:"metadata"`
}

// GenerationStatus is the Lifecycle Engine's state machine value.
type GenerationStatus string

const (
	GenCreated          GenerationStatus = "created"
	GenPending          GenerationStatus = "pending"
	GenQueued           GenerationStatus = "queued"
	GenProcessing       GenerationStatus = "processing"
	GenCompleted        GenerationStatus = "completed"
	GenFailed           GenerationStatus = "failed"
	GenCancelledByUser  GenerationStatus = "cancelled_by_user"
	GenTimeout          GenerationStatus = "timeout"
)

// IsTerminal reports whether a status is absorbing per the state machine.
func (s GenerationStatus) IsTerminal() bool {
	switch s {
	case GenCompleted, GenFailed, GenCancelledByUser, GenTimeout:
		return true
	default:
		return false
	}
}

// DeliveryStatus tracks the notification bus's durable delivery log, carried
// on the generation record itself per spec's "deliveryStatus field IS the
// durable delivery log" rule.
type DeliveryStatus string

const (
	DeliveryNone      DeliveryStatus = "none"
	DeliveryPendingS  DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliverySkipped   DeliveryStatus = "skipped"
)

// GenerationError is attached on failed/timeout per the apperr taxonomy. It
// is always populated on a terminal failure, never a raw stack trace.
type GenerationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// GenerationMetadata holds the secondary fields the Lifecycle Engine threads
// through submit, webhook routing, and cook/spell attribution.
type GenerationMetadata struct {
	RunID          string        `json:"run_id,omitempty"`
	CostRate       *CostingModel `json:"costRate,omitempty"`
	IsSpell        bool          `json:"isSpell,omitempty"`
	SpellCastID    string        `json:"spellCastId,omitempty"`
	CookExecutionID string       `json:"cookExecutionId,omitempty"`
	StepIndex      int           `json:"stepIndex,omitempty"`
	X402           *X402Settlement `json:"x402,omitempty"`
}

// X402Settlement is attached when a generation was paid for via the x402
// micropayment path instead of the credit ledger.
type X402Settlement struct {
	Transaction string `json:"transaction"`
	Settled     bool   `json:"settled"`
	CostUsd     string `json:"costUsd"`
	Payer       string `json:"payer"`
}

// GenerationRecord is the central state-bearing entity of the engine.
type GenerationRecord struct {
	ID                  string              `json:"id"`
	MasterAccountID     string              `json:"masterAccountId"`
	ServiceName         string              `json:"serviceName"`
	ToolID              string              `json:"toolId"`
	ToolDisplayName     string              `json:"toolDisplayName"`
	RequestPayload      map[string]interface{} `json:"requestPayload"`
	Status              GenerationStatus    `json:"status"`
	DeliveryStatus      DeliveryStatus      `json:"deliveryStatus"`
	NotificationPlatform string             `json:"notificationPlatform"`
	RequestTimestamp    time.Time           `json:"requestTimestamp"`
	ResponseTimestamp   *time.Time          `json:"responseTimestamp,omitempty"`
	DurationMs          int64               `json:"durationMs,omitempty"`
	CostUsd             Micros              `json:"costUsd"`
	PointsSpent         int64               `json:"pointsSpent"`
	Metadata            GenerationMetadata  `json:"metadata"`
	ResultPayload       map[string]interface{} `json:"resultPayload,omitempty"`
	Error               *GenerationError    `json:"error,omitempty"`
	RetryCount          int                 `json:"retryCount"`
	Progress            float64             `json:"progress"`
	LiveStatus          string              `json:"liveStatus,omitempty"`
}

// CookStatus is the batch FSM value.
type CookStatus string

const (
	CookDraft     CookStatus = "draft"
	CookRunning   CookStatus = "running"
	CookPaused    CookStatus = "paused"
	CookCompleted CookStatus = "completed"
	CookStopped   CookStatus = "stopped"
	CookFailed    CookStatus = "failed"
)

// CookConfig holds the per-piece rendering inputs.
type CookConfig struct {
	Dimensions string   `json:"dimensions,omitempty"`
	Variations []string `json:"variations"`
}

// Cook is the aggregate for a batch job.
type Cook struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	MasterAccountID string     `json:"masterAccountId"`
	ToolID          string     `json:"toolId"`
	PromptTemplate  string     `json:"promptTemplate"`
	Config          CookConfig `json:"config"`
	TargetCount     int        `json:"targetCount"`
	GeneratedCount  int        `json:"generatedCount"`
	MaxInflight     int        `json:"maxInflight"`
	GenerationIDs   []string   `json:"generationIds"`
	AcceptedIDs     []string   `json:"acceptedIds"`
	RejectedIDs     []string   `json:"rejectedIds"`
	CostUsd         Micros     `json:"costUsd"`
	Status          CookStatus `json:"status"`
	CreatedAt       time.Time  `json:"createdAt"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// SpellVisibility controls who can discover and cast a spell.
type SpellVisibility string

const (
	SpellPrivate SpellVisibility = "private"
	SpellListed  SpellVisibility = "listed"
	SpellPublic  SpellVisibility = "public"
)

// SpellStep is one node in the spell's workflow graph.
type SpellStep struct {
	StepID         string                 `json:"stepId"`
	ToolIdentifier string                 `json:"toolIdentifier"`
	Parameters     map[string]interface{} `json:"parameters"`
}

// SpellEndpoint addresses one side of a connection edge.
type SpellEndpoint struct {
	StepID string `json:"stepId"`
	Port   string `json:"output,omitempty"` // reused for "input" side via SpellConnection.To
}

// SpellConnection wires a producing step's output to a consuming step's
// input. The DAG built from these edges is validated for cycles at spell
// creation time (internal/scheduler/dag.go).
type SpellConnection struct {
	From SpellEndpoint `json:"from"`
	To   SpellEndpoint `json:"to"`
}

// Spell is a stored, parameterised multi-step workflow definition.
type Spell struct {
	Slug          string            `json:"slug"`
	Name          string            `json:"name"`
	Visibility    SpellVisibility   `json:"visibility"`
	Steps         []SpellStep       `json:"steps"`
	Connections   []SpellConnection `json:"connections"`
	ExposedInputs []string          `json:"exposedInputs"`
	Owner         string            `json:"owner"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// SpellCastStatus is the running-instance FSM value.
type SpellCastStatus string

const (
	CastRunning   SpellCastStatus = "running"
	CastCompleted SpellCastStatus = "completed"
	CastFailed    SpellCastStatus = "failed"
)

// StepStatus records one step's progress within a cast.
type StepStatus struct {
	StepID       string `json:"stepId"`
	Status       string `json:"status"`
	GenerationID string `json:"generationId,omitempty"`
}

// SpellCast is a running instance of a spell.
type SpellCast struct {
	CastID          string                 `json:"castId"`
	Slug            string                 `json:"slug"`
	Context         map[string]interface{} `json:"context"`
	Status          SpellCastStatus        `json:"status"`
	StepStatuses    []StepStatus           `json:"stepStatuses"`
	AggregatedOutput map[string]interface{} `json:"aggregatedOutput,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
	CompletedAt     *time.Time             `json:"completedAt,omitempty"`
}

// LoRA is a style-conditioning model activated by a trigger word.
type LoRA struct {
	Slug          string            `json:"slug"`
	TriggerWords  []string          `json:"triggerWords"`
	Cognates      map[string]string `json:"cognates"` // alias -> canonical word
	Checkpoint    BaseModel         `json:"checkpoint"`
	DefaultWeight float64           `json:"defaultWeight"`
	OwnedBy       *string           `json:"ownedBy,omitempty"` // nil = public
	Description   string            `json:"description,omitempty"`
	Tags          []string          `json:"tags,omitempty"`
}

// LoRAPermission grants a user access to a private LoRA.
type LoRAPermission struct {
	MasterAccountID string `json:"masterAccountId"`
	LoRASlug        string `json:"loraSlug"`
}

// APIKey is an independent credential pointing at the same credit pool as a
// linked wallet.
type APIKey struct {
	ID           string    `json:"id"`
	KeyPrefix    string    `json:"keyPrefix"`
	SecretHash   string    `json:"secretHash"` // bcrypt hash of the secret
	Permissions  []string  `json:"permissions"`
	Status       string    `json:"status"` // active | revoked
	MasterAccountID string `json:"masterAccountId"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UserHints are optional signals supplied on first contact.
type UserHints struct {
	DisplayName string
}

// DepositFilter narrows an active-deposits lookup.
type DepositFilter struct {
	MasterAccountID  string
	DepositorAddress string
}

// GenerationFilter narrows a findMany query.
type GenerationFilter struct {
	MasterAccountID string
	CookExecutionID string
	SpellCastID     string
	Statuses        []GenerationStatus
	Limit           int
}

// Store is the full persistence contract. Implementations may fail with
// apperr.KindNotFound, apperr.KindConflict, or a wrapped
// apperr.KindInternal for storage-unavailable conditions.
type Store interface {
	// Users
	FindOrCreateByPlatform(ctx context.Context, platform, platformID string, hints UserHints) (*User, bool, error)
	FindUserByID(ctx context.Context, masterAccountID string) (*User, error)
	FindUserByPlatform(ctx context.Context, platform, platformID string) (*User, error)
	UpdateUserTier(ctx context.Context, masterAccountID string, tier UserTier) error

	// Wallets
	ListWallets(ctx context.Context, masterAccountID string) ([]WalletAddress, error)
	AddWallet(ctx context.Context, masterAccountID, address string, primary bool) (*WalletAddress, error)
	UpdateWallet(ctx context.Context, masterAccountID, walletID string, primary bool) error
	DeleteWallet(ctx context.Context, masterAccountID, walletID string) error

	// Ledger
	RecordDepositIfNew(ctx context.Context, depositTxHash string, d Deposit) (*Deposit, bool, error)
	FindActiveDepositsForUser(ctx context.Context, masterAccountID string) ([]Deposit, error)
	FindActiveDepositsForWallet(ctx context.Context, address string) ([]Deposit, error)
	DeductPointsFromDeposit(ctx context.Context, depositID string, amount int64) (int64, error)
	SumPointsRemaining(ctx context.Context, filter DepositFilter) (int64, error)
	InsertRewardEntry(ctx context.Context, d Deposit) (*Deposit, error)
	InsertNegativeLedgerEntry(ctx context.Context, masterAccountID string, points int64, generationID string) error

	// Generations
	CreateGeneration(ctx context.Context, g *GenerationRecord) error
	UpdateGeneration(ctx context.Context, id string, patch func(*GenerationRecord) error) (*GenerationRecord, error)
	FindGenerationByID(ctx context.Context, id string) (*GenerationRecord, error)
	FindGenerationByRunID(ctx context.Context, runID string) (*GenerationRecord, error)
	FindGenerations(ctx context.Context, filter GenerationFilter) ([]GenerationRecord, error)

	// Cooks
	CreateCook(ctx context.Context, c *Cook) error
	UpdateCook(ctx context.Context, id string, patch func(*Cook) error) (*Cook, error)
	FindCookByID(ctx context.Context, id string) (*Cook, error)
	FindCooksByStatus(ctx context.Context, status CookStatus) ([]Cook, error)

	// Spells
	CreateSpell(ctx context.Context, s *Spell) error
	FindSpellBySlug(ctx context.Context, slug string) (*Spell, error)
	ListSpells(ctx context.Context, visibility SpellVisibility) ([]Spell, error)
	CreateSpellCast(ctx context.Context, c *SpellCast) error
	UpdateSpellCast(ctx context.Context, castID string, patch func(*SpellCast) error) (*SpellCast, error)
	FindSpellCastByID(ctx context.Context, castID string) (*SpellCast, error)

	// LoRAs
	SearchLoRAs(ctx context.Context, checkpoint BaseModel, q, filterType string, limit int) ([]LoRA, error)
	FindLoRABySlug(ctx context.Context, slug string) (*LoRA, error)
	GrantLoRAPermission(ctx context.Context, masterAccountID, slug string) error
	HasLoRAPermission(ctx context.Context, masterAccountID, slug string) (bool, error)

	// API keys
	CreateAPIKey(ctx context.Context, k *APIKey) error
	FindAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error)

	// Tools (catalog boot hydration)
	ListTools(ctx context.Context) ([]Tool, error)

	// WithTransaction runs fn inside a single DB transaction; multi-document
	// mutations that must commit or roll back together (ledger debit across
	// deposits, cook piece append + count + cost increment) use this.
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
