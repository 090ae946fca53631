// Package storetest provides an in-memory store.Store implementation for
// unit tests across packages that depend on the persistence contract
// (lifecycle, scheduler, walletlink, gateway) without a database.
package storetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/noema/forge/internal/apperr"
	"github.com/noema/forge/internal/store"
)

type Fake struct {
	mu sync.Mutex

	Users        map[string]*store.User
	Deposits     map[string]*store.Deposit
	Generations  map[string]*store.GenerationRecord
	Cooks        map[string]*store.Cook
	Spells       map[string]*store.Spell
	SpellCasts   map[string]*store.SpellCast
	LoRAs        map[string]*store.LoRA
	LoRAGrants   map[string]bool
	APIKeys      map[string]*store.APIKey
	Tools        []store.Tool
	Wallets      map[string][]store.WalletAddress
}

func New() *Fake {
	return &Fake{
		Users:       make(map[string]*store.User),
		Deposits:    make(map[string]*store.Deposit),
		Generations: make(map[string]*store.GenerationRecord),
		Cooks:       make(map[string]*store.Cook),
		Spells:      make(map[string]*store.Spell),
		SpellCasts:  make(map[string]*store.SpellCast),
		LoRAs:       make(map[string]*store.LoRA),
		LoRAGrants:  make(map[string]bool),
		APIKeys:     make(map[string]*store.APIKey),
		Wallets:     make(map[string][]store.WalletAddress),
	}
}

func (f *Fake) FindOrCreateByPlatform(ctx context.Context, platform, platformID string, hints store.UserHints) (*store.User, bool, error) {
	return nil, false, apperr.New(apperr.KindInternal, "not implemented in fake")
}

func (f *Fake) FindUserByID(ctx context.Context, masterAccountID string) (*store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.Users[masterAccountID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "user not found")
	}
	return u, nil
}

func (f *Fake) FindUserByPlatform(ctx context.Context, platform, platformID string) (*store.User, error) {
	return nil, apperr.New(apperr.KindNotFound, "user not found")
}

func (f *Fake) UpdateUserTier(ctx context.Context, masterAccountID string, tier store.UserTier) error {
	return nil
}

func (f *Fake) ListWallets(ctx context.Context, masterAccountID string) ([]store.WalletAddress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Wallets[masterAccountID], nil
}

func (f *Fake) AddWallet(ctx context.Context, masterAccountID, address string, primary bool) (*store.WalletAddress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := store.WalletAddress{ID: fmt.Sprintf("wallet-%d", len(f.Wallets[masterAccountID])+1), Address: address, Primary: primary}
	f.Wallets[masterAccountID] = append(f.Wallets[masterAccountID], w)
	return &w, nil
}

func (f *Fake) UpdateWallet(ctx context.Context, masterAccountID, walletID string, primary bool) error {
	return nil
}

func (f *Fake) DeleteWallet(ctx context.Context, masterAccountID, walletID string) error {
	return nil
}

func (f *Fake) RecordDepositIfNew(ctx context.Context, depositTxHash string, d store.Deposit) (*store.Deposit, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.Deposits[depositTxHash]; ok {
		return existing, false, nil
	}
	cp := d
	f.Deposits[depositTxHash] = &cp
	return &cp, true, nil
}

func (f *Fake) FindActiveDepositsForUser(ctx context.Context, masterAccountID string) ([]store.Deposit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Deposit
	for _, d := range f.Deposits {
		if d.MasterAccountID == masterAccountID && d.PointsRemaining > 0 {
			out = append(out, *d)
		}
	}
	return out, nil
}

func (f *Fake) FindActiveDepositsForWallet(ctx context.Context, address string) ([]store.Deposit, error) {
	return nil, nil
}

func (f *Fake) DeductPointsFromDeposit(ctx context.Context, depositID string, amount int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.Deposits[depositID]
	if !ok {
		return 0, apperr.New(apperr.KindNotFound, "deposit not found")
	}
	if d.PointsRemaining < amount {
		return 0, nil
	}
	d.PointsRemaining -= amount
	return amount, nil
}

func (f *Fake) SumPointsRemaining(ctx context.Context, filter store.DepositFilter) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var sum int64
	for _, d := range f.Deposits {
		if filter.MasterAccountID != "" && d.MasterAccountID != filter.MasterAccountID {
			continue
		}
		sum += d.PointsRemaining
	}
	return sum, nil
}

func (f *Fake) InsertRewardEntry(ctx context.Context, d store.Deposit) (*store.Deposit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := d
	f.Deposits[fmt.Sprintf("reward-%d", len(f.Deposits)+1)] = &cp
	return &cp, nil
}

func (f *Fake) InsertNegativeLedgerEntry(ctx context.Context, masterAccountID string, points int64, generationID string) error {
	return nil
}

func (f *Fake) CreateGeneration(ctx context.Context, g *store.GenerationRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Generations[g.ID] = g
	return nil
}

func (f *Fake) UpdateGeneration(ctx context.Context, id string, patch func(*store.GenerationRecord) error) (*store.GenerationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.Generations[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "generation not found")
	}
	if err := patch(g); err != nil {
		return nil, err
	}
	return g, nil
}

func (f *Fake) FindGenerationByID(ctx context.Context, id string) (*store.GenerationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.Generations[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "generation not found")
	}
	return g, nil
}

func (f *Fake) FindGenerationByRunID(ctx context.Context, runID string) (*store.GenerationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, g := range f.Generations {
		if g.Metadata.RunID == runID {
			return g, nil
		}
	}
	return nil, apperr.New(apperr.KindNotFound, "generation not found")
}

func (f *Fake) FindGenerations(ctx context.Context, filter store.GenerationFilter) ([]store.GenerationRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.GenerationRecord
	for _, g := range f.Generations {
		if filter.MasterAccountID != "" && g.MasterAccountID != filter.MasterAccountID {
			continue
		}
		if filter.CookExecutionID != "" && g.Metadata.CookExecutionID != filter.CookExecutionID {
			continue
		}
		out = append(out, *g)
	}
	return out, nil
}

func (f *Fake) CreateCook(ctx context.Context, c *store.Cook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = fmt.Sprintf("cook-%d", len(f.Cooks)+1)
	}
	f.Cooks[c.ID] = c
	return nil
}

func (f *Fake) UpdateCook(ctx context.Context, id string, patch func(*store.Cook) error) (*store.Cook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Cooks[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "cook not found")
	}
	if err := patch(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (f *Fake) FindCookByID(ctx context.Context, id string) (*store.Cook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.Cooks[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "cook not found")
	}
	return c, nil
}

func (f *Fake) FindCooksByStatus(ctx context.Context, status store.CookStatus) ([]store.Cook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Cook
	for _, c := range f.Cooks {
		if c.Status == status {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *Fake) CreateSpell(ctx context.Context, s *store.Spell) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Spells[s.Slug] = s
	return nil
}

func (f *Fake) FindSpellBySlug(ctx context.Context, slug string) (*store.Spell, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.Spells[slug]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "spell not found")
	}
	return s, nil
}

func (f *Fake) ListSpells(ctx context.Context, visibility store.SpellVisibility) ([]store.Spell, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Spell
	for _, s := range f.Spells {
		if s.Visibility == visibility {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *Fake) CreateSpellCast(ctx context.Context, c *store.SpellCast) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.SpellCasts[c.CastID] = c
	return nil
}

func (f *Fake) UpdateSpellCast(ctx context.Context, castID string, patch func(*store.SpellCast) error) (*store.SpellCast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.SpellCasts[castID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "spell cast not found")
	}
	if err := patch(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (f *Fake) FindSpellCastByID(ctx context.Context, castID string) (*store.SpellCast, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.SpellCasts[castID]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "spell cast not found")
	}
	return c, nil
}

func (f *Fake) SearchLoRAs(ctx context.Context, checkpoint store.BaseModel, q, filterType string, limit int) ([]store.LoRA, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.LoRA
	for _, l := range f.LoRAs {
		if checkpoint != "" && l.Checkpoint != checkpoint {
			continue
		}
		out = append(out, *l)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *Fake) FindLoRABySlug(ctx context.Context, slug string) (*store.LoRA, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.LoRAs[slug]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "lora not found")
	}
	return l, nil
}

func (f *Fake) GrantLoRAPermission(ctx context.Context, masterAccountID, slug string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LoRAGrants[masterAccountID+":"+slug] = true
	return nil
}

func (f *Fake) HasLoRAPermission(ctx context.Context, masterAccountID, slug string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.LoRAGrants[masterAccountID+":"+slug], nil
}

func (f *Fake) CreateAPIKey(ctx context.Context, k *store.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.APIKeys[k.KeyPrefix] = k
	return nil
}

func (f *Fake) FindAPIKeyByPrefix(ctx context.Context, prefix string) (*store.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	k, ok := f.APIKeys[prefix]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "api key not found")
	}
	return k, nil
}

func (f *Fake) ListTools(ctx context.Context) ([]store.Tool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Tools, nil
}

func (f *Fake) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

var _ store.Store = (*Fake)(nil)
