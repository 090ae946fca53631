// Package ledger implements the FIFO deposit-based credit ledger: atomic
// debit across multiple deposits ordered by funding-rate ascending,
// idempotent deposit recording, and reward grants drawn from the same FIFO
// stream.
//
// Two synchronized layers, mirroring the teacher's financial-engine split:
//
// 1. Postgres (via internal/store) is always the source of truth. spend()
//    always executes against it inside a transaction.
// 2. Redis holds a best-effort cached sum of pointsRemaining per user for a
//    fast quote() short-circuit. The cache can only produce a false
//    "not-enough" (re-verified against Postgres before rejecting), never
//    a wrong rejection — consistency guarantee: Redis can be stale but only
//    in the safe direction.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noema/forge/internal/apperr"
	"github.com/noema/forge/internal/store"
)

// Ledger owns every balance-mutating operation exposed to the Lifecycle
// Engine. All methods are safe for concurrent use.
type Ledger struct {
	store    store.Store
	redis    *redis.Client
	log      zerolog.Logger
	cacheTTL time.Duration

	ms2TokenAddress string
}

func New(st store.Store, redisAddr, redisPassword string, redisDB int, cacheTTL time.Duration, ms2TokenAddress string, logger zerolog.Logger) (*Ledger, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         redisAddr,
		Password:     redisPassword,
		DB:           redisDB,
		DialTimeout:  50 * time.Millisecond,
		ReadTimeout:  100 * time.Millisecond,
		WriteTimeout: 100 * time.Millisecond,
		PoolSize:     50,
		MinIdleConns: 10,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ledger: redis ping failed: %w", err)
	}

	return &Ledger{
		store:           st,
		redis:           rdb,
		log:             logger,
		cacheTTL:        cacheTTL,
		ms2TokenAddress: ms2TokenAddress,
	}, nil
}

func balanceCacheKey(masterAccountID string) string {
	return "forge:ledger:balance:" + masterAccountID
}

// Deduction is one line of a completed spend(), matching §4.C's
// spend() return shape.
type Deduction struct {
	DepositID      string
	PointsDeducted int64
	FundingRate    float64
	TokenAddress   string
}

// Quote is a non-mutating feasibility check: do active deposits (user-owned,
// falling back to wallet-owned only when the user-set is empty per §4.C)
// sum to at least pointsToSpend.
func (l *Ledger) Quote(ctx context.Context, masterAccountID string, walletAddresses []string, pointsToSpend int64) (bool, error) {
	if cached, ok := l.readCachedSum(ctx, masterAccountID); ok && cached < pointsToSpend {
		// Cache says not enough — this can only be a false negative in the
		// unsafe direction (cache under-reports a real top-up), so we still
		// fall through to Postgres instead of trusting a rejection here.
		l.log.Debug().Str("master_account_id", masterAccountID).Msg("ledger: cache suggests insufficient, re-verifying against postgres")
	} else if ok && cached >= pointsToSpend {
		return true, nil
	}

	sum, err := l.sumActive(ctx, masterAccountID, walletAddresses)
	if err != nil {
		return false, err
	}
	l.writeCachedSum(ctx, masterAccountID, sum)
	return sum >= pointsToSpend, nil
}

// Balance reports a user's current spendable points, the same sum Quote
// checks against, for the /points status endpoint.
func (l *Ledger) Balance(ctx context.Context, masterAccountID string, walletAddresses []string) (int64, error) {
	return l.sumActive(ctx, masterAccountID, walletAddresses)
}

func (l *Ledger) sumActive(ctx context.Context, masterAccountID string, walletAddresses []string) (int64, error) {
	deposits, err := l.candidateDeposits(ctx, masterAccountID, walletAddresses)
	if err != nil {
		return 0, err
	}
	var sum int64
	for _, d := range deposits {
		sum += d.PointsRemaining
	}
	return sum, nil
}

// candidateDeposits loads user-owned active deposits; wallet-owned deposits
// are only consulted when the user-owned set is empty, per §4.C step 1
// (back-compat for users credited before wallet linking).
func (l *Ledger) candidateDeposits(ctx context.Context, masterAccountID string, walletAddresses []string) ([]store.Deposit, error) {
	deposits, err := l.store.FindActiveDepositsForUser(ctx, masterAccountID)
	if err != nil {
		return nil, err
	}
	if len(deposits) > 0 {
		return deposits, nil
	}
	for _, addr := range walletAddresses {
		walletDeposits, err := l.store.FindActiveDepositsForWallet(ctx, addr)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, walletDeposits...)
	}
	return deposits, nil
}

// Spend performs the atomic FIFO debit described in §4.C. All-or-nothing:
// either the full pointsToSpend amount is deducted and committed, or the
// transaction is rolled back and INSUFFICIENT_FUNDS is returned.
func (l *Ledger) Spend(ctx context.Context, masterAccountID string, walletAddresses []string, pointsToSpend int64) ([]Deduction, error) {
	var deductions []Deduction

	err := l.store.WithTransaction(ctx, func(ctx context.Context) error {
		deposits, err := l.candidateDeposits(ctx, masterAccountID, walletAddresses)
		if err != nil {
			return err
		}

		sort.SliceStable(deposits, func(i, j int) bool {
			if deposits[i].FundingRateApplied != deposits[j].FundingRateApplied {
				return deposits[i].FundingRateApplied < deposits[j].FundingRateApplied
			}
			return deposits[i].CreatedAt.Before(deposits[j].CreatedAt)
		})

		remainingNeed := pointsToSpend
		deductions = nil

		for _, d := range deposits {
			if remainingNeed <= 0 {
				break
			}
			want := remainingNeed
			if d.PointsRemaining < want {
				want = d.PointsRemaining
			}
			if want <= 0 {
				continue
			}

			deducted, err := l.store.DeductPointsFromDeposit(ctx, d.ID, want)
			if err != nil {
				return err
			}
			if deducted == 0 {
				// Concurrent writer won the race — reload and retry once.
				reloaded, err := l.reloadSingle(ctx, d.ID, masterAccountID, walletAddresses)
				if err != nil {
					return err
				}
				if reloaded == nil || reloaded.PointsRemaining <= 0 {
					continue
				}
				retryWant := remainingNeed
				if reloaded.PointsRemaining < retryWant {
					retryWant = reloaded.PointsRemaining
				}
				deducted, err = l.store.DeductPointsFromDeposit(ctx, d.ID, retryWant)
				if err != nil {
					return err
				}
				if deducted == 0 {
					continue
				}
			}

			remainingNeed -= deducted
			deductions = append(deductions, Deduction{
				DepositID:      d.ID,
				PointsDeducted: deducted,
				FundingRate:    d.FundingRateApplied,
				TokenAddress:   d.TokenAddress,
			})
		}

		if remainingNeed > 0 {
			return apperr.New(apperr.KindInsufficientFunds, "insufficient points remaining")
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	l.invalidateCache(ctx, masterAccountID)
	return deductions, nil
}

func (l *Ledger) reloadSingle(ctx context.Context, depositID, masterAccountID string, walletAddresses []string) (*store.Deposit, error) {
	deposits, err := l.candidateDeposits(ctx, masterAccountID, walletAddresses)
	if err != nil {
		return nil, err
	}
	for _, d := range deposits {
		if d.ID == depositID {
			return &d, nil
		}
	}
	return nil, nil
}

// RecordDeposit is idempotent by txHash: concurrent callers observe a single
// insert. Status defaults to PENDING when the caller leaves it empty; the
// ledger has no path that later moves a deposit to CONFIRMED.
func (l *Ledger) RecordDeposit(ctx context.Context, txHash string, d store.Deposit) (*store.Deposit, bool, error) {
	if d.Status == "" {
		d.Status = store.DepositPending
	}
	result, isNew, err := l.store.RecordDepositIfNew(ctx, txHash, d)
	if err != nil {
		return nil, false, err
	}
	if isNew && result.MasterAccountID != "" {
		l.invalidateCache(ctx, result.MasterAccountID)
	}
	return result, isNew, nil
}

// ConfirmDeposit drops the cached balance for masterAccountID so the next
// quote re-reads Postgres. It does not change any deposit's status: the
// Store has no method that updates a deposit's status.
func (l *Ledger) ConfirmDeposit(ctx context.Context, masterAccountID string) {
	l.invalidateCache(ctx, masterAccountID)
}

// CreditReward inserts a reward-type entry, drawn from the same FIFO stream
// as a real deposit.
func (l *Ledger) CreditReward(ctx context.Context, masterAccountID string, points int64, description, rewardType string) (*store.Deposit, error) {
	d := store.Deposit{
		MasterAccountID:   masterAccountID,
		PointsCredited:    points,
		PointsRemaining:   points,
		Status:            store.DepositConfirmed,
		RewardType:        &rewardType,
		RewardDescription: description,
	}
	result, err := l.store.InsertRewardEntry(ctx, d)
	if err != nil {
		return nil, err
	}
	l.invalidateCache(ctx, masterAccountID)
	return result, nil
}

// RecordUnrecoveredDebt is used when cost settlement fails with
// INSUFFICIENT_FUNDS after the pre-flight quote already passed (a race
// between two concurrent jobs). The generation still completes; the debt is
// recorded for off-line reconciliation per §4.F.
func (l *Ledger) RecordUnrecoveredDebt(ctx context.Context, masterAccountID string, points int64, generationID string) error {
	return l.store.InsertNegativeLedgerEntry(ctx, masterAccountID, points, generationID)
}

// DetermineTier implements §4.B's MS2-tier rule: ms2 iff the user holds at
// least one CONFIRMED deposit whose tokenAddress matches the configured MS2
// token address, case-insensitively.
func (l *Ledger) DetermineTier(ctx context.Context, masterAccountID string) (store.UserTier, error) {
	if l.ms2TokenAddress == "" {
		return store.TierStandard, nil
	}
	deposits, err := l.store.FindActiveDepositsForUser(ctx, masterAccountID)
	if err != nil {
		return store.TierStandard, err
	}
	target := normalizeAddress(l.ms2TokenAddress)
	for _, d := range deposits {
		if normalizeAddress(d.TokenAddress) == target {
			return store.TierMS2, nil
		}
	}
	return store.TierStandard, nil
}

func normalizeAddress(addr string) string {
	out := make([]byte, len(addr))
	for i := 0; i < len(addr); i++ {
		c := addr[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

func (l *Ledger) readCachedSum(ctx context.Context, masterAccountID string) (int64, bool) {
	val, err := l.redis.Get(ctx, balanceCacheKey(masterAccountID)).Int64()
	if err != nil {
		return 0, false
	}
	return val, true
}

func (l *Ledger) writeCachedSum(ctx context.Context, masterAccountID string, sum int64) {
	if err := l.redis.Set(ctx, balanceCacheKey(masterAccountID), sum, l.cacheTTL).Err(); err != nil {
		l.log.Debug().Err(err).Msg("ledger: failed to write balance cache, continuing uncached")
	}
}

func (l *Ledger) invalidateCache(ctx context.Context, masterAccountID string) {
	if err := l.redis.Del(ctx, balanceCacheKey(masterAccountID)).Err(); err != nil {
		l.log.Debug().Err(err).Msg("ledger: failed to invalidate balance cache")
	}
}

func (l *Ledger) Close() error {
	return l.redis.Close()
}
