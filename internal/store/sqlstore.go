package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/noema/forge/internal/apperr"
)

// SQLStore is the transactional implementation of Store, backed by
// database/sql over lib/pq. Every multi-row mutation that must commit or
// roll back together (ledger debit across deposits, cook piece append +
// count + cost increment, generation terminal updates) goes through
// WithTransaction.
type SQLStore struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSQLStore opens a connection pool against postgresDSN. Pool sizing
// mirrors the teacher/Kelpejol convention of a modestly bounded pool rather
// than the driver default of unlimited connections.
func NewSQLStore(postgresDSN string, log zerolog.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", postgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &SQLStore{db: db, log: log}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// txKey threads the active *sql.Tx through context so nested calls inside
// WithTransaction reuse it instead of opening a second connection.
type txKeyType struct{}

var txKey = txKeyType{}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLStore) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func (s *SQLStore) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey).(*sql.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return apperr.Wrap(apperr.KindInternal, "commit transaction", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return err == sql.ErrNoRows
}

// ---- Users ----

func (s *SQLStore) FindOrCreateByPlatform(ctx context.Context, platform, platformID string, hints UserHints) (*User, bool, error) {
	var created bool
	var user *User

	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		var masterAccountID string
		err := q.QueryRowContext(ctx, `
			SELECT master_account_id FROM platform_identities
			WHERE platform = $1 AND platform_id = $2
		`, platform, platformID).Scan(&masterAccountID)

		if err == nil {
			u, ferr := s.findUserByIDLocked(ctx, masterAccountID)
			if ferr != nil {
				return ferr
			}
			user = u
			return nil
		}
		if !isNoRows(err) {
			return apperr.Wrap(apperr.KindInternal, "lookup platform identity", err)
		}

		masterAccountID = strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
		now := time.Now().UTC()
		if _, err := q.ExecContext(ctx, `
			INSERT INTO users (master_account_id, display_name, tier, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
		`, masterAccountID, hints.DisplayName, TierStandard, "active", now); err != nil {
			return apperr.Wrap(apperr.KindInternal, "insert user", err)
		}
		if _, err := q.ExecContext(ctx, `
			INSERT INTO platform_identities (master_account_id, platform, platform_id)
			VALUES ($1, $2, $3)
		`, masterAccountID, platform, platformID); err != nil {
			return apperr.Wrap(apperr.KindInternal, "insert platform identity", err)
		}

		created = true
		user = &User{
			MasterAccountID: masterAccountID,
			DisplayName:     hints.DisplayName,
			Identities:      []PlatformIdentity{{Platform: platform, PlatformID: platformID}},
			Tier:            TierStandard,
			Status:          "active",
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return user, created, nil
}

func (s *SQLStore) findUserByIDLocked(ctx context.Context, masterAccountID string) (*User, error) {
	q := s.q(ctx)
	var u User
	err := q.QueryRowContext(ctx, `
		SELECT master_account_id, display_name, tier, status, created_at, updated_at
		FROM users WHERE master_account_id = $1
	`, masterAccountID).Scan(&u.MasterAccountID, &u.DisplayName, &u.Tier, &u.Status, &u.CreatedAt, &u.UpdatedAt)
	if isNoRows(err) {
		return nil, apperr.New(apperr.KindNotFound, "user not found: "+masterAccountID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find user", err)
	}

	rows, err := q.QueryContext(ctx, `SELECT platform, platform_id FROM platform_identities WHERE master_account_id = $1`, masterAccountID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "load identities", err)
	}
	defer rows.Close()
	for rows.Next() {
		var pi PlatformIdentity
		if err := rows.Scan(&pi.Platform, &pi.PlatformID); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan identity", err)
		}
		u.Identities = append(u.Identities, pi)
	}

	wallets, err := s.listWalletsLocked(ctx, masterAccountID)
	if err != nil {
		return nil, err
	}
	u.Wallets = wallets
	return &u, nil
}

func (s *SQLStore) FindUserByID(ctx context.Context, masterAccountID string) (*User, error) {
	return s.findUserByIDLocked(ctx, masterAccountID)
}

func (s *SQLStore) FindUserByPlatform(ctx context.Context, platform, platformID string) (*User, error) {
	var masterAccountID string
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT master_account_id FROM platform_identities WHERE platform = $1 AND platform_id = $2
	`, platform, platformID).Scan(&masterAccountID)
	if isNoRows(err) {
		return nil, apperr.New(apperr.KindNotFound, "user not found for platform identity")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "lookup platform identity", err)
	}
	return s.findUserByIDLocked(ctx, masterAccountID)
}

func (s *SQLStore) UpdateUserTier(ctx context.Context, masterAccountID string, tier UserTier) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE users SET tier = $1, updated_at = now() WHERE master_account_id = $2
	`, tier, masterAccountID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "update user tier", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "user not found: "+masterAccountID)
	}
	return nil
}

// ---- Wallets ----

func (s *SQLStore) listWalletsLocked(ctx context.Context, masterAccountID string) ([]WalletAddress, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, address, is_primary, created_at FROM wallet_addresses WHERE master_account_id = $1 ORDER BY created_at
	`, masterAccountID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list wallets", err)
	}
	defer rows.Close()
	var out []WalletAddress
	for rows.Next() {
		var w WalletAddress
		if err := rows.Scan(&w.ID, &w.Address, &w.Primary, &w.CreatedAt); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan wallet", err)
		}
		out = append(out, w)
	}
	return out, nil
}

func (s *SQLStore) ListWallets(ctx context.Context, masterAccountID string) ([]WalletAddress, error) {
	return s.listWalletsLocked(ctx, masterAccountID)
}

func (s *SQLStore) AddWallet(ctx context.Context, masterAccountID, address string, primary bool) (*WalletAddress, error) {
	var w WalletAddress
	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		if primary {
			if _, err := q.ExecContext(ctx, `UPDATE wallet_addresses SET is_primary = false WHERE master_account_id = $1`, masterAccountID); err != nil {
				return apperr.Wrap(apperr.KindInternal, "clear primary wallet", err)
			}
		}
		w = WalletAddress{ID: uuid.NewString(), Address: address, Primary: primary, CreatedAt: time.Now().UTC()}
		_, err := q.ExecContext(ctx, `
			INSERT INTO wallet_addresses (id, master_account_id, address, is_primary, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, w.ID, masterAccountID, address, primary, w.CreatedAt)
		if err != nil {
			return apperr.Wrap(apperr.KindConflict, "insert wallet", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *SQLStore) UpdateWallet(ctx context.Context, masterAccountID, walletID string, primary bool) error {
	return s.WithTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		if primary {
			if _, err := q.ExecContext(ctx, `UPDATE wallet_addresses SET is_primary = false WHERE master_account_id = $1`, masterAccountID); err != nil {
				return apperr.Wrap(apperr.KindInternal, "clear primary wallet", err)
			}
		}
		res, err := q.ExecContext(ctx, `
			UPDATE wallet_addresses SET is_primary = $1 WHERE id = $2 AND master_account_id = $3
		`, primary, walletID, masterAccountID)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "update wallet", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperr.New(apperr.KindNotFound, "wallet not found: "+walletID)
		}
		return nil
	})
}

func (s *SQLStore) DeleteWallet(ctx context.Context, masterAccountID, walletID string) error {
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM wallet_addresses WHERE id = $1 AND master_account_id = $2`, walletID, masterAccountID)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "delete wallet", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.New(apperr.KindNotFound, "wallet not found: "+walletID)
	}
	return nil
}

// ---- Ledger ----

func scanDeposit(row interface {
	Scan(dest ...interface{}) error
}) (*Deposit, error) {
	var d Deposit
	var masterAccountID, depositorAddress, txHash, rewardType sql.NullString
	err := row.Scan(
		&d.ID, &masterAccountID, &depositorAddress, &d.TokenAddress,
		&d.USDValue, &d.PointsCredited, &d.PointsRemaining, &d.FundingRateApplied,
		&d.Status, &txHash, &rewardType, &d.RewardDescription, &d.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.MasterAccountID = masterAccountID.String
	d.DepositorAddress = depositorAddress.String
	d.DepositTxHash = txHash.String
	if rewardType.Valid {
		v := rewardType.String
		d.RewardType = &v
	}
	return &d, nil
}

const depositColumns = `id, master_account_id, depositor_address, token_address,
	usd_value_micros, points_credited, points_remaining, funding_rate_applied,
	status, deposit_tx_hash, reward_type, reward_description, created_at`

func (s *SQLStore) RecordDepositIfNew(ctx context.Context, depositTxHash string, d Deposit) (*Deposit, bool, error) {
	var result *Deposit
	var isNew bool

	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		row := q.QueryRowContext(ctx, `SELECT `+depositColumns+` FROM credit_ledger WHERE deposit_tx_hash = $1`, depositTxHash)
		existing, err := scanDeposit(row)
		if err == nil {
			result = existing
			return nil
		}
		if !isNoRows(err) {
			return apperr.Wrap(apperr.KindInternal, "lookup deposit by tx hash", err)
		}

		d.ID = uuid.NewString()
		d.DepositTxHash = depositTxHash
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now().UTC()
		}
		if d.PointsRemaining == 0 {
			d.PointsRemaining = d.PointsCredited
		}

		var masterAccountID, depositorAddress sql.NullString
		if d.MasterAccountID != "" {
			masterAccountID = sql.NullString{String: d.MasterAccountID, Valid: true}
		}
		if d.DepositorAddress != "" {
			depositorAddress = sql.NullString{String: d.DepositorAddress, Valid: true}
		}

		_, err = q.ExecContext(ctx, `
			INSERT INTO credit_ledger (id, master_account_id, depositor_address, token_address,
				usd_value_micros, points_credited, points_remaining, funding_rate_applied,
				status, deposit_tx_hash, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (deposit_tx_hash) WHERE deposit_tx_hash IS NOT NULL DO NOTHING
		`, d.ID, masterAccountID, depositorAddress, d.TokenAddress,
			d.USDValue, d.PointsCredited, d.PointsRemaining, d.FundingRateApplied,
			d.Status, d.DepositTxHash, d.CreatedAt)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "insert deposit", err)
		}

		row = q.QueryRowContext(ctx, `SELECT `+depositColumns+` FROM credit_ledger WHERE deposit_tx_hash = $1`, depositTxHash)
		final, err := scanDeposit(row)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "reload deposit after insert", err)
		}
		isNew = final.ID == d.ID
		result = final
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, isNew, nil
}

func (s *SQLStore) findActiveDeposits(ctx context.Context, column, value string) ([]Deposit, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT `+depositColumns+` FROM credit_ledger
		WHERE `+column+` = $1 AND status = $2 AND points_remaining > 0
		ORDER BY funding_rate_applied ASC, created_at ASC
	`, value, DepositConfirmed)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find active deposits", err)
	}
	defer rows.Close()
	var out []Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan deposit", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *SQLStore) FindActiveDepositsForUser(ctx context.Context, masterAccountID string) ([]Deposit, error) {
	return s.findActiveDeposits(ctx, "master_account_id", masterAccountID)
}

func (s *SQLStore) FindActiveDepositsForWallet(ctx context.Context, address string) ([]Deposit, error) {
	return s.findActiveDeposits(ctx, "depositor_address", address)
}

// DeductPointsFromDeposit is the atomic conditional update spend() relies
// on: it only decrements if enough remains, and flips to EXHAUSTED when the
// result hits zero. Returns the amount actually deducted (0 if the
// condition failed, letting the caller retry/move on per §4.C step 4).
func (s *SQLStore) DeductPointsFromDeposit(ctx context.Context, depositID string, amount int64) (int64, error) {
	var newRemaining int64
	err := s.q(ctx).QueryRowContext(ctx, `
		UPDATE credit_ledger
		SET points_remaining = points_remaining - $1,
		    status = CASE WHEN points_remaining - $1 = 0 THEN 'EXHAUSTED' ELSE status END
		WHERE id = $2 AND points_remaining >= $1
		RETURNING points_remaining
	`, amount, depositID).Scan(&newRemaining)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "deduct points from deposit", err)
	}
	return amount, nil
}

func (s *SQLStore) SumPointsRemaining(ctx context.Context, filter DepositFilter) (int64, error) {
	var sum sql.NullInt64
	var err error
	if filter.MasterAccountID != "" {
		err = s.q(ctx).QueryRowContext(ctx, `
			SELECT SUM(points_remaining) FROM credit_ledger WHERE master_account_id = $1 AND status = $2
		`, filter.MasterAccountID, DepositConfirmed).Scan(&sum)
	} else {
		err = s.q(ctx).QueryRowContext(ctx, `
			SELECT SUM(points_remaining) FROM credit_ledger WHERE depositor_address = $1 AND status = $2
		`, filter.DepositorAddress, DepositConfirmed).Scan(&sum)
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, "sum points remaining", err)
	}
	return sum.Int64, nil
}

func (s *SQLStore) InsertRewardEntry(ctx context.Context, d Deposit) (*Deposit, error) {
	d.ID = uuid.NewString()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.PointsRemaining == 0 {
		d.PointsRemaining = d.PointsCredited
	}
	if d.Status == "" {
		d.Status = DepositConfirmed
	}
	var rewardType sql.NullString
	if d.RewardType != nil {
		rewardType = sql.NullString{String: *d.RewardType, Valid: true}
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO credit_ledger (id, master_account_id, token_address, usd_value_micros,
			points_credited, points_remaining, funding_rate_applied, status, reward_type,
			reward_description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, d.ID, d.MasterAccountID, d.TokenAddress, d.USDValue, d.PointsCredited, d.PointsRemaining,
		d.FundingRateApplied, d.Status, rewardType, d.RewardDescription, d.CreatedAt)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "insert reward entry", err)
	}
	return &d, nil
}

func (s *SQLStore) InsertNegativeLedgerEntry(ctx context.Context, masterAccountID string, points int64, generationID string) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO negative_ledger_entries (id, master_account_id, points, generation_id, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, uuid.NewString(), masterAccountID, points, generationID, time.Now().UTC())
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "insert negative ledger entry", err)
	}
	return nil
}

// ---- Generations ----

func scanGeneration(row interface {
	Scan(dest ...interface{}) error
}) (*GenerationRecord, error) {
	var g GenerationRecord
	var requestPayload, metadata, resultPayload []byte
	var responseTimestamp sql.NullTime
	var durationMs sql.NullInt64
	var errorCode, errorMessage, liveStatus sql.NullString

	err := row.Scan(
		&g.ID, &g.MasterAccountID, &g.ServiceName, &g.ToolID, &g.ToolDisplayName,
		&requestPayload, &g.Status, &g.DeliveryStatus, &g.NotificationPlatform,
		&g.RequestTimestamp, &responseTimestamp, &durationMs,
		&g.CostUsd, &g.PointsSpent, &metadata, &resultPayload,
		&errorCode, &errorMessage, &g.RetryCount, &g.Progress, &liveStatus,
	)
	if err != nil {
		return nil, err
	}
	if len(requestPayload) > 0 {
		_ = json.Unmarshal(requestPayload, &g.RequestPayload)
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &g.Metadata)
	}
	if len(resultPayload) > 0 {
		_ = json.Unmarshal(resultPayload, &g.ResultPayload)
	}
	if responseTimestamp.Valid {
		g.ResponseTimestamp = &responseTimestamp.Time
	}
	if durationMs.Valid {
		g.DurationMs = durationMs.Int64
	}
	if errorCode.Valid {
		g.Error = &GenerationError{Code: errorCode.String, Message: errorMessage.String}
	}
	if liveStatus.Valid {
		g.LiveStatus = liveStatus.String
	}
	return &g, nil
}

const generationColumns = `id, master_account_id, service_name, tool_id, tool_display_name,
	request_payload, status, delivery_status, notification_platform,
	request_timestamp, response_timestamp, duration_ms,
	cost_usd_micros, points_spent, metadata, result_payload,
	error_code, error_message, retry_count, progress, live_status`

func (s *SQLStore) CreateGeneration(ctx context.Context, g *GenerationRecord) error {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	if g.RequestTimestamp.IsZero() {
		g.RequestTimestamp = time.Now().UTC()
	}
	requestPayload, _ := json.Marshal(g.RequestPayload)
	metadata, _ := json.Marshal(g.Metadata)

	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO generation_outputs (id, master_account_id, service_name, tool_id, tool_display_name,
			request_payload, status, delivery_status, notification_platform, request_timestamp,
			cost_usd_micros, points_spent, metadata, retry_count, progress)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
	`, g.ID, g.MasterAccountID, g.ServiceName, g.ToolID, g.ToolDisplayName,
		requestPayload, g.Status, g.DeliveryStatus, g.NotificationPlatform, g.RequestTimestamp,
		g.CostUsd, g.PointsSpent, metadata, g.RetryCount, g.Progress)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "insert generation", err)
	}
	return nil
}

// UpdateGeneration loads the record, applies patch in memory, and writes it
// back inside the caller's transaction. Callers that need the
// terminal-transition invariants (status monotonicity) enforce them inside
// patch itself since the store layer carries no business rules.
func (s *SQLStore) UpdateGeneration(ctx context.Context, id string, patch func(*GenerationRecord) error) (*GenerationRecord, error) {
	var result *GenerationRecord
	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		row := q.QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generation_outputs WHERE id = $1 FOR UPDATE`, id)
		g, err := scanGeneration(row)
		if isNoRows(err) {
			return apperr.New(apperr.KindNotFound, "generation not found: "+id)
		}
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "load generation for update", err)
		}

		if err := patch(g); err != nil {
			return err
		}

		requestPayload, _ := json.Marshal(g.RequestPayload)
		metadata, _ := json.Marshal(g.Metadata)
		resultPayload, _ := json.Marshal(g.ResultPayload)

		var errorCode, errorMessage sql.NullString
		if g.Error != nil {
			errorCode = sql.NullString{String: g.Error.Code, Valid: true}
			errorMessage = sql.NullString{String: g.Error.Message, Valid: true}
		}

		_, err = q.ExecContext(ctx, `
			UPDATE generation_outputs SET
				status = $1, delivery_status = $2, notification_platform = $3,
				response_timestamp = $4, duration_ms = $5, cost_usd_micros = $6,
				points_spent = $7, metadata = $8, result_payload = $9,
				error_code = $10, error_message = $11, retry_count = $12,
				progress = $13, live_status = $14, request_payload = $15
			WHERE id = $16
		`, g.Status, g.DeliveryStatus, g.NotificationPlatform,
			g.ResponseTimestamp, g.DurationMs, g.CostUsd,
			g.PointsSpent, metadata, resultPayload,
			errorCode, errorMessage, g.RetryCount,
			g.Progress, g.LiveStatus, requestPayload, id)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "update generation", err)
		}
		result = g
		return nil
	})
	return result, err
}

func (s *SQLStore) FindGenerationByID(ctx context.Context, id string) (*GenerationRecord, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+generationColumns+` FROM generation_outputs WHERE id = $1`, id)
	g, err := scanGeneration(row)
	if isNoRows(err) {
		return nil, apperr.New(apperr.KindNotFound, "generation not found: "+id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find generation", err)
	}
	return g, nil
}

func (s *SQLStore) FindGenerationByRunID(ctx context.Context, runID string) (*GenerationRecord, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT `+generationColumns+` FROM generation_outputs WHERE metadata->>'run_id' = $1
	`, runID)
	g, err := scanGeneration(row)
	if isNoRows(err) {
		return nil, apperr.New(apperr.KindNotFound, "generation not found for run_id: "+runID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find generation by run_id", err)
	}
	return g, nil
}

func (s *SQLStore) FindGenerations(ctx context.Context, filter GenerationFilter) ([]GenerationRecord, error) {
	query := `SELECT ` + generationColumns + ` FROM generation_outputs WHERE 1=1`
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.MasterAccountID != "" {
		query += ` AND master_account_id = ` + arg(filter.MasterAccountID)
	}
	if filter.CookExecutionID != "" {
		query += ` AND metadata->>'cookExecutionId' = ` + arg(filter.CookExecutionID)
	}
	if filter.SpellCastID != "" {
		query += ` AND metadata->>'spellCastId' = ` + arg(filter.SpellCastID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		query += ` AND status = ANY(` + arg(pq.Array(statuses)) + `)`
	}
	query += ` ORDER BY request_timestamp DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ` + arg(filter.Limit)
	}

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find generations", err)
	}
	defer rows.Close()
	var out []GenerationRecord
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan generation", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// ---- Cooks ----

func scanCook(row interface {
	Scan(dest ...interface{}) error
}) (*Cook, error) {
	var c Cook
	var config []byte
	var completedAt sql.NullTime

	err := row.Scan(
		&c.ID, &c.Name, &c.MasterAccountID, &c.ToolID, &c.PromptTemplate,
		&config, &c.TargetCount, &c.GeneratedCount, &c.MaxInflight,
		pq.Array(&c.GenerationIDs), pq.Array(&c.AcceptedIDs), pq.Array(&c.RejectedIDs),
		&c.CostUsd, &c.Status, &c.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(config, &c.Config)
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return &c, nil
}

const cookColumns = `id, name, master_account_id, tool_id, prompt_template,
	config, target_count, generated_count, max_inflight,
	generation_ids, accepted_ids, rejected_ids, cost_usd_micros, status,
	created_at, completed_at`

func (s *SQLStore) CreateCook(ctx context.Context, c *Cook) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.MaxInflight == 0 {
		c.MaxInflight = 2
	}
	config, _ := json.Marshal(c.Config)
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO cooks (id, name, master_account_id, tool_id, prompt_template, config,
			target_count, generated_count, max_inflight, generation_ids, accepted_ids, rejected_ids,
			cost_usd_micros, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'{}','{}','{}',$10,$11,$12)
	`, c.ID, c.Name, c.MasterAccountID, c.ToolID, c.PromptTemplate, config,
		c.TargetCount, c.GeneratedCount, c.MaxInflight, c.CostUsd, c.Status, c.CreatedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "insert cook", err)
	}
	return nil
}

func (s *SQLStore) UpdateCook(ctx context.Context, id string, patch func(*Cook) error) (*Cook, error) {
	var result *Cook
	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		row := q.QueryRowContext(ctx, `SELECT `+cookColumns+` FROM cooks WHERE id = $1 FOR UPDATE`, id)
		c, err := scanCook(row)
		if isNoRows(err) {
			return apperr.New(apperr.KindNotFound, "cook not found: "+id)
		}
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "load cook for update", err)
		}
		if err := patch(c); err != nil {
			return err
		}
		config, _ := json.Marshal(c.Config)
		_, err = q.ExecContext(ctx, `
			UPDATE cooks SET name=$1, prompt_template=$2, config=$3, target_count=$4,
				generated_count=$5, max_inflight=$6, generation_ids=$7, accepted_ids=$8,
				rejected_ids=$9, cost_usd_micros=$10, status=$11, completed_at=$12
			WHERE id = $13
		`, c.Name, c.PromptTemplate, config, c.TargetCount, c.GeneratedCount, c.MaxInflight,
			pq.Array(c.GenerationIDs), pq.Array(c.AcceptedIDs), pq.Array(c.RejectedIDs),
			c.CostUsd, c.Status, c.CompletedAt, id)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "update cook", err)
		}
		result = c
		return nil
	})
	return result, err
}

func (s *SQLStore) FindCookByID(ctx context.Context, id string) (*Cook, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+cookColumns+` FROM cooks WHERE id = $1`, id)
	c, err := scanCook(row)
	if isNoRows(err) {
		return nil, apperr.New(apperr.KindNotFound, "cook not found: "+id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find cook", err)
	}
	return c, nil
}

func (s *SQLStore) FindCooksByStatus(ctx context.Context, status CookStatus) ([]Cook, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT `+cookColumns+` FROM cooks WHERE status = $1`, status)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find cooks by status", err)
	}
	defer rows.Close()
	var out []Cook
	for rows.Next() {
		c, err := scanCook(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan cook", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ---- Spells ----

func scanSpell(row interface {
	Scan(dest ...interface{}) error
}) (*Spell, error) {
	var sp Spell
	var steps, connections, exposedInputs []byte
	err := row.Scan(&sp.Slug, &sp.Name, &sp.Visibility, &steps, &connections, &exposedInputs, &sp.Owner, &sp.CreatedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(steps, &sp.Steps)
	_ = json.Unmarshal(connections, &sp.Connections)
	_ = json.Unmarshal(exposedInputs, &sp.ExposedInputs)
	return &sp, nil
}

const spellColumns = `slug, name, visibility, steps, connections, exposed_inputs, owner, created_at`

func (s *SQLStore) CreateSpell(ctx context.Context, sp *Spell) error {
	if sp.CreatedAt.IsZero() {
		sp.CreatedAt = time.Now().UTC()
	}
	steps, _ := json.Marshal(sp.Steps)
	connections, _ := json.Marshal(sp.Connections)
	exposedInputs, _ := json.Marshal(sp.ExposedInputs)
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO spells (slug, name, visibility, steps, connections, exposed_inputs, owner, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, sp.Slug, sp.Name, sp.Visibility, steps, connections, exposedInputs, sp.Owner, sp.CreatedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindConflict, "insert spell", err)
	}
	return nil
}

func (s *SQLStore) FindSpellBySlug(ctx context.Context, slug string) (*Spell, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+spellColumns+` FROM spells WHERE slug = $1`, slug)
	sp, err := scanSpell(row)
	if isNoRows(err) {
		return nil, apperr.New(apperr.KindNotFound, "spell not found: "+slug)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find spell", err)
	}
	return sp, nil
}

func (s *SQLStore) ListSpells(ctx context.Context, visibility SpellVisibility) ([]Spell, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT `+spellColumns+` FROM spells WHERE visibility = $1`, visibility)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list spells", err)
	}
	defer rows.Close()
	var out []Spell
	for rows.Next() {
		sp, err := scanSpell(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan spell", err)
		}
		out = append(out, *sp)
	}
	return out, rows.Err()
}

func scanSpellCast(row interface {
	Scan(dest ...interface{}) error
}) (*SpellCast, error) {
	var c SpellCast
	var context, stepStatuses, aggregatedOutput []byte
	var completedAt sql.NullTime
	err := row.Scan(&c.CastID, &c.Slug, &context, &c.Status, &stepStatuses, &aggregatedOutput, &c.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	_ = json.Unmarshal(context, &c.Context)
	_ = json.Unmarshal(stepStatuses, &c.StepStatuses)
	if len(aggregatedOutput) > 0 {
		_ = json.Unmarshal(aggregatedOutput, &c.AggregatedOutput)
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.Time
	}
	return &c, nil
}

const spellCastColumns = `cast_id, slug, context, status, step_statuses, aggregated_output, created_at, completed_at`

func (s *SQLStore) CreateSpellCast(ctx context.Context, c *SpellCast) error {
	if c.CastID == "" {
		c.CastID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	contextJSON, _ := json.Marshal(c.Context)
	stepStatuses, _ := json.Marshal(c.StepStatuses)
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO spell_casts (cast_id, slug, context, status, step_statuses, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, c.CastID, c.Slug, contextJSON, c.Status, stepStatuses, c.CreatedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "insert spell cast", err)
	}
	return nil
}

func (s *SQLStore) UpdateSpellCast(ctx context.Context, castID string, patch func(*SpellCast) error) (*SpellCast, error) {
	var result *SpellCast
	err := s.WithTransaction(ctx, func(ctx context.Context) error {
		q := s.q(ctx)
		row := q.QueryRowContext(ctx, `SELECT `+spellCastColumns+` FROM spell_casts WHERE cast_id = $1 FOR UPDATE`, castID)
		c, err := scanSpellCast(row)
		if isNoRows(err) {
			return apperr.New(apperr.KindNotFound, "spell cast not found: "+castID)
		}
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "load spell cast for update", err)
		}
		if err := patch(c); err != nil {
			return err
		}
		stepStatuses, _ := json.Marshal(c.StepStatuses)
		aggregatedOutput, _ := json.Marshal(c.AggregatedOutput)
		_, err = q.ExecContext(ctx, `
			UPDATE spell_casts SET status=$1, step_statuses=$2, aggregated_output=$3, completed_at=$4
			WHERE cast_id = $5
		`, c.Status, stepStatuses, aggregatedOutput, c.CompletedAt, castID)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, "update spell cast", err)
		}
		result = c
		return nil
	})
	return result, err
}

func (s *SQLStore) FindSpellCastByID(ctx context.Context, castID string) (*SpellCast, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+spellCastColumns+` FROM spell_casts WHERE cast_id = $1`, castID)
	c, err := scanSpellCast(row)
	if isNoRows(err) {
		return nil, apperr.New(apperr.KindNotFound, "spell cast not found: "+castID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find spell cast", err)
	}
	return c, nil
}

// ---- LoRAs ----
// Read paths for public search normally route through SupabaseReader; the
// SQLStore versions here exist so a pure-Postgres deployment (no Supabase
// project configured) still satisfies the full Store interface.

func (s *SQLStore) SearchLoRAs(ctx context.Context, checkpoint BaseModel, q, filterType string, limit int) ([]LoRA, error) {
	query := `SELECT slug, trigger_words, cognates, checkpoint, default_weight, owned_by, description, tags FROM lora_models WHERE 1=1`
	var args []interface{}
	if checkpoint != "" {
		args = append(args, string(checkpoint))
		query += fmt.Sprintf(" AND checkpoint = $%d", len(args))
	}
	if filterType == "public" {
		query += " AND owned_by IS NULL"
	}
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "search loras", err)
	}
	defer rows.Close()

	var out []LoRA
	for rows.Next() {
		var l LoRA
		var triggerWords, cognates, tags []byte
		var ownedBy sql.NullString
		if err := rows.Scan(&l.Slug, &triggerWords, &cognates, &l.Checkpoint, &l.DefaultWeight, &ownedBy, &l.Description, &tags); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan lora", err)
		}
		_ = json.Unmarshal(triggerWords, &l.TriggerWords)
		_ = json.Unmarshal(cognates, &l.Cognates)
		_ = json.Unmarshal(tags, &l.Tags)
		if ownedBy.Valid {
			v := ownedBy.String
			l.OwnedBy = &v
		}
		if q != "" && !matchesLoRAQuery(l, q) {
			continue
		}
		out = append(out, l)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, rows.Err()
}

func matchesLoRAQuery(l LoRA, q string) bool {
	needle := strings.ToLower(q)
	if strings.Contains(strings.ToLower(l.Slug), needle) || strings.Contains(strings.ToLower(l.Description), needle) {
		return true
	}
	for _, w := range l.TriggerWords {
		if strings.Contains(strings.ToLower(w), needle) {
			return true
		}
	}
	for _, t := range l.Tags {
		if strings.Contains(strings.ToLower(t), needle) {
			return true
		}
	}
	return false
}

func (s *SQLStore) FindLoRABySlug(ctx context.Context, slug string) (*LoRA, error) {
	var l LoRA
	var triggerWords, cognates, tags []byte
	var ownedBy sql.NullString
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT slug, trigger_words, cognates, checkpoint, default_weight, owned_by, description, tags
		FROM lora_models WHERE slug = $1
	`, slug).Scan(&l.Slug, &triggerWords, &cognates, &l.Checkpoint, &l.DefaultWeight, &ownedBy, &l.Description, &tags)
	if isNoRows(err) {
		return nil, apperr.New(apperr.KindNotFound, "lora not found: "+slug)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find lora", err)
	}
	_ = json.Unmarshal(triggerWords, &l.TriggerWords)
	_ = json.Unmarshal(cognates, &l.Cognates)
	_ = json.Unmarshal(tags, &l.Tags)
	if ownedBy.Valid {
		v := ownedBy.String
		l.OwnedBy = &v
	}
	return &l, nil
}

func (s *SQLStore) GrantLoRAPermission(ctx context.Context, masterAccountID, slug string) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO lora_permissions (master_account_id, lora_slug) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, masterAccountID, slug)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "grant lora permission", err)
	}
	return nil
}

func (s *SQLStore) HasLoRAPermission(ctx context.Context, masterAccountID, slug string) (bool, error) {
	var exists bool
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM lora_permissions WHERE master_account_id = $1 AND lora_slug = $2)
	`, masterAccountID, slug).Scan(&exists)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, "check lora permission", err)
	}
	return exists, nil
}

// ---- API keys ----

func (s *SQLStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	permissions, _ := json.Marshal(k.Permissions)
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO api_keys (id, key_prefix, secret_hash, permissions, status, master_account_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, k.ID, k.KeyPrefix, k.SecretHash, permissions, k.Status, k.MasterAccountID, k.CreatedAt)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "insert api key", err)
	}
	return nil
}

func (s *SQLStore) FindAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	var k APIKey
	var permissions []byte
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, key_prefix, secret_hash, permissions, status, master_account_id, created_at
		FROM api_keys WHERE key_prefix = $1
	`, prefix).Scan(&k.ID, &k.KeyPrefix, &k.SecretHash, &permissions, &k.Status, &k.MasterAccountID, &k.CreatedAt)
	if isNoRows(err) {
		return nil, apperr.New(apperr.KindNotFound, "api key not found")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "find api key", err)
	}
	_ = json.Unmarshal(permissions, &k.Permissions)
	return &k, nil
}

// ---- Tools ----

func (s *SQLStore) ListTools(ctx context.Context) ([]Tool, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT tool_id, command_name, display_name, service, delivery_mode, input_schema, costing_model, metadata
		FROM tools ORDER BY tool_id
	`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list tools", err)
	}
	defer rows.Close()

	var out []Tool
	for rows.Next() {
		var t Tool
		var commandName sql.NullString
		var inputSchema, costingModel, metadata []byte
		if err := rows.Scan(&t.ToolID, &commandName, &t.DisplayName, &t.Service, &t.DeliveryMode, &inputSchema, &costingModel, &metadata); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "scan tool", err)
		}
		if commandName.Valid {
			t.CommandName = commandName.String
		}
		_ = json.Unmarshal(inputSchema, &t.InputSchema)
		_ = json.Unmarshal(costingModel, &t.CostingModel)
		_ = json.Unmarshal(metadata, &t.Metadata)
		out = append(out, t)
	}
	return out, rows.Err()
}

var _ Store = (*SQLStore)(nil)
