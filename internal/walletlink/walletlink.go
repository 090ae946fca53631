// Package walletlink implements the magic-amount wallet-linking flow: a
// depositor sends a uniquely-identifying trace amount of ETH to a deposit
// address, an on-chain oracle detects it, and the requester trades that
// proof of ownership for a one-time API key bound to their account.
package walletlink

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/noema/forge/internal/apperr"
	"github.com/noema/forge/internal/store"
)

const (
	requestTTL    = 15 * time.Minute
	apiKeyViewTTL = 5 * time.Minute
)

// RequestStatus is the magic-amount link request's lifecycle.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusCompleted RequestStatus = "completed"
	StatusExpired   RequestStatus = "expired"
	StatusClaimed   RequestStatus = "claimed" // apiKey viewing window elapsed
)

// LinkRequest tracks one in-flight or resolved wallet-link attempt.
type LinkRequest struct {
	RequestID        string
	MagicAmountWei   string
	DepositToAddress string
	CreatedAt        time.Time
	ExpiresAt        time.Time

	mu              sync.Mutex
	status          RequestStatus
	masterAccountID string
	apiKeyPlaintext string // cleared once apiKeyViewTTL elapses after completion
	completedAt     time.Time
}

// Service tracks active link requests in memory (the magic amount only
// needs to be unique among requests currently awaiting a deposit) and
// issues the resulting API key against the Store.
type Service struct {
	st               store.Store
	depositToAddress string
	pepper           string

	mu       sync.Mutex
	requests map[string]*LinkRequest
	amounts  map[string]bool // active magic amounts, to keep them unique
}

func NewService(st store.Store, depositToAddress, pepper string) *Service {
	return &Service{
		st:               st,
		depositToAddress: depositToAddress,
		pepper:           pepper,
		requests:         make(map[string]*LinkRequest),
		amounts:          make(map[string]bool),
	}
}

// Initiate begins a new link request with a cryptographically random
// 6-byte wei amount, unique among currently-active requests.
func (s *Service) Initiate(ctx context.Context) (*LinkRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var amountWei string
	for attempt := 0; attempt < 10; attempt++ {
		candidate, err := randomWeiAmount()
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "generate magic amount", err)
		}
		if !s.amounts[candidate] {
			amountWei = candidate
			break
		}
	}
	if amountWei == "" {
		return nil, apperr.New(apperr.KindInternal, "could not allocate a unique magic amount")
	}
	s.amounts[amountWei] = true

	now := time.Now()
	req := &LinkRequest{
		RequestID:        uuid.NewString(),
		MagicAmountWei:   amountWei,
		DepositToAddress: s.depositToAddress,
		CreatedAt:        now,
		ExpiresAt:        now.Add(requestTTL),
		status:           StatusPending,
	}
	s.requests[req.RequestID] = req
	return req, nil
}

// randomWeiAmount derives a random 6-byte wei value (e.g.
// "0.000047829156382" ETH scale) from crypto/rand, mixed through an HMAC
// to spread it away from the raw random bytes so repeated requests never
// visibly share a prefix, and returned as a decimal integer string.
func randomWeiAmount() (string, error) {
	raw := make([]byte, 6)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte("forge-wallet-link"))
	mac.Write(raw)
	digest := mac.Sum(nil)[:6]

	var amount uint64
	padded := make([]byte, 8)
	copy(padded[2:], digest)
	amount = binary.BigEndian.Uint64(padded)
	return fmt.Sprintf("%d", amount), nil
}

// Complete is called by the deposit oracle once it observes the exact
// magic amount land on-chain; it mints a one-time API key for the
// depositor's account.
func (s *Service) Complete(ctx context.Context, requestID, masterAccountID string) (string, error) {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	s.mu.Unlock()
	if !ok {
		return "", apperr.New(apperr.KindNotFound, "link request not found")
	}

	req.mu.Lock()
	defer req.mu.Unlock()

	if req.status != StatusPending {
		return "", apperr.New(apperr.KindConflict, "link request already resolved")
	}
	if time.Now().After(req.ExpiresAt) {
		req.status = StatusExpired
		return "", apperr.New(apperr.KindTimeout, "link request expired before deposit was observed")
	}

	plaintext, keyRecord, err := s.mintAPIKey(ctx, masterAccountID)
	if err != nil {
		return "", err
	}
	if err := s.st.CreateAPIKey(ctx, keyRecord); err != nil {
		return "", err
	}

	req.status = StatusCompleted
	req.masterAccountID = masterAccountID
	req.apiKeyPlaintext = plaintext
	req.completedAt = time.Now()

	s.mu.Lock()
	delete(s.amounts, req.MagicAmountWei)
	s.mu.Unlock()

	return plaintext, nil
}

func (s *Service) mintAPIKey(ctx context.Context, masterAccountID string) (string, *store.APIKey, error) {
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, apperr.Wrap(apperr.KindInternal, "generate api key secret", err)
	}
	secret := hex.EncodeToString(secretBytes)
	prefix := "sat_" + secret[:8]
	plaintext := prefix + "_" + secret[8:]

	hash, err := bcrypt.GenerateFromPassword([]byte(s.pepper+plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.KindInternal, "hash api key secret", err)
	}

	return plaintext, &store.APIKey{
		ID:              uuid.NewString(),
		KeyPrefix:       prefix,
		SecretHash:      string(hash),
		Permissions:     []string{"generation:execute", "wallets:read"},
		Status:          "active",
		MasterAccountID: masterAccountID,
		CreatedAt:       time.Now(),
	}, nil
}

// Status is the response shape for GET /wallets/status/{requestId}.
type Status struct {
	RequestStatus RequestStatus
	APIKey        string // only populated within apiKeyViewTTL of completion
}

// Poll implements the four-way status response: 202 PENDING, 200 COMPLETED
// (apiKey shown once), 410 ALREADY_CLAIMED, 200 EXPIRED.
func (s *Service) Poll(ctx context.Context, requestID string) (Status, error) {
	s.mu.Lock()
	req, ok := s.requests[requestID]
	s.mu.Unlock()
	if !ok {
		return Status{}, apperr.New(apperr.KindNotFound, "link request not found")
	}

	req.mu.Lock()
	defer req.mu.Unlock()

	if req.status == StatusPending && time.Now().After(req.ExpiresAt) {
		req.status = StatusExpired
	}

	switch req.status {
	case StatusPending:
		return Status{RequestStatus: StatusPending}, nil
	case StatusExpired:
		return Status{RequestStatus: StatusExpired}, nil
	case StatusClaimed:
		return Status{RequestStatus: StatusClaimed}, nil
	case StatusCompleted:
		if time.Since(req.completedAt) > apiKeyViewTTL {
			req.status = StatusClaimed
			req.apiKeyPlaintext = ""
			return Status{RequestStatus: StatusClaimed}, nil
		}
		return Status{RequestStatus: StatusCompleted, APIKey: req.apiKeyPlaintext}, nil
	default:
		return Status{}, apperr.New(apperr.KindInternal, "unknown link request status")
	}
}

// VerifyAPIKey checks a presented plaintext key against its stored bcrypt
// hash, looked up by its prefix.
func VerifyAPIKey(ctx context.Context, st store.Store, pepper, plaintext string) (*store.APIKey, error) {
	if len(plaintext) < 4 {
		return nil, apperr.New(apperr.KindUnauthorized, "malformed api key")
	}
	sep := indexByte(plaintext, '_', 1)
	if sep < 0 {
		return nil, apperr.New(apperr.KindUnauthorized, "malformed api key")
	}
	prefix := plaintext[:sep]

	key, err := st.FindAPIKeyByPrefix(ctx, prefix)
	if err != nil {
		return nil, apperr.New(apperr.KindUnauthorized, "unknown api key")
	}
	if key.Status != "active" {
		return nil, apperr.New(apperr.KindForbidden, "api key revoked")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(key.SecretHash), []byte(pepper+plaintext)); err != nil {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid api key")
	}
	return key, nil
}

func indexByte(s string, b byte, occurrence int) int {
	count := 0
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			count++
			if count == occurrence+1 {
				return i
			}
		}
	}
	return -1
}
