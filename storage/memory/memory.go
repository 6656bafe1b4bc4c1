// Package memory provides an in-memory implementation of all storage
// interfaces. It is suitable for development, testing, and single-instance
// gateway deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelgate/oauth/instrumentation"
	"github.com/modelgate/oauth/internal/util"
	"github.com/modelgate/oauth/storage"
)

// codeLogLength is the number of characters to include when logging codes and
// tokens. Enough uniqueness for debugging while keeping logs safe.
const codeLogLength = 8

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	clients  map[string]*storage.Client
	sessions map[string]*storage.ConsentSession
	codes    map[string]*storage.AuthorizationCode

	// Token pairs are indexed by both raw token strings. Both maps point at
	// the same *storage.TokenPair so the CAS in ReplaceTokenPair observes a
	// single record.
	pairsByAccess  map[string]*storage.TokenPair
	pairsByRefresh map[string]*storage.TokenPair

	// Atomic counters for metrics (lock-free during metric collection)
	clientsCountAtomic  atomic.Int64
	sessionsCountAtomic atomic.Int64
	codesCountAtomic    atomic.Int64
	pairsCountAtomic    atomic.Int64

	instrumentation *instrumentation.Instrumentation

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks
var (
	_ storage.ClientStore = (*Store)(nil)
	_ storage.FlowStore   = (*Store)(nil)
	_ storage.TokenStore  = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval (1 minute).
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup interval.
// If cleanupInterval is 0 or negative, the default of 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		clients:         make(map[string]*storage.Client),
		sessions:        make(map[string]*storage.ConsentSession),
		codes:           make(map[string]*storage.AuthorizationCode),
		pairsByAccess:   make(map[string]*storage.TokenPair),
		pairsByRefresh:  make(map[string]*storage.TokenPair),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation registers storage size gauges with the given
// instrumentation. The callbacks read atomic counters so metric collection
// never contends with request traffic.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.sessionsCountAtomic.Store(int64(len(s.sessions)))
	s.codesCountAtomic.Store(int64(len(s.codes)))
	s.pairsCountAtomic.Store(int64(len(s.pairsByRefresh)))
	s.mu.Unlock()

	if inst == nil {
		return
	}
	err := inst.RegisterStorageSizeCallbacks(
		func() int64 { return s.clientsCountAtomic.Load() },
		func() int64 { return s.sessionsCountAtomic.Load() },
		func() int64 { return s.codesCountAtomic.Load() },
		func() int64 { return s.pairsCountAtomic.Load() },
	)
	if err != nil {
		s.logger.Warn("Failed to register storage size callbacks", "error", err)
	}
}

// Stop gracefully stops the cleanup goroutine
func (s *Store) Stop() {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
}

// ============================================================
// ClientStore Implementation
// ============================================================

// SaveClient persists a newly registered client
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client and client_id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[client.ClientID]; exists {
		return fmt.Errorf("%w: %s", storage.ErrClientExists, client.ClientID)
	}

	clientCopy := cloneClient(client)
	s.clients[client.ClientID] = clientCopy
	s.clientsCountAtomic.Add(1)

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID
func (s *Store) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}

	// Return a copy to prevent callers from mutating the stored record
	return cloneClient(client), nil
}

// UpdateClient replaces the stored client record
func (s *Store) UpdateClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client and client_id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.clients[client.ClientID]; !ok {
		return storage.ErrClientNotFound
	}

	s.clients[client.ClientID] = cloneClient(client)
	s.logger.Debug("Updated client", "client_id", client.ClientID, "active", client.Active)
	return nil
}

// ListClients lists all registered clients
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, cloneClient(c))
	}
	return clients, nil
}

func cloneClient(c *storage.Client) *storage.Client {
	clientCopy := *c
	if c.AccessibleModels != nil {
		clientCopy.AccessibleModels = append([]string(nil), c.AccessibleModels...)
	}
	if c.FieldGrants != nil {
		grants := make(map[string][]string, len(c.FieldGrants))
		for model, fields := range c.FieldGrants {
			grants[model] = append([]string(nil), fields...)
		}
		clientCopy.FieldGrants = grants
	}
	return &clientCopy
}

// ============================================================
// FlowStore Implementation
// ============================================================

// SaveConsentSession stores the pending state for a consent prompt
func (s *Store) SaveConsentSession(ctx context.Context, session *storage.ConsentSession) error {
	if session == nil || session.Key == "" {
		return fmt.Errorf("session and session key are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.sessions[session.Key]; !existed {
		s.sessionsCountAtomic.Add(1)
	}

	sessionCopy := *session
	s.sessions[session.Key] = &sessionCopy
	return nil
}

// ConsumeConsentSession atomically retrieves and deletes a consent session.
// After the first call the session is gone, whatever the state comparison
// later decides, so a stored state can only ever be checked once.
func (s *Store) ConsumeConsentSession(ctx context.Context, key string) (*storage.ConsentSession, error) {
	s.mu.Lock() // write lock: get-and-delete must be atomic
	defer s.mu.Unlock()

	session, ok := s.sessions[key]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}

	delete(s.sessions, key)
	s.sessionsCountAtomic.Add(-1)

	if time.Now().After(session.ExpiresAt) {
		return nil, fmt.Errorf("%w: consent session expired", storage.ErrSessionNotFound)
	}

	sessionCopy := *session
	return &sessionCopy, nil
}

// SaveAuthorizationCode persists an issued authorization code
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.Code == "" {
		return fmt.Errorf("authorization code value is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.codes[code.Code]; !existed {
		s.codesCountAtomic.Add(1)
	}

	codeCopy := *code
	s.codes[code.Code] = &codeCopy

	s.logger.Debug("Saved authorization code",
		"code_prefix", util.SafeTruncate(code.Code, codeLogLength),
		"client_id", code.ClientID)
	return nil
}

// GetAuthorizationCode retrieves a code without consuming it.
// For redemption use ConsumeAuthorizationCode, which is race-free.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	codeCopy := *authCode
	return &codeCopy, nil
}

// ConsumeAuthorizationCode atomically checks and marks an authorization code
// as used. Only ONE concurrent call can succeed; the rest receive ErrCodeUsed.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, code, clientID string) (*storage.AuthorizationCode, error) {
	s.mu.Lock() // MUST hold the write lock for the whole check-and-set
	defer s.mu.Unlock()

	authCode, ok := s.codes[code]
	if !ok {
		return nil, storage.ErrCodeNotFound
	}

	// A code is bound to exactly one client; a lookup under the wrong client
	// behaves as not-found rather than leaking the code's existence.
	if authCode.ClientID != clientID {
		return nil, storage.ErrCodeNotFound
	}

	if time.Now().After(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: expired at %s", storage.ErrCodeExpired, authCode.ExpiresAt.Format(time.RFC3339))
	}

	if authCode.Used {
		return nil, storage.ErrCodeUsed
	}

	authCode.Used = true

	s.logger.Debug("Consumed authorization code",
		"code_prefix", util.SafeTruncate(code, codeLogLength),
		"client_id", clientID)

	codeCopy := *authCode
	return &codeCopy, nil
}

// ============================================================
// TokenStore Implementation
// ============================================================

// SaveTokenPair persists a freshly issued pair
func (s *Store) SaveTokenPair(ctx context.Context, pair *storage.TokenPair) error {
	if pair == nil || pair.AccessToken == "" || pair.RefreshToken == "" {
		return fmt.Errorf("token pair with both token strings is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertPairLocked(pair)

	s.logger.Debug("Saved token pair",
		"client_id", pair.ClientID,
		"access_prefix", util.SafeTruncate(pair.AccessToken, codeLogLength))
	return nil
}

// insertPairLocked indexes a pair under both token strings. Caller holds mu.
func (s *Store) insertPairLocked(pair *storage.TokenPair) {
	pairCopy := *pair
	s.pairsByAccess[pair.AccessToken] = &pairCopy
	s.pairsByRefresh[pair.RefreshToken] = &pairCopy
	s.pairsCountAtomic.Add(1)
}

// GetTokenPairByAccessToken looks a pair up by the raw access-token string
func (s *Store) GetTokenPairByAccessToken(ctx context.Context, accessToken string) (*storage.TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pair, ok := s.pairsByAccess[accessToken]
	if !ok {
		return nil, storage.ErrTokenPairNotFound
	}

	pairCopy := *pair
	return &pairCopy, nil
}

// GetTokenPairByRefreshToken looks a pair up by the raw refresh-token string
func (s *Store) GetTokenPairByRefreshToken(ctx context.Context, refreshToken string) (*storage.TokenPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pair, ok := s.pairsByRefresh[refreshToken]
	if !ok {
		return nil, storage.ErrTokenPairNotFound
	}

	pairCopy := *pair
	return &pairCopy, nil
}

// ReplaceTokenPair atomically retires the pair behind oldRefreshToken and
// persists next in its place. The whole swap happens under one write lock, so
// only ONE concurrent rotation can succeed; the rest receive
// ErrRotationConflict. A crash cannot strand the client between retire and
// create because both happen inside the same critical section.
func (s *Store) ReplaceTokenPair(ctx context.Context, oldRefreshToken string, next *storage.TokenPair) error {
	if next == nil || next.AccessToken == "" || next.RefreshToken == "" {
		return fmt.Errorf("replacement token pair with both token strings is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.pairsByRefresh[oldRefreshToken]
	if !ok {
		return storage.ErrTokenPairNotFound
	}

	// CAS on the refresh-valid flag: the first rotation clears it, every
	// concurrent loser sees it cleared.
	if !old.RefreshValid {
		return storage.ErrRotationConflict
	}
	old.RefreshValid = false

	// Retiring the pair deletes both indexes, which is what revokes the old
	// access token: validation looks records up by raw token string.
	delete(s.pairsByAccess, old.AccessToken)
	delete(s.pairsByRefresh, old.RefreshToken)
	s.pairsCountAtomic.Add(-1)

	s.insertPairLocked(next)

	s.logger.Debug("Rotated token pair",
		"client_id", next.ClientID,
		"old_refresh_prefix", util.SafeTruncate(oldRefreshToken, codeLogLength))
	return nil
}

// DeleteTokenPairsForClient removes every pair owned by a client
func (s *Store) DeleteTokenPairsForClient(ctx context.Context, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, pair := range s.pairsByRefresh {
		if pair.ClientID != clientID {
			continue
		}
		delete(s.pairsByAccess, pair.AccessToken)
		delete(s.pairsByRefresh, token)
		s.pairsCountAtomic.Add(-1)
		removed++
	}

	if removed > 0 {
		s.logger.Info("Deleted token pairs for client",
			"client_id", clientID,
			"removed", removed)
	}
	return removed, nil
}

// ============================================================
// Cleanup
// ============================================================

// cleanupLoop periodically removes expired codes, sessions, and token pairs
func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes expired entries. Used authorization codes are kept until
// their expiry passes so late duplicate redemptions still fail as "used"
// rather than "unknown".
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	removedCodes, removedSessions, removedPairs := 0, 0, 0

	for code, authCode := range s.codes {
		if now.After(authCode.ExpiresAt) {
			delete(s.codes, code)
			s.codesCountAtomic.Add(-1)
			removedCodes++
		}
	}

	for key, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, key)
			s.sessionsCountAtomic.Add(-1)
			removedSessions++
		}
	}

	// A pair is dead once its access token has expired and its refresh side
	// can no longer be exchanged (rotated away or past refresh expiry).
	for token, pair := range s.pairsByRefresh {
		refreshDead := !pair.RefreshValid || now.After(pair.RefreshExpiresAt)
		if now.After(pair.ExpiresAt) && refreshDead {
			delete(s.pairsByAccess, pair.AccessToken)
			delete(s.pairsByRefresh, token)
			s.pairsCountAtomic.Add(-1)
			removedPairs++
		}
	}

	if removedCodes > 0 || removedSessions > 0 || removedPairs > 0 {
		s.logger.Debug("Storage cleanup completed",
			"codes", removedCodes,
			"sessions", removedSessions,
			"pairs", removedPairs)
	}
}
