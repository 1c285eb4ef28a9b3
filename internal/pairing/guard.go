// Package pairing gates remote access behind a one-time pairing code that is
// exchanged for a bearer token.
package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// TokenPrefix marks bearer tokens issued by a Guard.
	TokenPrefix = "wd_"

	codeDigits  = 6
	maxFailures = 5
	lockout     = 5 * time.Minute
)

var (
	ErrInvalidCode   = errors.New("invalid pairing code")
	ErrLockedOut     = errors.New("too many failed pairing attempts")
	ErrNoPendingCode = errors.New("no pairing code outstanding")
)

// Guard holds the paired token set. Tokens are kept only as SHA-256 hashes.
type Guard struct {
	requirePairing bool
	now            func() time.Time

	mu          sync.RWMutex
	tokens      map[string]struct{}
	code        string
	failures    int
	lockedUntil time.Time
}

// Option customizes a Guard.
type Option func(*Guard)

// WithClock replaces the clock used for lockouts.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGuard builds a guard from persisted tokens. Each entry may be a raw token
// or its hex SHA-256 hash. When pairing is required and nothing is paired yet,
// a one-time code is generated.
func NewGuard(requirePairing bool, pairedTokens []string, opts ...Option) (*Guard, error) {
	g := &Guard{
		requirePairing: requirePairing,
		now:            time.Now,
		tokens:         make(map[string]struct{}, len(pairedTokens)),
	}
	for _, opt := range opts {
		opt(g)
	}
	for _, entry := range pairedTokens {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		g.tokens[normalizeHash(entry)] = struct{}{}
	}

	if !requirePairing {
		slog.Warn("gateway pairing disabled: every request is treated as authenticated")
		return g, nil
	}
	if len(g.tokens) == 0 {
		code, err := generateCode()
		if err != nil {
			return nil, err
		}
		g.code = code
	}
	return g, nil
}

// RequirePairing reports whether authentication is enforced.
func (g *Guard) RequirePairing() bool {
	return g.requirePairing
}

// IsAuthenticated reports whether token is paired. With pairing disabled every
// token, including the empty one, is accepted.
func (g *Guard) IsAuthenticated(token string) bool {
	if !g.requirePairing {
		return true
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	hash := HashToken(token)

	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.tokens[hash]
	return ok
}

// IsPaired reports whether at least one token exists.
func (g *Guard) IsPaired() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tokens) > 0
}

// PairingCode returns the outstanding one-time code, or "" when none is.
func (g *Guard) PairingCode() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.code
}

// TryPair exchanges the one-time code for a fresh bearer token. Five wrong
// codes lock pairing out for five minutes.
func (g *Guard) TryPair(code string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Before(g.lockedUntil) {
		return "", fmt.Errorf("%w: retry after %s", ErrLockedOut, g.lockedUntil.Sub(now).Round(time.Second))
	}
	if g.code == "" {
		return "", ErrNoPendingCode
	}
	if subtle.ConstantTimeCompare([]byte(strings.TrimSpace(code)), []byte(g.code)) != 1 {
		g.failures++
		if g.failures >= maxFailures {
			g.failures = 0
			g.lockedUntil = now.Add(lockout)
			slog.Warn("pairing locked out after repeated failures", "until", g.lockedUntil)
		}
		return "", ErrInvalidCode
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}
	g.tokens[HashToken(token)] = struct{}{}
	g.code = ""
	g.failures = 0
	return token, nil
}

// Revoke removes a token given raw or as its hash. Revoking the last token
// issues a new pairing code.
func (g *Guard) Revoke(token string) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return false
	}
	hash := normalizeHash(token)

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.tokens[hash]; !ok {
		return false
	}
	delete(g.tokens, hash)

	if g.requirePairing && len(g.tokens) == 0 {
		code, err := generateCode()
		if err != nil {
			slog.Error("generate pairing code", "error", err)
			return true
		}
		g.code = code
	}
	return true
}

// TokenHashes returns the sorted token hashes for persistence.
func (g *Guard) TokenHashes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]string, 0, len(g.tokens))
	for hash := range g.tokens {
		out = append(out, hash)
	}
	sort.Strings(out)
	return out
}

// HashToken returns the hex SHA-256 of token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func normalizeHash(entry string) string {
	if isHash(entry) {
		return strings.ToLower(entry)
	}
	return HashToken(entry)
}

func isHash(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func generateCode() (string, error) {
	limit := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		limit.Mul(limit, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", fmt.Errorf("generate pairing code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return TokenPrefix + hex.EncodeToString(buf), nil
}
