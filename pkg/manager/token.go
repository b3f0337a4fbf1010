package manager

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/adcm/pkg/adcmerr"
)

// TokenManager issues the tokens a running task hands to its jobs. Plugin
// calls made from a playbook present the token to act on behalf of the task.
type TokenManager struct {
	tokens map[string]*TaskToken
	mu     sync.RWMutex
}

// TaskToken binds a random secret to one task
type TaskToken struct {
	Token     string
	TaskID    int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// NewTokenManager creates a new token manager
func NewTokenManager() *TokenManager {
	return &TokenManager{
		tokens: make(map[string]*TaskToken),
	}
}

// GenerateToken generates a token for a task. A zero ttl never expires.
func (tm *TokenManager) GenerateToken(taskID int64, ttl time.Duration) (*TaskToken, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return nil, fmt.Errorf("failed to generate random token: %w", err)
	}

	tt := &TaskToken{
		Token:     hex.EncodeToString(bytes),
		TaskID:    taskID,
		CreatedAt: time.Now(),
	}
	if ttl > 0 {
		tt.ExpiresAt = tt.CreatedAt.Add(ttl)
	}

	tm.mu.Lock()
	tm.tokens[tt.Token] = tt
	tm.mu.Unlock()

	return tt, nil
}

// ValidateToken returns the task a token was issued for
func (tm *TokenManager) ValidateToken(token string) (int64, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	tt, exists := tm.tokens[token]
	if !exists {
		return 0, adcmerr.New(adcmerr.TaskError, "invalid task token")
	}

	if !tt.ExpiresAt.IsZero() && time.Now().After(tt.ExpiresAt) {
		return 0, adcmerr.New(adcmerr.TaskError, "task token expired")
	}

	return tt.TaskID, nil
}

// RevokeTask revokes every token of a task
func (tm *TokenManager) RevokeTask(taskID int64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for token, tt := range tm.tokens {
		if tt.TaskID == taskID {
			delete(tm.tokens, token)
		}
	}
}

// CleanupExpiredTokens removes expired tokens
func (tm *TokenManager) CleanupExpiredTokens() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	now := time.Now()
	for token, tt := range tm.tokens {
		if !tt.ExpiresAt.IsZero() && now.After(tt.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}

// ListTokens returns all active tokens
func (tm *TokenManager) ListTokens() []*TaskToken {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	tokens := make([]*TaskToken, 0, len(tm.tokens))
	for _, tt := range tm.tokens {
		tokens = append(tokens, tt)
	}

	return tokens
}
