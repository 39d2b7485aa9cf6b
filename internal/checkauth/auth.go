package checkauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"

	"github.com/aima-platform/gpu-orchestrator/internal/store/models"
)

type contextKey string

const (
	UserContextKey     contextKey = "user"
	VerifiedContextKey contextKey = "verified"
)

// GetUserFromContext retrieves the authenticated user from the request context
func GetUserFromContext(ctx context.Context) *models.User {
	if user, ok := ctx.Value(UserContextKey).(*models.User); ok {
		return user
	}
	return nil
}

// GetVerifiedFromContext checks if the request is verified/authenticated
func GetVerifiedFromContext(ctx context.Context) bool {
	if verified, ok := ctx.Value(VerifiedContextKey).(bool); ok {
		return verified
	}
	return false
}

// SetUserContext adds a user to the request context
func SetUserContext(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// SetVerifiedContext sets the verification status in the request context
func SetVerifiedContext(ctx context.Context, verified bool) context.Context {
	return context.WithValue(ctx, VerifiedContextKey, verified)
}

// ValidateBootstrapToken validates a bearer token against its stored hash
// (spec §6 instance bootstrap handshake).
func ValidateBootstrapToken(tokenString string, hash []byte) bool {
	tokenHash := sha256.Sum256([]byte(tokenString))
	return subtle.ConstantTimeCompare(tokenHash[:], hash) == 1
}

// HashBootstrapToken creates a SHA256 hash of a bootstrap token for storage.
func HashBootstrapToken(token string) []byte {
	hash := sha256.Sum256([]byte(token))
	return hash[:]
}

// GenerateBootstrapToken mints a new bootstrap token, handed to a freshly
// created instance so its worker agent can authenticate its control-channel
// connection back to the Dispatcher (spec §6). Returns the plaintext (given
// to the instance, never stored) and its hash (stored alongside the
// instance for later ValidateBootstrapToken lookups).
func GenerateBootstrapToken() (plaintext string, hash []byte, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	plaintext = hex.EncodeToString(raw)
	return plaintext, HashBootstrapToken(plaintext), nil
}
