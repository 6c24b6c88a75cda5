package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"
)

const (
	// argon2Time is the number of iterations (time cost) for Argon2id.
	// OWASP minimum recommendation is 1; 2 provides a better security margin.
	argon2Time = 2

	// argon2Memory is the memory cost in KiB for Argon2id (64 MiB).
	argon2Memory = 64 * 1024

	// argon2Threads is the parallelism factor for Argon2id.
	argon2Threads = 2

	// argon2KeyLen is the output hash length in bytes.
	argon2KeyLen = 32

	// argon2SaltLen is the random salt length in bytes.
	argon2SaltLen = 16
)

// Roles known to the controller. Both interactive users and agent service
// accounts authenticate through the same /token endpoint; the role decides
// what a websocket session is allowed to do after connecting.
const (
	RoleAdmin = "admin"
	RoleAgent = "agent"
)

// User is a principal in the in-memory store.
type User struct {
	Username     string
	PasswordHash string
	Role         string
}

// UserStore holds users in memory. The controller seeds it from configuration
// at startup (admin_username/admin_password); there is no persistent user
// database in this system.
type UserStore struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewUserStore returns an empty store.
func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]User)}
}

// Add hashes password with Argon2id and stores the user, replacing any
// existing entry with the same username.
func (s *UserStore) Add(username, password, role string) error {
	if username == "" {
		return fmt.Errorf("auth: username must not be empty")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = User{Username: username, PasswordHash: hash, Role: role}
	return nil
}

// Authenticate verifies username/password and returns the matching user.
// Returns ErrInvalidCredentials for both unknown users and wrong passwords so
// callers cannot distinguish the two (user enumeration).
func (s *UserStore) Authenticate(username, password string) (User, error) {
	s.mu.RLock()
	user, ok := s.users[username]
	s.mu.RUnlock()

	if !ok || !verifyPassword(password, user.PasswordHash) {
		return User{}, ErrInvalidCredentials
	}
	return user, nil
}

// Get returns the user for username, if present.
func (s *UserStore) Get(username string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[username]
	return user, ok
}

// HashPassword returns an Argon2id hash of the given plaintext password.
//
// Format: saltHex:hashHex
func HashPassword(password string) (string, error) {
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generating password salt: %w", err)
	}

	hash := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)

	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(hash), nil
}

// verifyPassword checks a plaintext password against a stored Argon2id hash.
// Returns false if the hash format is invalid rather than propagating an
// error, since an invalid hash means authentication must fail.
func verifyPassword(password, stored string) bool {
	saltHex, hashHex, ok := splitHash(stored)
	if !ok {
		return false
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}

	expectedHash, err := hex.DecodeString(hashHex)
	if err != nil {
		return false
	}

	actual := argon2.IDKey([]byte(password), salt, argon2Time, argon2Memory, argon2Threads, uint32(len(expectedHash)))

	return constantTimeEqual(actual, expectedHash)
}

// splitHash splits a "saltHex:hashHex" string into its two components.
func splitHash(s string) (salt, hash string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// constantTimeEqual compares two byte slices in constant time to prevent
// timing-based side-channel attacks.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
