// Package security is the Key Store (C8): the cloud-scoped API key and
// the narrower per-app keys the Control API issues and validates,
// persisted as AES-256-GCM-encrypted records.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/quentingllmt/host-supervisor/internal/apierr"
	"github.com/quentingllmt/host-supervisor/internal/types"
)

var bucketKeys = []byte("api_keys")

// Key is an issued API key: the cloud-scoped key has All set in its
// Scope, an app-scoped key lists the apps it may observe or mutate.
type Key struct {
	Token     string
	Scope     types.KeyScope
	CreatedAt time.Time
	Revoked   bool
	// Cloud marks the single device-wide key issued to the cloud
	// reporter; its regeneration is reported upstream (§4.7) instead of
	// only being handed back to the caller.
	Cloud bool
}

// Store persists issued keys behind AES-256-GCM so the raw token never
// sits on disk in the clear.
type Store struct {
	db  *bolt.DB
	key []byte // 32 bytes, AES-256

	mu    sync.RWMutex
	cache map[string]*Key
}

// NewStore opens (or creates) the key store at dbPath, encrypting
// records at rest with encryptionKey, which must be 32 bytes.
func NewStore(dbPath string, encryptionKey []byte) (*Store, error) {
	if len(encryptionKey) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes for AES-256, got %d", len(encryptionKey))
	}

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKeys)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("create key bucket: %w", err)
	}

	s := &Store{db: db, key: encryptionKey, cache: make(map[string]*Key)}
	if err := s.loadCache(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DeriveKey turns an arbitrary passphrase (e.g. a device's provisioning
// secret) into a 32-byte AES-256 key.
func DeriveKey(passphrase string) []byte {
	hash := sha256.Sum256([]byte(passphrase))
	return hash[:]
}

func (s *Store) loadCache() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKeys)
		return b.ForEach(func(k, v []byte) error {
			plaintext, err := s.decrypt(v)
			if err != nil {
				return fmt.Errorf("decrypt key record %s: %w", k, err)
			}
			var rec Key
			if err := json.Unmarshal(plaintext, &rec); err != nil {
				return fmt.Errorf("decode key record %s: %w", k, err)
			}
			s.cache[rec.Token] = &rec
			return nil
		})
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Issue creates and persists a new key scoped to scope, returning the
// plaintext token the caller presents on subsequent requests.
func (s *Store) Issue(scope types.KeyScope) (*Key, error) {
	return s.issue(scope, false)
}

// IssueCloudKey creates the singular device-wide cloud key, marked so a
// later regenerate-api-key call against it is reported upstream instead
// of only returned to the caller.
func (s *Store) IssueCloudKey() (*Key, error) {
	return s.issue(types.KeyScope{All: true}, true)
}

// GenerateScopedKey issues a key scoped to appID for service-level
// Control API actions (§4.8). serviceID is not recorded in the key's
// scope, so the key grants the same access as any other key scoped to
// that app, including every other service of it.
func (s *Store) GenerateScopedKey(appID types.AppID, serviceID int64) (*Key, error) {
	return s.Issue(types.KeyScope{Apps: map[types.AppID]bool{appID: true}})
}

func (s *Store) issue(scope types.KeyScope, cloud bool) (*Key, error) {
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("generate key token: %w", err)
	}

	rec := &Key{Token: token, Scope: scope, CreatedAt: time.Now(), Cloud: cloud}
	if err := s.put(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) put(rec *Key) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode key record: %w", err)
	}
	ciphertext, err := s.encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypt key record: %w", err)
	}

	id := sha256.Sum256([]byte(rec.Token))
	if err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketKeys).Put([]byte(hex.EncodeToString(id[:])), ciphertext)
	}); err != nil {
		return fmt.Errorf("persist key record: %w", err)
	}

	s.mu.Lock()
	s.cache[rec.Token] = rec
	s.mu.Unlock()
	return nil
}

// Validate looks up token and returns its scope if it exists and has
// not been revoked.
func (s *Store) Validate(token string) (types.KeyScope, error) {
	s.mu.RLock()
	rec, ok := s.cache[token]
	s.mu.RUnlock()

	if !ok || rec.Revoked {
		return types.KeyScope{}, apierr.Validation("unknown or revoked API key")
	}
	return rec.Scope, nil
}

// Regenerate issues a fresh token carrying oldToken's scope and
// immediately revokes oldToken, so the next request bearing it is
// rejected while the new token is accepted right away. Used by
// POST /v2/regenerate-api-key.
func (s *Store) Regenerate(oldToken string) (*Key, error) {
	s.mu.RLock()
	old, ok := s.cache[oldToken]
	s.mu.RUnlock()
	if !ok {
		return nil, apierr.NotFound("API key %s", oldToken)
	}

	next, err := s.issue(old.Scope, old.Cloud)
	if err != nil {
		return nil, fmt.Errorf("issue replacement key: %w", err)
	}
	if err := s.Revoke(oldToken); err != nil {
		return nil, fmt.Errorf("revoke superseded key: %w", err)
	}
	return next, nil
}

// Revoke marks token as no longer valid without deleting its record.
func (s *Store) Revoke(token string) error {
	s.mu.Lock()
	rec, ok := s.cache[token]
	s.mu.Unlock()
	if !ok {
		return apierr.NotFound("API key %s", token)
	}

	rec.Revoked = true
	return s.put(rec)
}

func randomToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

func (s *Store) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *Store) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, ct, nil)
}
