package kms

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Snapshot is the persisted form of a key set.
type Snapshot struct {
	ActiveKID string      `json:"active_kid"`
	Keys      []StoredKey `json:"keys"`
}

// StoredKey is one persisted key. Seed is nil for RETIRED keys.
type StoredKey struct {
	KID         string     `json:"kid"`
	PublicKey   string     `json:"public_key"`
	Status      KeyStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	GraceEndsAt *time.Time `json:"grace_ends_at,omitempty"`
	RetiredAt   *time.Time `json:"retired_at,omitempty"`
	Seed        []byte     `json:"-"`
	SealedSeed  string     `json:"sealed_seed,omitempty"`
}

// Persister loads and saves key set snapshots. Load returns (nil, nil)
// when nothing has been saved yet.
type Persister interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snap *Snapshot) error
}

func toSnapshot(s *keySet) *Snapshot {
	snap := &Snapshot{ActiveKID: s.activeKID, Keys: make([]StoredKey, 0, len(s.order))}
	for _, kid := range s.order {
		rec := s.keys[kid]
		snap.Keys = append(snap.Keys, StoredKey{
			KID:         rec.info.KID,
			PublicKey:   rec.info.PublicHex,
			Status:      rec.info.Status,
			CreatedAt:   rec.info.CreatedAt,
			ActivatedAt: rec.info.ActivatedAt,
			GraceEndsAt: rec.info.GraceEndsAt,
			RetiredAt:   rec.info.RetiredAt,
			Seed:        append([]byte(nil), rec.seed...),
		})
	}
	return snap
}

func fromSnapshot(snap *Snapshot) (*keySet, error) {
	set := &keySet{keys: make(map[string]*keyRecord, len(snap.Keys)), activeKID: snap.ActiveKID}
	for _, sk := range snap.Keys {
		pub, err := hex.DecodeString(sk.PublicKey)
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("kms: key %s has invalid public key", sk.KID)
		}
		if sk.Status != StatusRetired {
			if len(sk.Seed) != ed25519.SeedSize {
				return nil, fmt.Errorf("kms: key %s has invalid seed length %d", sk.KID, len(sk.Seed))
			}
			derived := ed25519.NewKeyFromSeed(sk.Seed).Public().(ed25519.PublicKey)
			if !derived.Equal(ed25519.PublicKey(pub)) {
				return nil, fmt.Errorf("kms: key %s seed does not match public key", sk.KID)
			}
		}
		set.keys[sk.KID] = &keyRecord{
			info: KeyInfo{
				KID:         sk.KID,
				PublicKey:   pub,
				PublicHex:   sk.PublicKey,
				Status:      sk.Status,
				CreatedAt:   sk.CreatedAt,
				ActivatedAt: sk.ActivatedAt,
				GraceEndsAt: sk.GraceEndsAt,
				RetiredAt:   sk.RetiredAt,
			},
			seed: append([]byte(nil), sk.Seed...),
		}
		set.order = append(set.order, sk.KID)
	}
	if set.activeKID != "" {
		rec, ok := set.keys[set.activeKID]
		if !ok || rec.info.Status != StatusActive {
			return nil, fmt.Errorf("kms: active kid %s not ACTIVE in keystore", set.activeKID)
		}
	}
	return set, nil
}

// MemoryStore keeps the snapshot in process memory.
type MemoryStore struct {
	mu   sync.Mutex
	snap *Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(_ context.Context) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

func (m *MemoryStore) Save(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	return nil
}

const seedWrapInfo = "remit/kms/seed-wrap/v1"

// FileStore persists the key set as JSON with restricted permissions.
// Seeds are sealed with AES-256-GCM under a key derived from the master
// key with HKDF-SHA256, bound to the kid as additional data.
type FileStore struct {
	path    string
	wrapKey []byte
}

// NewFileStore returns a file store at path. masterKey must be at least 32 bytes.
func NewFileStore(path string, masterKey []byte) (*FileStore, error) {
	if len(masterKey) < 32 {
		return nil, fmt.Errorf("kms: master key must be at least 32 bytes, got %d", len(masterKey))
	}
	wrapKey := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(seedWrapInfo)), wrapKey); err != nil {
		return nil, fmt.Errorf("kms: derive wrap key: %w", err)
	}
	return &FileStore{path: path, wrapKey: wrapKey}, nil
}

func (f *FileStore) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kms: read keystore: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("kms: parse keystore: %w", err)
	}
	for i := range snap.Keys {
		sk := &snap.Keys[i]
		if sk.SealedSeed == "" {
			continue
		}
		ct, err := base64.StdEncoding.DecodeString(sk.SealedSeed)
		if err != nil {
			return nil, fmt.Errorf("kms: decode sealed seed %s: %w", sk.KID, err)
		}
		seed, err := aesGCMDecrypt(f.wrapKey, ct, []byte(sk.KID))
		if err != nil {
			return nil, fmt.Errorf("kms: unseal %s: %w", sk.KID, err)
		}
		sk.Seed = seed
		sk.SealedSeed = ""
	}
	return &snap, nil
}

func (f *FileStore) Save(_ context.Context, snap *Snapshot) error {
	out := Snapshot{ActiveKID: snap.ActiveKID, Keys: make([]StoredKey, len(snap.Keys))}
	for i, sk := range snap.Keys {
		out.Keys[i] = sk
		out.Keys[i].Seed = nil
		if len(sk.Seed) == 0 {
			continue
		}
		ct, err := aesGCMEncrypt(f.wrapKey, sk.Seed, []byte(sk.KID))
		if err != nil {
			return err
		}
		out.Keys[i].SealedSeed = base64.StdEncoding.EncodeToString(ct)
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal keystore: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("kms: create dir: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("kms: write keystore: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("kms: replace keystore: %w", err)
	}
	return nil
}

// --- AES-256-GCM helpers ---

func aesGCMEncrypt(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("kms: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

func aesGCMDecrypt(key, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("kms: ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("kms: decrypt: %w", err)
	}
	return pt, nil
}
