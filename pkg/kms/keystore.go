// Package kms owns the Ed25519 signing keys used for release payment tokens
// and compliance proofs.
//
// Keys move strictly forward through PENDING -> ACTIVE -> GRACE -> RETIRED.
// At most one key is ACTIVE; activating a key demotes the previous one to
// GRACE in the same operation. RETIRED keys have their seed wiped and can
// never sign again.
package kms

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// KeyStatus is the lifecycle state of a key.
type KeyStatus string

const (
	StatusPending KeyStatus = "PENDING"
	StatusActive  KeyStatus = "ACTIVE"
	StatusGrace   KeyStatus = "GRACE"
	StatusRetired KeyStatus = "RETIRED"
)

var (
	ErrUnknownKid           = errors.New("kms: unknown kid")
	ErrKeyRetired           = errors.New("kms: key retired")
	ErrKeyNotActive         = errors.New("kms: key not yet active")
	ErrNoActiveKey          = errors.New("kms: no active key")
	ErrInvalidKeyTransition = errors.New("kms: invalid key transition")
)

// KeyInfo is the public view of a key. It never carries secret material.
type KeyInfo struct {
	KID         string            `json:"kid"`
	PublicKey   ed25519.PublicKey `json:"-"`
	PublicHex   string            `json:"public_key"`
	Status      KeyStatus         `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	ActivatedAt *time.Time        `json:"activated_at,omitempty"`
	GraceEndsAt *time.Time        `json:"grace_ends_at,omitempty"`
	RetiredAt   *time.Time        `json:"retired_at,omitempty"`
}

// Signature is a detached Ed25519 signature and the key that produced it.
type Signature struct {
	KID string
	Sig []byte
}

type keyRecord struct {
	info KeyInfo
	seed []byte
}

type keySet struct {
	keys      map[string]*keyRecord
	order     []string
	activeKID string
}

func (s *keySet) clone() *keySet {
	out := &keySet{
		keys:      make(map[string]*keyRecord, len(s.keys)),
		order:     append([]string(nil), s.order...),
		activeKID: s.activeKID,
	}
	for kid, rec := range s.keys {
		cp := *rec
		cp.seed = append([]byte(nil), rec.seed...)
		out.keys[kid] = &cp
	}
	return out
}

// KeyStore serialises every mutation behind a single writer lock and
// persists the full key set after each change.
type KeyStore struct {
	mu        sync.Mutex
	set       *keySet
	persister Persister
	clock     func() time.Time
	logger    *slog.Logger
}

// Option configures a KeyStore.
type Option func(*KeyStore)

// WithClock overrides the time source (for testing).
func WithClock(clock func() time.Time) Option {
	return func(k *KeyStore) { k.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *KeyStore) { k.logger = l }
}

// NewKeyStore loads the persisted key set, or starts empty when none exists.
func NewKeyStore(ctx context.Context, p Persister, opts ...Option) (*KeyStore, error) {
	if p == nil {
		p = NewMemoryStore()
	}
	ks := &KeyStore{
		set:       &keySet{keys: make(map[string]*keyRecord)},
		persister: p,
		clock:     time.Now,
		logger:    slog.Default().With("component", "kms"),
	}
	for _, opt := range opts {
		opt(ks)
	}

	snap, err := p.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("kms: load keystore: %w", err)
	}
	if snap != nil {
		set, err := fromSnapshot(snap)
		if err != nil {
			return nil, err
		}
		ks.set = set
	}
	return ks, nil
}

// AddKey generates a new PENDING key.
func (k *KeyStore) AddKey(ctx context.Context) (KeyInfo, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyInfo{}, fmt.Errorf("kms: generate key: %w", err)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.clock().UTC()
	rec := &keyRecord{
		info: KeyInfo{
			KID:       deriveKID(pub),
			PublicKey: pub,
			PublicHex: hex.EncodeToString(pub),
			Status:    StatusPending,
			CreatedAt: now,
		},
		seed: priv.Seed(),
	}

	err = k.commit(ctx, func(next *keySet) error {
		next.keys[rec.info.KID] = rec
		next.order = append(next.order, rec.info.KID)
		return nil
	})
	if err != nil {
		return KeyInfo{}, err
	}
	k.logger.InfoContext(ctx, "key added", "kid", rec.info.KID)
	return rec.info, nil
}

// ActivateKey makes kid the single ACTIVE key. A previously ACTIVE key moves
// to GRACE until graceUntil. Activating the already active key is a no-op.
func (k *KeyStore) ActivateKey(ctx context.Context, kid string, graceUntil time.Time) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.clock().UTC()
	var demoted string
	err := k.commit(ctx, func(next *keySet) error {
		rec, ok := next.keys[kid]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownKid, kid)
		}
		switch rec.info.Status {
		case StatusRetired:
			return fmt.Errorf("%w: %s", ErrKeyRetired, kid)
		case StatusActive:
			return errNoChange
		case StatusGrace:
			return fmt.Errorf("%w: %s is in GRACE", ErrInvalidKeyTransition, kid)
		}

		if prev, ok := next.keys[next.activeKID]; ok && prev.info.KID != kid {
			until := graceUntil.UTC()
			prev.info.Status = StatusGrace
			prev.info.GraceEndsAt = &until
			demoted = prev.info.KID
		}
		rec.info.Status = StatusActive
		rec.info.ActivatedAt = &now
		next.activeKID = kid
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	k.logger.InfoContext(ctx, "key activated", "kid", kid, "demoted", demoted, "grace_until", graceUntil)
	return nil
}

// RetireKey retires kid, wiping its seed. Retiring a RETIRED key is a no-op.
func (k *KeyStore) RetireKey(ctx context.Context, kid string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	now := k.clock().UTC()
	err := k.commit(ctx, func(next *keySet) error {
		rec, ok := next.keys[kid]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownKid, kid)
		}
		if rec.info.Status == StatusRetired {
			return errNoChange
		}
		retire(rec, now)
		rec.info.GraceEndsAt = nil
		if next.activeKID == kid {
			next.activeKID = ""
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	if err != nil {
		return err
	}
	k.logger.InfoContext(ctx, "key retired", "kid", kid)
	return nil
}

// Sign signs payload with kid, or with the active key when kid is empty.
func (k *KeyStore) Sign(ctx context.Context, payload []byte, kid string) (Signature, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if kid == "" {
		kid = k.set.activeKID
		if kid == "" {
			return Signature{}, ErrNoActiveKey
		}
	}
	rec, ok := k.set.keys[kid]
	if !ok {
		return Signature{}, fmt.Errorf("%w: %s", ErrUnknownKid, kid)
	}
	if rec.info.Status == StatusGrace && graceElapsed(rec, k.clock()) {
		if err := k.expireGrace(ctx); err != nil {
			return Signature{}, err
		}
		rec = k.set.keys[kid]
	}
	switch rec.info.Status {
	case StatusRetired:
		return Signature{}, fmt.Errorf("%w: %s", ErrKeyRetired, kid)
	case StatusPending:
		return Signature{}, fmt.Errorf("%w: %s", ErrKeyNotActive, kid)
	}

	priv := ed25519.NewKeyFromSeed(rec.seed)
	return Signature{KID: kid, Sig: ed25519.Sign(priv, payload)}, nil
}

// PublicKeys returns the ACTIVE and GRACE keys. GRACE keys whose grace
// period has elapsed are retired as a side effect of the read.
func (k *KeyStore) PublicKeys(ctx context.Context) ([]KeyInfo, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := k.expireGrace(ctx); err != nil {
		return nil, err
	}
	out := make([]KeyInfo, 0, 2)
	for _, kid := range k.set.order {
		rec := k.set.keys[kid]
		if rec.info.Status == StatusActive || rec.info.Status == StatusGrace {
			out = append(out, rec.info)
		}
	}
	return out, nil
}

// Lookup returns the stored view of kid without side effects.
func (k *KeyStore) Lookup(kid string) (KeyInfo, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	rec, ok := k.set.keys[kid]
	if !ok {
		return KeyInfo{}, false
	}
	return rec.info, true
}

// ActiveKID returns the active key id, or "" when none is active.
func (k *KeyStore) ActiveKID() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.set.activeKID
}

// Keys lists every key in creation order.
func (k *KeyStore) Keys() []KeyInfo {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]KeyInfo, 0, len(k.set.order))
	for _, kid := range k.set.order {
		out = append(out, k.set.keys[kid].info)
	}
	return out
}

var errNoChange = errors.New("kms: no change")

// commit applies fn to a copy of the key set, persists it and swaps it in.
// On any error the in-memory set is left untouched. Callers hold k.mu.
func (k *KeyStore) commit(ctx context.Context, fn func(next *keySet) error) error {
	next := k.set.clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := k.persister.Save(ctx, toSnapshot(next)); err != nil {
		return fmt.Errorf("kms: persist keystore: %w", err)
	}
	k.set = next
	return nil
}

// expireGrace retires GRACE keys past their graceEndsAt. graceEndsAt is
// kept so verifiers can tell grace expiry from explicit retirement.
func (k *KeyStore) expireGrace(ctx context.Context) error {
	now := k.clock()
	var expired []string
	for _, kid := range k.set.order {
		rec := k.set.keys[kid]
		if rec.info.Status == StatusGrace && graceElapsed(rec, now) {
			expired = append(expired, kid)
		}
	}
	if len(expired) == 0 {
		return nil
	}
	err := k.commit(ctx, func(next *keySet) error {
		for _, kid := range expired {
			retire(next.keys[kid], now.UTC())
		}
		return nil
	})
	if err != nil {
		return err
	}
	sort.Strings(expired)
	k.logger.InfoContext(ctx, "grace period elapsed", "kids", expired)
	return nil
}

func graceElapsed(rec *keyRecord, now time.Time) bool {
	return rec.info.GraceEndsAt != nil && now.After(*rec.info.GraceEndsAt)
}

func retire(rec *keyRecord, now time.Time) {
	for i := range rec.seed {
		rec.seed[i] = 0
	}
	rec.seed = nil
	rec.info.Status = StatusRetired
	rec.info.RetiredAt = &now
}

func deriveKID(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	return "k-" + hex.EncodeToString(sum[:8])
}
