package audit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/remit/pkg/canonicalize"
)

func fixedClock() func() time.Time {
	t := time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestMemoryLedger_AppendChains(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger().WithClock(fixedClock())

	first, err := l.Append(ctx, Record{Actor: "alice", Action: "gate.transition", Target: "p1", Payload: map[string]string{"to": "CLOSING"}})
	require.NoError(t, err)
	second, err := l.Append(ctx, Record{Actor: "bob", Action: "owa.append", Target: "p1"})
	require.NoError(t, err)

	assert.Equal(t, canonicalize.ZeroHash, first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)
	assert.Equal(t, ComputeHash(first.PrevHash, "alice", "gate.transition", "p1", first.PayloadHash), first.Hash)
	assert.Equal(t, `{}`, string(second.Payload))
	require.NoError(t, l.VerifyChain(ctx))
}

func TestMemoryLedger_RejectsIncompleteRecord(t *testing.T) {
	_, err := NewMemoryLedger().Append(context.Background(), Record{Action: "x"})
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestMemoryLedger_Entries_Filter(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	for i := 0; i < 5; i++ {
		target := "a"
		if i%2 == 1 {
			target = "b"
		}
		_, err := l.Append(ctx, Record{Actor: "sys", Action: "tick", Target: target})
		require.NoError(t, err)
	}

	got, err := l.Entries(ctx, Filter{Target: "a"})
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = l.Entries(ctx, Filter{AfterID: 3, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(4), got[0].ID)
}

func TestVerify_DetectsPayloadTampering(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, Record{Actor: "sys", Action: "tick", Payload: map[string]int{"i": i}})
		require.NoError(t, err)
	}
	l.entries[1].Payload = []byte(`{"i":99}`)

	err := l.VerifyChain(ctx)
	var ce *ChainError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, 1, ce.Index)
	assert.ErrorIs(t, err, ErrChainBroken)
}

func TestVerify_DetectsBrokenLink(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLedger()
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, Record{Actor: "sys", Action: "tick"})
		require.NoError(t, err)
	}
	l.entries[2].PrevHash = canonicalize.ZeroHash

	var ce *ChainError
	require.True(t, errors.As(l.VerifyChain(ctx), &ce))
	assert.Equal(t, 2, ce.Index)
}

func TestAuditChainIntegrity_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("appends link and corruption fails at its index", prop.ForAll(
		func(actions []string, pick int) bool {
			ctx := context.Background()
			l := NewMemoryLedger()
			for i, a := range actions {
				if _, err := l.Append(ctx, Record{Actor: fmt.Sprintf("u%d", i), Action: "act-" + a, Payload: a}); err != nil {
					return false
				}
			}
			entries, _ := l.Entries(ctx, Filter{})
			for i := 1; i < len(entries); i++ {
				if entries[i].PrevHash != entries[i-1].Hash {
					return false
				}
			}
			if l.VerifyChain(ctx) != nil {
				return false
			}

			idx := pick % len(actions)
			l.entries[idx].Hash = canonicalize.HashBytes([]byte("tampered"))
			var ce *ChainError
			if !errors.As(l.VerifyChain(ctx), &ce) {
				return false
			}
			return ce.Index == idx
		},
		gen.SliceOfN(12, gen.AlphaString()).SuchThat(func(v []string) bool { return len(v) > 0 }),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
