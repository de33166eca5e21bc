package rpt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestRoundTrip_Property(t *testing.T) {
	ks, clk := setup(t)
	iss := NewIssuer(ks, time.Hour).WithClock(clk.Now)
	v := NewVerifier(ks, 0)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	mutators := []func(*Payload){
		func(p *Payload) { p.AmountCents++ },
		func(p *Payload) { p.EntityID += "0" },
		func(p *Payload) { p.PeriodID += "x" },
		func(p *Payload) { p.MerkleRoot += "f" },
		func(p *Payload) { p.RunningBalanceHash += "e" },
		func(p *Payload) { p.RailID += "X" },
		func(p *Payload) { p.Reference += "-1" },
		func(p *Payload) { p.Nonce += "aa" },
		func(p *Payload) { p.ExpiryTS++ },
		func(p *Payload) { p.Thresholds.EpsilonCents++ },
		func(p *Payload) { p.AnomalyVector = map[string]float64{"variance_ratio": 9} },
		func(p *Payload) { p.RatesVersion = "9.9.9" },
	}

	properties.Property("issued tokens verify and any field mutation breaks them", prop.ForAll(
		func(amount int64, reference string, eps int64, which int) bool {
			p := samplePayload()
			p.AmountCents = amount
			p.Reference = "R" + reference
			p.Thresholds.EpsilonCents = eps

			tok, err := iss.Issue(context.Background(), p)
			if err != nil {
				return false
			}
			if res, err := v.Verify(tok.Payload, tok.Signature, clk.now); err != nil || !res.Valid {
				return false
			}

			mutated := tok.Payload
			mutators[which%len(mutators)](&mutated)
			_, err = v.Verify(mutated, tok.Signature, clk.now)
			return errors.Is(err, ErrInvalidSignature)
		},
		gen.Int64Range(1, 1_000_000_000),
		gen.AlphaString(),
		gen.Int64Range(0, 10_000),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
