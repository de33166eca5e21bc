package approval

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/remit/pkg/ports"
)

// StepUp requires an MFA-verified identity authenticated within MaxAge.
type StepUp struct {
	MaxAge time.Duration
}

func (s StepUp) Check(p *ports.Profile, now time.Time) error {
	if p == nil || !p.MFA {
		return fmt.Errorf("%w: identity is not MFA-verified", ErrMFARequired)
	}
	if s.MaxAge > 0 && now.Sub(p.AuthTime) > s.MaxAge {
		return fmt.Errorf("%w: authentication older than %s", ErrMFARequired, s.MaxAge)
	}
	return nil
}
