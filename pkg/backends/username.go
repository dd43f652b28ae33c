package backends

import (
	"context"

	"github.com/waldur/waldur-site-agent/pkg/types"
)

// UsernameOutcome discriminates the result of a username generation
// attempt.
type UsernameOutcome int

const (
	// UsernameOK means a username was produced.
	UsernameOK UsernameOutcome = iota
	// UsernameNeedsLinking means the person must link an existing site
	// account before a username can exist.
	UsernameNeedsLinking
	// UsernameNeedsValidation means an out-of-band validation must
	// complete first.
	UsernameNeedsValidation
)

// UsernameResult is the sum-type outcome of GenerateUsername. Comment and
// URL accompany the pending outcomes and are surfaced to the person via
// the marketplace.
type UsernameResult struct {
	Outcome  UsernameOutcome
	Username string
	Comment  string
	URL      string
}

// UsernameManager generates and looks up backend usernames for offering
// users. GetUsername is fast and side-effect free; GenerateUsername may
// perform I/O against site directories.
type UsernameManager interface {
	GetUsername(offeringUser *types.OfferingUser) string
	GenerateUsername(ctx context.Context, offeringUser *types.OfferingUser) (UsernameResult, error)
}

// localUsernameManager derives usernames from the user's profile without
// external lookups. It is the fallback when an offering does not name a
// username management backend.
type localUsernameManager struct{}

func (localUsernameManager) GetUsername(offeringUser *types.OfferingUser) string {
	return offeringUser.Username
}

func (localUsernameManager) GenerateUsername(ctx context.Context, offeringUser *types.OfferingUser) (UsernameResult, error) {
	return UsernameResult{Outcome: UsernameOK, Username: deriveUsername(offeringUser)}, nil
}

// deriveUsername builds a lowercase local-part style username from the
// profile, falling back to the user UUID prefix when the profile is empty.
func deriveUsername(u *types.OfferingUser) string {
	base := ""
	if u.FirstName != "" && u.LastName != "" {
		base = sanitizeUsername(string(u.FirstName[0]) + u.LastName)
	} else if u.Email != "" {
		for i := 0; i < len(u.Email); i++ {
			if u.Email[i] == '@' {
				base = sanitizeUsername(u.Email[:i])
				break
			}
		}
	}
	if base == "" && len(u.UserUUID) >= 8 {
		base = "user-" + u.UserUUID[:8]
	}
	return base
}

func sanitizeUsername(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		}
	}
	return string(out)
}
