package tokenstore

import "time"

// Record is the persisted credential set. Either all three fields are set or
// the session is logged out.
type Record struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Complete reports whether every field is present.
func (r Record) Complete() bool {
	return r.AccessToken != "" && r.RefreshToken != "" && !r.ExpiresAt.IsZero()
}

// ExpiresWithin reports whether the access token expires before now+margin.
func (r Record) ExpiresWithin(now time.Time, margin time.Duration) bool {
	return now.After(r.ExpiresAt.Add(-margin))
}
