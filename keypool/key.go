// Package keypool manages the credential pool of a single provider: key
// state, quota accounting, outcome classification, and round-robin selection
// over the currently usable keys.
package keypool

import "time"

// Outcome classifies the result of one upstream call made with a key.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeAuthError   Outcome = "auth_error"
	OutcomeServerError Outcome = "server_error"
	OutcomeTimeout     Outcome = "timeout"
)

// KeySpec declares one credential at pool construction time.
type KeySpec struct {
	Secret     string
	DailyLimit int
}

// keyState is the mutable per-credential record. All fields are guarded by
// the owning Pool's mutex.
type keyState struct {
	index      int
	secret     string
	dailyLimit int

	requestCount int
	errorCount   int
	available    bool
	authInvalid  bool
	rateLimited  bool
	lastReset    time.Time

	// Lifetime stats, kept for observability only.
	totalRequests  int64
	failedRequests int64
	lastUsedAt     *time.Time
	lastErrorAt    *time.Time
	lastError      string
}

// recomputeAvailable re-evaluates the availability invariant. A key is
// selectable only while none of the disable conditions hold.
func (k *keyState) recomputeAvailable(threshold int) {
	k.available = !k.authInvalid &&
		!k.rateLimited &&
		k.errorCount < threshold &&
		k.requestCount < k.dailyLimit
}

// KeyStats is a read-only snapshot of one key's state.
type KeyStats struct {
	Index          int        `json:"index"`
	DailyLimit     int        `json:"daily_limit"`
	RequestCount   int        `json:"request_count"`
	ErrorCount     int        `json:"error_count"`
	Available      bool       `json:"available"`
	AuthInvalid    bool       `json:"auth_invalid"`
	RateLimited    bool       `json:"rate_limited"`
	LastResetDate  string     `json:"last_reset_date"`
	TotalRequests  int64      `json:"total_requests"`
	FailedRequests int64      `json:"failed_requests"`
	SuccessRate    float64    `json:"success_rate"`
	LastUsedAt     *time.Time `json:"last_used_at,omitempty"`
	LastErrorAt    *time.Time `json:"last_error_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// Stats is a read-only snapshot of a whole pool.
type Stats struct {
	Provider      string     `json:"provider"`
	TotalKeys     int        `json:"total_keys"`
	AvailableKeys int        `json:"available_keys"`
	TotalCapacity int        `json:"total_capacity"`
	UsedToday     int        `json:"used_today"`
	Keys          []KeyStats `json:"keys"`
}

// DayUTC truncates t to its UTC calendar day.
func DayUTC(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

const dayFormat = "2006-01-02"
