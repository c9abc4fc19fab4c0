package relaycore

import "time"

// CallerContext describes what a caller needs from the pool.
type CallerContext struct {
	// Caller names the authenticated client, for logging.
	Caller string

	// DedicatedAccountID binds the caller to one account when set.
	DedicatedAccountID string

	// Fingerprint identifies a sticky session. Empty disables affinity.
	Fingerprint string

	// Capability is the tag every candidate account must carry.
	Capability Capability
}

// Outcome classifies how a request was served.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeDegraded      Outcome = "degraded-rate-limited"
	OutcomeNoCapacity    Outcome = "no-capacity"
	OutcomeUpstreamError Outcome = "upstream-error"
)

// Usage is the per-request usage snapshot extracted from an upstream
// response.
type Usage struct {
	InputTokens              int64  `json:"input_tokens"`
	OutputTokens             int64  `json:"output_tokens"`
	CacheCreationInputTokens int64  `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64  `json:"cache_read_input_tokens"`
	Model                    string `json:"model,omitempty"`
	StopReason               string `json:"stop_reason,omitempty"`

	// Terminal is set once the upstream's end-of-message event was seen.
	Terminal bool `json:"terminal"`

	// Error is the error event embedded in the stream, if any.
	Error *UpstreamError `json:"error,omitempty"`

	DecodeErrors int   `json:"decode_errors,omitempty"`
	Bytes        int64 `json:"bytes"`
}

// TotalTokens returns all counted tokens.
func (u Usage) TotalTokens() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// UpstreamError is an error signal reported by the upstream in-band.
type UpstreamError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Token is a decrypted upstream access token.
type Token struct {
	Value     string
	ExpiresAt time.Time

	// Stale is set when the token was served past its refresh point
	// because a concurrent refresh did not finish within the wait bound.
	Stale bool
}

// TokenSet is what the identity provider returns for a refresh grant.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
}
