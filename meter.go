package relaycore

import "time"

// Meter observes scheduling, refresh and relay events for monitoring/logging.
type Meter interface {
	// OnSelect is called when the scheduler picks an account.
	OnSelect(event SelectEvent)

	// OnRefresh is called when a token refresh path completes.
	OnRefresh(event RefreshEvent)

	// OnResult is called when a relayed request finishes.
	OnResult(event ResultEvent)
}

// SelectEvent describes a scheduling decision.
type SelectEvent struct {
	Caller    string
	AccountID string
	Outcome   Outcome
	Sticky    bool
	Dedicated bool
}

// RefreshResult names the path a token request took.
type RefreshResult string

const (
	RefreshPerformed RefreshResult = "refreshed"
	RefreshObserved  RefreshResult = "observed"
	RefreshStale     RefreshResult = "stale"
	RefreshFailed    RefreshResult = "failed"
)

// RefreshEvent describes a completed token refresh path.
type RefreshEvent struct {
	AccountID string
	Platform  string
	Result    RefreshResult
	Duration  time.Duration
	Error     error
}

// ResultEvent describes the outcome of a relayed request.
type ResultEvent struct {
	RequestID  string
	Caller     string
	AccountID  string
	Outcome    Outcome
	StatusCode int
	Attempts   int
	Streamed   bool
	Duration   time.Duration
	Usage      Usage
	Error      error
}

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

func (NoopMeter) OnSelect(SelectEvent)   {}
func (NoopMeter) OnRefresh(RefreshEvent) {}
func (NoopMeter) OnResult(ResultEvent)   {}
