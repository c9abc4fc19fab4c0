package meter

import (
	"sync/atomic"

	"github.com/ineyio/relaycore"
)

// NoopMeter is a meter that does nothing.
type NoopMeter = relaycore.NoopMeter

// Multi fans every event out to each meter in order.
type Multi []relaycore.Meter

var _ relaycore.Meter = Multi(nil)

func (m Multi) OnSelect(e relaycore.SelectEvent) {
	for _, mm := range m {
		mm.OnSelect(e)
	}
}

func (m Multi) OnRefresh(e relaycore.RefreshEvent) {
	for _, mm := range m {
		mm.OnRefresh(e)
	}
}

func (m Multi) OnResult(e relaycore.ResultEvent) {
	for _, mm := range m {
		mm.OnResult(e)
	}
}

// Counter keeps running totals of relay events.
type Counter struct {
	requests    atomic.Int64
	success     atomic.Int64
	degraded    atomic.Int64
	noCapacity  atomic.Int64
	upstreamErr atomic.Int64
	refreshes   atomic.Int64
	stale       atomic.Int64
	refreshErr  atomic.Int64
	tokensIn    atomic.Int64
	tokensOut   atomic.Int64
}

var _ relaycore.Meter = (*Counter)(nil)

// Totals is a point-in-time copy of a Counter.
type Totals struct {
	Requests       int64 `json:"requests"`
	Success        int64 `json:"success"`
	Degraded       int64 `json:"degraded"`
	NoCapacity     int64 `json:"no_capacity"`
	UpstreamErrors int64 `json:"upstream_errors"`
	Refreshes      int64 `json:"refreshes"`
	StaleTokens    int64 `json:"stale_tokens"`
	RefreshErrors  int64 `json:"refresh_errors"`
	InputTokens    int64 `json:"input_tokens"`
	OutputTokens   int64 `json:"output_tokens"`
}

func (c *Counter) OnSelect(relaycore.SelectEvent) {}

func (c *Counter) OnRefresh(e relaycore.RefreshEvent) {
	switch e.Result {
	case relaycore.RefreshPerformed:
		c.refreshes.Add(1)
	case relaycore.RefreshStale:
		c.stale.Add(1)
	case relaycore.RefreshFailed:
		c.refreshErr.Add(1)
	}
}

func (c *Counter) OnResult(e relaycore.ResultEvent) {
	c.requests.Add(1)
	switch e.Outcome {
	case relaycore.OutcomeSuccess:
		c.success.Add(1)
	case relaycore.OutcomeDegraded:
		c.degraded.Add(1)
	case relaycore.OutcomeNoCapacity:
		c.noCapacity.Add(1)
	case relaycore.OutcomeUpstreamError:
		c.upstreamErr.Add(1)
	}
	c.tokensIn.Add(e.Usage.InputTokens)
	c.tokensOut.Add(e.Usage.OutputTokens)
}

// Totals returns the current counts.
func (c *Counter) Totals() Totals {
	return Totals{
		Requests:       c.requests.Load(),
		Success:        c.success.Load(),
		Degraded:       c.degraded.Load(),
		NoCapacity:     c.noCapacity.Load(),
		UpstreamErrors: c.upstreamErr.Load(),
		Refreshes:      c.refreshes.Load(),
		StaleTokens:    c.stale.Load(),
		RefreshErrors:  c.refreshErr.Load(),
		InputTokens:    c.tokensIn.Load(),
		OutputTokens:   c.tokensOut.Load(),
	}
}
