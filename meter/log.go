package meter

import (
	"log/slog"

	"github.com/ineyio/relaycore"
)

// LogMeter logs scheduling, refresh and relay events using slog.
type LogMeter struct {
	Logger *slog.Logger
}

var _ relaycore.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter with the given logger.
// If logger is nil, slog.Default() is used.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{Logger: logger}
}

func (m *LogMeter) OnSelect(e relaycore.SelectEvent) {
	if e.Outcome == relaycore.OutcomeNoCapacity {
		m.Logger.Warn("select_no_capacity", "caller", e.Caller)
		return
	}
	m.Logger.Debug("select",
		"caller", e.Caller,
		"account", e.AccountID,
		"outcome", string(e.Outcome),
		"sticky", e.Sticky,
		"dedicated", e.Dedicated,
	)
}

func (m *LogMeter) OnRefresh(e relaycore.RefreshEvent) {
	switch e.Result {
	case relaycore.RefreshFailed:
		m.Logger.Error("refresh_error",
			"account", e.AccountID,
			"platform", e.Platform,
			"duration_ms", e.Duration.Milliseconds(),
			"error", e.Error,
		)
	case relaycore.RefreshStale:
		m.Logger.Warn("refresh_stale",
			"account", e.AccountID,
			"platform", e.Platform,
			"duration_ms", e.Duration.Milliseconds(),
		)
	default:
		m.Logger.Info("refresh",
			"account", e.AccountID,
			"platform", e.Platform,
			"result", string(e.Result),
			"duration_ms", e.Duration.Milliseconds(),
		)
	}
}

func (m *LogMeter) OnResult(e relaycore.ResultEvent) {
	if e.Error == nil {
		m.Logger.Info("result",
			"request_id", e.RequestID,
			"caller", e.Caller,
			"account", e.AccountID,
			"outcome", string(e.Outcome),
			"status", e.StatusCode,
			"attempts", e.Attempts,
			"stream", e.Streamed,
			"duration_ms", e.Duration.Milliseconds(),
			"model", e.Usage.Model,
			"input_tokens", e.Usage.InputTokens,
			"output_tokens", e.Usage.OutputTokens,
			"cache_read_tokens", e.Usage.CacheReadInputTokens,
			"cache_creation_tokens", e.Usage.CacheCreationInputTokens,
		)
	} else {
		m.Logger.Warn("result_error",
			"request_id", e.RequestID,
			"caller", e.Caller,
			"account", e.AccountID,
			"outcome", string(e.Outcome),
			"status", e.StatusCode,
			"attempts", e.Attempts,
			"duration_ms", e.Duration.Milliseconds(),
			"output_tokens", e.Usage.OutputTokens,
			"error", e.Error,
		)
	}
}
