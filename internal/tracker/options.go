package tracker

import (
	"time"

	"llm_flow/internal/billing"
	"llm_flow/internal/logging"
	"llm_flow/internal/providers"
	"llm_flow/internal/utils"
)

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now for event timestamps and request ids.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithRegistry sets the processor registry used at flush time.
func WithRegistry(r *providers.Registry) Option {
	return func(t *Tracker) { t.registry = r }
}

// WithDefaultTransport sets the transport used when Flush gets nil.
func WithDefaultTransport(tr logging.Transport) Option {
	return func(t *Tracker) { t.transport = tr }
}

// WithSpend records each priced request against its session.
func WithSpend(s billing.SpendRecorder) Option {
	return func(t *Tracker) { t.spend = s }
}

func WithLogger(l *utils.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// WithUserID is reported as meta.userId by the default registry. It has no
// effect together with WithRegistry.
func WithUserID(id string) Option {
	return func(t *Tracker) { t.userID = id }
}

// WithDataDir sets the directory of the default JSONL transport.
func WithDataDir(dir string) Option {
	return func(t *Tracker) { t.dataDir = dir }
}
