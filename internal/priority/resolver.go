package priority

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"stock-job-scheduler/internal/models"
)

// Tiers maps an enqueue reason onto its base priority (lower = sooner).
// The mapping is deployment configuration, not code.
type Tiers struct {
	Reasons map[string]int `yaml:"reasons"`
	// Default applies to reasons absent from the table.
	Default int `yaml:"default"`
}

// DefaultTiers mirrors the production dashboard's tiering.
func DefaultTiers() Tiers {
	return Tiers{
		Reasons: map[string]int{
			models.ReasonUserLogin:          1,
			models.ReasonUserRequest:        3,
			models.ReasonScheduledUpdate:    5,
			models.ReasonBackgroundAnalysis: 8,
		},
		Default: 10,
	}
}

// LoadTiers reads a tier table from a YAML file. Missing fields fall back
// to the defaults.
func LoadTiers(path string) (Tiers, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Tiers{}, fmt.Errorf("read tiers file: %w", err)
	}
	tiers := DefaultTiers()
	if err := yaml.Unmarshal(data, &tiers); err != nil {
		return Tiers{}, fmt.Errorf("parse tiers file: %w", err)
	}
	if tiers.Reasons == nil {
		tiers.Reasons = DefaultTiers().Reasons
	}
	return tiers, nil
}

// StalenessSource reports when data for a (user, symbol) pair was last
// fetched. The store satisfies this.
type StalenessSource interface {
	LastDataFetch(ctx context.Context, userID int64, symbol string) (time.Time, bool, error)
}

// Resolver computes the integer priority written at enqueue time. Ties
// within a tier are broken by biasing stale pairs more urgent, capped so a
// background job can never outrank a whole tier band.
type Resolver struct {
	tiers     Tiers
	staleness StalenessSource
	biasStep  time.Duration
	biasMax   int
	now       func() time.Time
}

// Option tunes a Resolver.
type Option func(*Resolver)

// WithStaleness attaches the per-(user, symbol) staleness signal.
func WithStaleness(src StalenessSource, step time.Duration, max int) Option {
	return func(r *Resolver) {
		r.staleness = src
		r.biasStep = step
		r.biasMax = max
	}
}

func withClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// New builds a Resolver around an injected tier table.
func New(tiers Tiers, opts ...Option) *Resolver {
	r := &Resolver{
		tiers:    tiers,
		biasStep: 6 * time.Hour,
		biasMax:  2,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve maps (reason, user, symbol) to a priority. Unknown reasons get
// the default tier. When both a user and symbol are present, the priority
// is lowered by one per biasStep since the last fetch, up to biasMax, and
// never below zero.
func (r *Resolver) Resolve(ctx context.Context, reason string, userID *int64, symbol *string) (int, error) {
	tier, ok := r.tiers.Reasons[reason]
	if !ok {
		tier = r.tiers.Default
	}

	if r.staleness == nil || userID == nil || symbol == nil {
		return tier, nil
	}

	last, known, err := r.staleness.LastDataFetch(ctx, *userID, *symbol)
	if err != nil {
		return 0, fmt.Errorf("resolve staleness: %w", err)
	}
	if !known {
		// Never fetched: treat as maximally stale.
		return clamp(tier - r.biasMax), nil
	}

	elapsed := r.now().Sub(last)
	bias := int(elapsed / r.biasStep)
	if bias > r.biasMax {
		bias = r.biasMax
	}
	if bias < 0 {
		bias = 0
	}
	return clamp(tier - bias), nil
}

func clamp(p int) int {
	if p < 0 {
		return 0
	}
	return p
}
