package rules

import (
	"context"
	"net/http"

	"github.com/mira-oakes/throttlegate"
	"github.com/mira-oakes/throttlegate/storage"
)

// Track observes a fingerprint without ever blocking. If constructed with
// Parameterize, it also peeks at a Limiter's count for that fingerprint
// without consuming a unit; otherwise it only records that the
// fingerprint was seen.
type Track struct {
	name      string
	extractor Extractor

	limit     LimitFunc
	period    PeriodFunc
	algorithm throttlegate.Algorithm
	store     storage.Store
}

// NewTrack constructs an unparameterized Track rule that only records
// fingerprints.
func NewTrack(name string, extractor Extractor) *Track {
	return &Track{name: name, extractor: extractor}
}

// Parameterize attaches a limit/period/algorithm/store to the Track so it
// also peeks at usage counts per fingerprint, without consuming.
func (t *Track) Parameterize(limit LimitFunc, period PeriodFunc, algorithm throttlegate.Algorithm, store storage.Store) *Track {
	t.limit = limit
	t.period = period
	t.algorithm = algorithm
	t.store = store
	return t
}

func (t *Track) Name() string { return t.name }

// Matches never returns true: Track is side-effect only.
func (t *Track) Matches(ctx context.Context, r *http.Request) (bool, error) {
	fp := t.extractor(r)
	if fp == "" {
		return false, nil
	}

	data := map[string]interface{}{"discriminator": fp}

	if t.store != nil {
		limit := t.limit(r)
		period := t.period(r)
		key := t.name + ":" + fp

		limiter, err := throttlegate.New(key, limit, period, t.algorithm, t.store)
		if err != nil {
			return false, err
		}
		remaining, err := limiter.Remaining(ctx)
		if err != nil {
			return false, err
		}
		count := limit - remaining
		if count < 0 {
			count = 0
		}
		data["count"] = count
		data["limit"] = limit
		data["period"] = period
	}

	annotateTrack(ctx, t.name, fp, data)
	return false, nil
}
