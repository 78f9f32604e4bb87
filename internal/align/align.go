package align

import (
	"sort"

	"github.com/helix-bio/recalibra/internal/api"
)

// Result holds the aligned pairs plus a tally of observations that had no
// eligible prediction. Skipped observations are not an error; they are
// reported so operators can see coverage gaps.
type Result struct {
	Pairs   []api.MatchedPair `json:"pairs"`
	Skipped int               `json:"skipped"`
}

// Align joins predictions and observations into matched pairs.
//
// For every observation it selects the latest prediction for the same entity
// with produced_at ≤ observed_at. A prediction created after the observation
// never pairs with it (no forward extrapolation). Observations with no
// eligible prediction are dropped and counted in Skipped.
//
// Output is ordered ascending by observation timestamp with entity_id as the
// tiebreak. This ordering is load-bearing: time bucketing and baseline/recent
// window splits both assume it. Duplicate timestamps for one entity are kept
// as distinct pairs (replicate wells are legitimate).
//
// Predictions are expected to be scoped to a single model; the repository
// fetch is keyed by model_id, so cross-model pairing cannot happen here.
//
// Pure function over its inputs; callers own fetching the records.
func Align(predictions []api.PredictionRecord, observations []api.ObservationRecord) Result {
	byEntity := make(map[string][]api.PredictionRecord, len(predictions))
	for _, p := range predictions {
		byEntity[p.EntityID] = append(byEntity[p.EntityID], p)
	}

	// Sort each entity's predictions by produced_at so the latest eligible
	// one is found with a single backward scan per observation.
	for _, preds := range byEntity {
		sort.Slice(preds, func(i, j int) bool {
			return preds[i].ProducedAt.Before(preds[j].ProducedAt)
		})
	}

	res := Result{Pairs: make([]api.MatchedPair, 0, len(observations))}

	for _, obs := range observations {
		preds := byEntity[obs.EntityID]
		matched := false

		for i := len(preds) - 1; i >= 0; i-- {
			if preds[i].ProducedAt.After(obs.ObservedAt) {
				continue
			}
			res.Pairs = append(res.Pairs, makePair(preds[i], obs))
			matched = true
			break
		}

		if !matched {
			res.Skipped++
		}
	}

	sort.SliceStable(res.Pairs, func(i, j int) bool {
		a, b := res.Pairs[i], res.Pairs[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.EntityID < b.EntityID
	})

	return res
}

// makePair merges context from both records; observation keys win on conflict.
func makePair(pred api.PredictionRecord, obs api.ObservationRecord) api.MatchedPair {
	var ctx map[string]string
	if len(pred.Context) > 0 || len(obs.Context) > 0 {
		ctx = make(map[string]string, len(pred.Context)+len(obs.Context))
		for k, v := range pred.Context {
			ctx[k] = v
		}
		for k, v := range obs.Context {
			ctx[k] = v
		}
	}

	return api.MatchedPair{
		EntityID:  obs.EntityID,
		Predicted: pred.Predicted,
		Observed:  obs.Observed,
		Context:   ctx,
		Timestamp: obs.ObservedAt,
	}
}
