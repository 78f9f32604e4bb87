// Package accuracy computes point-accuracy statistics (RMSE, MAE, R²) over
// matched prediction/observation pairs, flat or bucketed by calendar time.
package accuracy

import (
	"fmt"
	"math"
	"time"

	"github.com/helix-bio/recalibra/internal/api"
)

// MinSamples is the smallest pair count with a defined R². Below it, Compute
// returns an InsufficientDataError rather than a misleading zero.
const MinSamples = 2

// InsufficientDataError reports that a pair set is too small for a
// statistically meaningful answer. It is a typed absence: callers must treat
// it as "no verdict possible", never as zero error.
type InsufficientDataError struct {
	N   int
	Min int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %d pairs, need at least %d", e.N, e.Min)
}

// Compute returns the accuracy snapshot for a pair set.
//
// rmse = sqrt(mean((predicted-observed)²)), mae = mean(|predicted-observed|),
// r² = 1 - SS_res/SS_tot. When SS_tot is zero (all observed values identical)
// r² is 0 if SS_res is also zero, and nil (undefined) otherwise; the nil
// sentinel is the documented convention, there is no divide-by-zero path.
func Compute(pairs []api.MatchedPair) (api.AccuracySnapshot, error) {
	n := len(pairs)
	if n < MinSamples {
		return api.AccuracySnapshot{N: n}, &InsufficientDataError{N: n, Min: MinSamples}
	}

	var sumSq, sumAbs, sumObs float64
	for _, p := range pairs {
		r := p.Predicted - p.Observed
		sumSq += r * r
		sumAbs += math.Abs(r)
		sumObs += p.Observed
	}

	meanObs := sumObs / float64(n)
	var ssTot float64
	for _, p := range pairs {
		d := p.Observed - meanObs
		ssTot += d * d
	}

	snap := api.AccuracySnapshot{
		RMSE: math.Sqrt(sumSq / float64(n)),
		MAE:  sumAbs / float64(n),
		N:    n,
	}

	ssRes := sumSq
	switch {
	case ssTot > 0:
		r2 := 1 - ssRes/ssTot
		snap.RSquared = &r2
	case ssRes == 0:
		// Perfect predictions of a constant target: 0 by convention.
		zero := 0.0
		snap.RSquared = &zero
	default:
		// Zero-variance target with nonzero residuals: R² undefined.
		snap.RSquared = nil
	}

	return snap, nil
}

// ComputeTimeseries partitions pairs into contiguous calendar buckets and
// computes a snapshot per non-empty bucket. Pairs must already be ordered by
// timestamp (the aligner's output contract). Buckets with fewer than two
// pairs are omitted, not zero-filled, so the label slice stays 1:1 with the
// metric slices.
func ComputeTimeseries(pairs []api.MatchedPair, bucket api.BucketSize) (api.MetricsTimeseries, error) {
	ts := api.MetricsTimeseries{
		Buckets:  []string{},
		RMSE:     []float64{},
		MAE:      []float64{},
		RSquared: []*float64{},
		N:        []int{},
	}

	switch bucket {
	case api.BucketDay, api.BucketWeek, api.BucketMonth:
	default:
		return ts, fmt.Errorf("invalid bucket size %q: must be day, week, or month", bucket)
	}

	var (
		current      time.Time
		currentPairs []api.MatchedPair
		started      bool
	)

	flush := func() {
		snap, err := Compute(currentPairs)
		if err != nil {
			return // under-filled bucket, omitted
		}
		ts.Buckets = append(ts.Buckets, current.Format(time.RFC3339))
		ts.RMSE = append(ts.RMSE, snap.RMSE)
		ts.MAE = append(ts.MAE, snap.MAE)
		ts.RSquared = append(ts.RSquared, snap.RSquared)
		ts.N = append(ts.N, snap.N)
	}

	for _, p := range pairs {
		b := bucketStart(p.Timestamp, bucket)
		if !started {
			current, started = b, true
		} else if !b.Equal(current) {
			flush()
			current = b
			currentPairs = currentPairs[:0]
		}
		currentPairs = append(currentPairs, p)
	}
	if started {
		flush()
	}

	return ts, nil
}

// bucketStart truncates a timestamp to its calendar bucket boundary in UTC.
// Weeks start on Monday.
func bucketStart(t time.Time, bucket api.BucketSize) time.Time {
	t = t.UTC()
	switch bucket {
	case api.BucketDay:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case api.BucketWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
		return day.AddDate(0, 0, -offset)
	default: // month
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
}
