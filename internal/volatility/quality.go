package volatility

import (
	"time"

	"github.com/Aidin1998/pincex_risk/pkg/models"
)

const (
	gapPenalty        = 0.05
	maxGapPenalty     = 0.25
	volumeGapPenalty  = 0.02
	maxVolumePenalty  = 0.10
	outlierPenalty    = 0.10
	maxOutlierPenalty = 0.30
)

type qualityStats struct {
	gaps       int
	volumeGaps int
	outliers   int
}

// qualityScore rates the bar history in [0,1]. The base is the fraction of
// requested bars actually served; timestamp gaps, zero-volume bars and
// outlier ranges subtract capped penalties. Outliers penalize the score but
// never reject the computation.
func qualityScore(bars []models.PriceBar, trs []float64, requested int, outlierMultiple float64) (float64, qualityStats) {
	var stats qualityStats

	score := float64(len(bars)) / float64(requested)
	if score > 1 {
		score = 1
	}

	if interval := inferInterval(bars); interval > 0 {
		for i := 1; i < len(bars); i++ {
			if bars[i].Timestamp.Sub(bars[i-1].Timestamp) > interval+interval/2 {
				stats.gaps++
			}
		}
	}
	score -= capped(float64(stats.gaps)*gapPenalty, maxGapPenalty)

	for _, bar := range bars {
		if bar.Volume.IsZero() {
			stats.volumeGaps++
		}
	}
	score -= capped(float64(stats.volumeGaps)*volumeGapPenalty, maxVolumePenalty)

	if outlierMultiple > 0 {
		var runningSum float64
		for i, tr := range trs {
			if i > 0 {
				avg := runningSum / float64(i)
				if avg > 0 && tr > outlierMultiple*avg {
					stats.outliers++
				}
			}
			runningSum += tr
		}
	}
	score -= capped(float64(stats.outliers)*outlierPenalty, maxOutlierPenalty)

	return clamp01(score), stats
}

// inferInterval takes the smallest positive spacing as the bar cadence
func inferInterval(bars []models.PriceBar) time.Duration {
	var interval time.Duration
	for i := 1; i < len(bars); i++ {
		d := bars[i].Timestamp.Sub(bars[i-1].Timestamp)
		if d <= 0 {
			continue
		}
		if interval == 0 || d < interval {
			interval = d
		}
	}
	return interval
}

func capped(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	return v
}
