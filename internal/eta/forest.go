package eta

import "sort"

// forest is a small bagged ensemble of regression stumps. Each tree is a
// depth-1 split fitted on a bootstrap resample; the ensemble prediction is the
// mean of the per-tree outputs and the uncertainty range is their 10th/90th
// percentile, mirroring what a full random forest reports.
type forest struct {
	trees      []stump
	featGains  []float64
	totalGain  float64
}

type stump struct {
	feature   int
	threshold float64
	leftMean  float64
	rightMean float64
	gain      float64
}

const forestSize = 50

// trainForest fits the ensemble. A deterministic LCG drives the bootstrap so
// training is reproducible.
func trainForest(X [][]float64, y []float64) *forest {
	n := len(X)
	nFeatures := len(X[0])
	f := &forest{featGains: make([]float64, nFeatures)}

	seed := uint64(len(X)*2654435761 + 1013904223)
	next := func() uint64 {
		seed = seed*6364136223846793005 + 1442695040888963407
		return seed >> 33
	}

	for t := 0; t < forestSize; t++ {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = int(next() % uint64(n))
		}
		s := fitStump(X, y, idx, nFeatures)
		f.trees = append(f.trees, s)
		f.featGains[s.feature] += s.gain
		f.totalGain += s.gain
	}
	return f
}

// fitStump finds the single split minimizing weighted variance over the sample.
func fitStump(X [][]float64, y []float64, idx []int, nFeatures int) stump {
	best := stump{feature: 0, threshold: 0}
	bestScore := -1.0

	baseVar := variance(y, idx)

	for feat := 0; feat < nFeatures; feat++ {
		vals := make([]float64, len(idx))
		for i, j := range idx {
			vals[i] = X[j][feat]
		}
		sorted := make([]float64, len(vals))
		copy(sorted, vals)
		sort.Float64s(sorted)

		// Candidate thresholds at quartiles keep fitting cheap.
		for _, q := range []float64{0.25, 0.5, 0.75} {
			thr := sorted[int(float64(len(sorted)-1)*q)]
			var sumL, sumR float64
			var nL, nR int
			for i, j := range idx {
				if vals[i] <= thr {
					sumL += y[j]
					nL++
				} else {
					sumR += y[j]
					nR++
				}
			}
			if nL == 0 || nR == 0 {
				continue
			}
			meanL := sumL / float64(nL)
			meanR := sumR / float64(nR)
			var splitVar float64
			for i, j := range idx {
				d := y[j] - meanR
				if vals[i] <= thr {
					d = y[j] - meanL
				}
				splitVar += d * d
			}
			splitVar /= float64(len(idx))
			gain := baseVar - splitVar
			if gain > bestScore {
				bestScore = gain
				best = stump{feature: feat, threshold: thr, leftMean: meanL, rightMean: meanR, gain: gain}
			}
		}
	}

	if bestScore < 0 {
		// No useful split; predict the sample mean on both sides.
		m := mean(y, idx)
		best = stump{leftMean: m, rightMean: m}
	}
	return best
}

// predict returns the ensemble mean and the p10/p90 of per-tree predictions.
func (f *forest) predict(vec []float64) (meanOut, p10, p90 float64) {
	preds := make([]float64, len(f.trees))
	var sum float64
	for i, t := range f.trees {
		v := t.rightMean
		if vec[t.feature] <= t.threshold {
			v = t.leftMean
		}
		preds[i] = v
		sum += v
	}
	sort.Float64s(preds)
	n := len(preds)
	return sum / float64(n), preds[n/10], preds[n*9/10]
}

// importance normalizes per-feature split gains to sum to 1.
func (f *forest) importance() map[string]float64 {
	out := make(map[string]float64, len(featureNames))
	for i, name := range featureNames {
		if f.totalGain > 0 && i < len(f.featGains) {
			out[name] = f.featGains[i] / f.totalGain
		} else {
			out[name] = 0
		}
	}
	return out
}

func mean(y []float64, idx []int) float64 {
	var sum float64
	for _, j := range idx {
		sum += y[j]
	}
	return sum / float64(len(idx))
}

func variance(y []float64, idx []int) float64 {
	m := mean(y, idx)
	var sum float64
	for _, j := range idx {
		d := y[j] - m
		sum += d * d
	}
	return sum / float64(len(idx))
}
