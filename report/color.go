package report

import (
	"math"
	"sort"
)

// ColorCode is the four-way confidence classification used for the
// updated-alignment YC tag, carried over from the source tool's Dark2
// palette (vermilion/yellow/teal, plus a neutral gray for non-primary
// alignments).
type ColorCode int

const (
	ColorHighConfidence ColorCode = iota
	ColorLowConfidence
	ColorAmbiguous
	ColorNeutral
)

// RGB returns the tag's BAM-conventional "R,G,B" YC value.
func (c ColorCode) RGB() string {
	switch c {
	case ColorHighConfidence:
		return "213,94,0" // vermilion
	case ColorLowConfidence:
		return "240,228,66" // yellow
	case ColorAmbiguous:
		return "0,158,115" // teal
	default:
		return "153,153,153" // neutral gray
	}
}

// LocusCall is one surviving locus (X̂[i,j] >= min_prob) for a fragment,
// in the updated-alignment stream.
type LocusCall struct {
	Col       int
	Locus     string
	Prob      float64
	Primary   bool
	MapQ      int
	Percent   int // probability as an integer percent, for the XP tag
	Color     ColorCode
	Secondary bool
}

// Phred converts a posterior probability to a Phred-scaled mapping
// quality, -10*log10(1-p), capped at maxMapQ and floored at 0, per §4.E.
func Phred(p float64, maxMapQ int) int {
	if p >= 1 {
		return maxMapQ
	}
	if p <= 0 {
		return 0
	}
	mq := -10 * math.Log10(1-p)
	if mq < 0 {
		mq = 0
	}
	rounded := int(mq + 0.5)
	if rounded > maxMapQ {
		return maxMapQ
	}
	return rounded
}

// Classify resolves one fragment's X̂ row (cols/vals as returned by
// scoremat.Matrix.Row) into the set of LocusCalls §4.E describes: loci with
// probability >= minProb, sorted by probability descending (ties broken by
// ascending column for determinism), with the top call marked primary and
// given a Phred-scaled mapping quality and a confidence color. Every other
// call -- a secondary alignment of the primary locus, or any alignment of a
// non-primary locus -- is emitted with mapping quality 0, a zero
// probability tag, the secondary flag set, and ColorNeutral.
func Classify(cols []int, vals []float64, locusNames []string, minProb, confProb float64, maxMapQ int) []LocusCall {
	type surviving struct {
		col  int
		prob float64
	}
	var surv []surviving
	for k, c := range cols {
		if vals[k] >= minProb {
			surv = append(surv, surviving{c, vals[k]})
		}
	}
	sort.SliceStable(surv, func(a, b int) bool {
		if surv[a].prob != surv[b].prob {
			return surv[a].prob > surv[b].prob
		}
		return surv[a].col < surv[b].col
	})

	calls := make([]LocusCall, len(surv))
	for i, s := range surv {
		calls[i] = LocusCall{
			Col:       s.col,
			Locus:     locusNames[s.col],
			Prob:      s.prob,
			Secondary: true,
			Color:     ColorNeutral,
		}
	}
	if len(calls) == 0 {
		return calls
	}
	calls[0].Primary = true
	calls[0].Secondary = false
	calls[0].MapQ = Phred(calls[0].Prob, maxMapQ)
	calls[0].Percent = int(calls[0].Prob*100 + 0.5)
	switch {
	case len(calls) == 1 && calls[0].Prob >= confProb:
		calls[0].Color = ColorHighConfidence
	case len(calls) == 1:
		calls[0].Color = ColorLowConfidence
	default:
		calls[0].Color = ColorAmbiguous
	}
	return calls
}
