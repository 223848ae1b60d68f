// Package expectmax implements the weighted EM reassignment engine
// (component 4.D): given a sparse fragment-by-locus score matrix and a
// uniqueness flag per fragment, it jointly estimates a mixture proportion
// over loci (π) and a reassignment propensity (θ), producing per-fragment
// posterior probabilities (X̂).
package expectmax

import (
	"errors"
	"math"

	"github.com/bio-telescope/telescope/scoremat"
)

// ErrEmptyModel is returned by Setup when the score matrix has no rows, no
// columns, or every score is zero (max(S) == 0), per §4.D's fail-fast
// contract.
var ErrEmptyModel = errors.New("expectmax: empty model")

// ErrNumericalFailure is returned when an EM iteration produces a
// non-finite intermediate value (NaN or Inf). This is always fatal; there
// is no recovery path within the core.
var ErrNumericalFailure = errors.New("expectmax: numerical failure")

// Model is the EM engine's immutable setup state: the rescaled likelihood
// matrix Q and the per-row/per-column quantities derived from it once, at
// construction, from the raw score matrix S and the uniqueness vector Y.
//
// Q, weights, uTotal, nuTotal, pisum0, piPrior and thetaPrior never change
// once Setup returns; only π, θ and X̂ evolve across iterations (owned by
// Run, not Model).
type Model struct {
	Q          *scoremat.Matrix
	Y          []bool
	R, T       int
	weights    []float64 // per-row max of Q
	uTotal     float64   // sum of weights where Y[i] is true
	nuTotal    float64   // sum of weights where Y[i] is false
	pisum0     []float64 // per-column sum of Q[i,j] over unique rows
	piPrior    float64   // piPrior (integer pseudocount) * max(weights)
	thetaPrior float64   // thetaPrior (integer pseudocount) * max(weights)
}

// Setup builds a Model from the raw score matrix S (triplets emitted by the
// fragment package: alignment_score + query_length per surviving pair) and
// the per-row uniqueness vector Y (Y[i] true when fragment i has exactly
// one candidate locus). piPrior and thetaPrior are the caller-supplied
// integer pseudocounts from §6's Opts.
func Setup(s *scoremat.Matrix, y []bool, piPrior, thetaPrior int) (*Model, error) {
	r, t := s.Rows(), s.Cols()
	if r == 0 || t == 0 {
		return nil, ErrEmptyModel
	}
	if len(y) != r {
		return nil, errors.New("expectmax: Y length must equal S row count")
	}
	maxS, ok := s.Max()
	if !ok || maxS == 0 {
		return nil, ErrEmptyModel
	}

	q := s.Scale(100 / maxS).Exp()

	weights := q.RowMax()
	var uTotal, nuTotal float64
	for i, unique := range y {
		if unique {
			uTotal += weights[i]
		} else {
			nuTotal += weights[i]
		}
	}

	pisum0 := make([]float64, t)
	for i := 0; i < r; i++ {
		if !y[i] {
			continue
		}
		cols, vals := q.Row(i)
		for k, c := range cols {
			pisum0[c] += vals[k]
		}
	}

	maxWeight, ok := maxFloat(weights)
	if !ok {
		return nil, ErrEmptyModel
	}

	return &Model{
		Q:          q,
		Y:          y,
		R:          r,
		T:          t,
		weights:    weights,
		uTotal:     uTotal,
		nuTotal:    nuTotal,
		pisum0:     pisum0,
		piPrior:    float64(piPrior) * maxWeight,
		thetaPrior: float64(thetaPrior) * maxWeight,
	}, nil
}

func maxFloat(v []float64) (float64, bool) {
	if len(v) == 0 {
		return 0, false
	}
	max := v[0]
	for _, x := range v[1:] {
		if x > max {
			max = x
		}
	}
	return max, true
}

func checkFinite(v []float64) error {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return ErrNumericalFailure
		}
	}
	return nil
}
