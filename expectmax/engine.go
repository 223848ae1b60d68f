package expectmax

import (
	"github.com/grailbio/base/log"

	"github.com/bio-telescope/telescope/scoremat"
)

// CheckpointState is the full EM state serialized to the checkpoint sink
// every Config.CheckpointInterval iterations. The telescope package owns
// the actual wire encoding (layering compression over scoremat's own
// WriteTo/ReadMatrix plus these vectors); expectmax only defines the shape.
type CheckpointState struct {
	Iteration int
	Pi, Pi0   []float64
	Theta     []float64
	XHat      *scoremat.Matrix
}

// CheckpointWriter is the abstract checkpoint sink (§6). A write failure is
// logged and does not halt EM -- per §7's propagation policy, checkpoint
// I/O is non-fatal.
type CheckpointWriter interface {
	WriteCheckpoint(state CheckpointState) error
}

// Config holds the caller-supplied EM control knobs (§6 Opts).
type Config struct {
	EmEpsilon          float64
	MaxIter            int
	CheckpointInterval int              // 0 disables periodic checkpointing
	Checkpoint         CheckpointWriter // nil disables periodic checkpointing
}

// Result is the EM engine's final output: the converged (or iteration-
// exhausted) parameters and posterior matrix, plus bookkeeping for the
// report writer.
type Result struct {
	Pi, Pi0    []float64
	Theta      []float64
	XHat       *scoremat.Matrix
	Iterations int
	Converged  bool
}

// Run executes the weighted EM loop over model, per §4.D, up to
// cfg.MaxIter iterations or until Σ|π−π̂| <= cfg.EmEpsilon.
//
// cfg.MaxIter == 0 is a boundary case (§8 invariant 9): π and π₀ stay at
// their uniform initialization and X̂ is computed once from that
// initialization, with no M-step ever run.
func Run(model *Model, cfg Config) (*Result, error) {
	t := model.T
	uniform := make([]float64, t)
	for j := range uniform {
		uniform[j] = 1.0 / float64(t)
	}
	pi := append([]float64(nil), uniform...)
	theta := append([]float64(nil), uniform...)

	if cfg.MaxIter == 0 {
		xhat, err := eStep(model, pi, theta)
		if err != nil {
			return nil, err
		}
		return &Result{
			Pi: pi, Pi0: append([]float64(nil), pi...), Theta: theta,
			XHat: xhat, Iterations: 0, Converged: false,
		}, nil
	}

	var pi0 []float64
	var xhat *scoremat.Matrix
	converged := false
	iter := 0
	for iter = 1; iter <= cfg.MaxIter; iter++ {
		var err error
		xhat, err = eStep(model, pi, theta)
		if err != nil {
			return nil, err
		}
		piHat, thetaHat, err := mStep(model, xhat)
		if err != nil {
			return nil, err
		}
		if err := checkFinite(piHat); err != nil {
			return nil, err
		}
		if err := checkFinite(thetaHat); err != nil {
			return nil, err
		}

		delta := 0.0
		for j := range pi {
			d := pi[j] - piHat[j]
			if d < 0 {
				d = -d
			}
			delta += d
		}

		pi, theta = piHat, thetaHat
		if iter == 1 {
			pi0 = append([]float64(nil), piHat...)
		}

		if cfg.Checkpoint != nil && cfg.CheckpointInterval > 0 && iter%cfg.CheckpointInterval == 0 {
			state := CheckpointState{Iteration: iter, Pi: pi, Pi0: pi0, Theta: theta, XHat: xhat}
			if err := cfg.Checkpoint.WriteCheckpoint(state); err != nil {
				log.Printf("expectmax: checkpoint write failed at iteration %d: %v", iter, err)
			}
		}

		if delta <= cfg.EmEpsilon {
			converged = true
			break
		}
	}
	if iter > cfg.MaxIter {
		iter = cfg.MaxIter
	}
	return &Result{Pi: pi, Pi0: pi0, Theta: theta, XHat: xhat, Iterations: iter, Converged: converged}, nil
}

// eStep computes X̂ = row-normalize(numerator), where
// numerator[i,j] = Q[i,j] * pi[j] * theta[j]^(1-Y[i]).
//
// Unique rows (Y[i] true) use an exponent of 0, so theta never multiplies
// them; this is evaluated explicitly per row rather than folded into a
// single column-broadcast multiply, because a unique row's sole entry must
// stay strictly positive (and so survive row-normalization to exactly 1,
// §8 invariant 5) even if theta[j] is driven to zero elsewhere in the
// model.
func eStep(model *Model, pi, theta []float64) (*scoremat.Matrix, error) {
	q := model.Q
	vals := make([]float64, q.NNZ())
	pos := 0
	for i := 0; i < model.R; i++ {
		cols, qvals := q.Row(i)
		unique := model.Y[i]
		for k, c := range cols {
			factor := pi[c]
			if !unique {
				factor *= theta[c]
			}
			vals[pos] = qvals[k] * factor
			pos++
		}
	}
	if err := checkFinite(vals); err != nil {
		return nil, err
	}
	numerator := scoremat.NewLike(q, vals)
	return numerator.NormalizeRows(), nil
}

// mStep computes π̂ and θ̂ from the current X̂, per §4.D's M-step.
func mStep(model *Model, xhat *scoremat.Matrix) (piHat, thetaHat []float64, err error) {
	t := model.T
	thetaSum := make([]float64, t)
	for i := 0; i < model.R; i++ {
		if model.Y[i] {
			continue
		}
		cols, vals := xhat.Row(i)
		weight := model.weights[i]
		for k, c := range cols {
			thetaSum[c] += vals[k] * weight
		}
	}

	piHat = make([]float64, t)
	thetaHat = make([]float64, t)
	piDenom := model.uTotal + model.nuTotal + model.piPrior*float64(t)
	thetaDenom := model.nuTotal + model.thetaPrior*float64(t)
	for j := 0; j < t; j++ {
		piSum := model.pisum0[j] + thetaSum[j]
		piHat[j] = (piSum + model.piPrior) / piDenom
		if thetaDenom == 0 {
			// No non-unique mass and no prior: theta has nothing to learn
			// from and never multiplies a unique row's entry, so leave it
			// at zero rather than producing 0/0.
			thetaHat[j] = 0
			continue
		}
		thetaHat[j] = (thetaSum[j] + model.thetaPrior) / thetaDenom
	}
	return piHat, thetaHat, nil
}
