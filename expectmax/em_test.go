package expectmax

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bio-telescope/telescope/scoremat"
)

func buildS(t *testing.T, rows, cols int, triplets []scoremat.Triplet) *scoremat.Matrix {
	t.Helper()
	m, err := scoremat.NewFromTriplets(rows, cols, triplets)
	require.NoError(t, err)
	return m
}

// S1 from spec.md §8: one fragment uniquely mapped to locus A.
func TestS1UniqueFragmentConverges(t *testing.T) {
	s := buildS(t, 1, 2, []scoremat.Triplet{{Row: 0, Col: 0, Val: 150}})
	model, err := Setup(s, []bool{true}, 0, 0)
	require.NoError(t, err)

	res, err := Run(model, Config{EmEpsilon: 1e-7, MaxIter: 50})
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.InDelta(t, 1.0, res.Pi[0], 1e-9)
	assert.InDelta(t, 0.0, res.Pi[1], 1e-9)
	cols, vals := res.XHat.Row(0)
	require.Equal(t, []int{0}, cols)
	assert.Equal(t, 1.0, vals[0])
}

// S2 from spec.md §8: one fragment with two candidates of very different
// score; EM should reassign essentially all mass to the dominant locus.
func TestS2DominantScoreWins(t *testing.T) {
	s := buildS(t, 1, 2, []scoremat.Triplet{
		{Row: 0, Col: 0, Val: 150}, // score 100 + qlen 50
		{Row: 0, Col: 1, Val: 140}, // score 90 + qlen 50
	})
	model, err := Setup(s, []bool{false}, 0, 0)
	require.NoError(t, err)

	res, err := Run(model, Config{EmEpsilon: 1e-9, MaxIter: 200})
	require.NoError(t, err)
	assert.Greater(t, res.Pi[0], 0.99)
}

// S3 from spec.md §8: one unique fragment on A, one fragment split equally
// (identical scores) between A and B. With zero priors, theta should learn
// to place the ambiguous mass on A, where the unique mass already sits.
func TestS3AmbiguousFollowsUniqueMass(t *testing.T) {
	s := buildS(t, 2, 2, []scoremat.Triplet{
		{Row: 0, Col: 0, Val: 150}, // unique fragment on A
		{Row: 1, Col: 0, Val: 100}, // ambiguous fragment, equal scores on A and B
		{Row: 1, Col: 1, Val: 100},
	})
	model, err := Setup(s, []bool{true, false}, 0, 0)
	require.NoError(t, err)

	res, err := Run(model, Config{EmEpsilon: 1e-9, MaxIter: 200})
	require.NoError(t, err)
	assert.Greater(t, res.Pi[0], 0.9)
	assert.Less(t, res.Pi[1], 0.1)
}

// Boundary behavior 9: maxIter = 0 leaves pi == pi0 == uniform and runs no
// M-step.
func TestMaxIterZeroStaysUniform(t *testing.T) {
	s := buildS(t, 1, 2, []scoremat.Triplet{{Row: 0, Col: 0, Val: 150}})
	model, err := Setup(s, []bool{true}, 0, 0)
	require.NoError(t, err)

	res, err := Run(model, Config{EmEpsilon: 1e-7, MaxIter: 0})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Iterations)
	assert.False(t, res.Converged)
	assert.Equal(t, []float64{0.5, 0.5}, res.Pi)
	assert.Equal(t, res.Pi, res.Pi0)
	assert.NotNil(t, res.XHat)
}

// Boundary behavior 10: an emEpsilon large enough to trigger immediate
// convergence halts after exactly one iteration.
func TestLargeEpsilonConvergesImmediately(t *testing.T) {
	s := buildS(t, 1, 2, []scoremat.Triplet{
		{Row: 0, Col: 0, Val: 150}, {Row: 0, Col: 1, Val: 140},
	})
	model, err := Setup(s, []bool{false}, 0, 0)
	require.NoError(t, err)

	res, err := Run(model, Config{EmEpsilon: 1e9, MaxIter: 10})
	require.NoError(t, err)
	assert.True(t, res.Converged)
	assert.Equal(t, 1, res.Iterations)
}

// Invariant 2: after any iteration, pi sums to 1 within floating-point
// tolerance.
func TestPiSumsToOne(t *testing.T) {
	s := buildS(t, 2, 2, []scoremat.Triplet{
		{Row: 0, Col: 0, Val: 150},
		{Row: 1, Col: 0, Val: 100},
		{Row: 1, Col: 1, Val: 100},
	})
	model, err := Setup(s, []bool{true, false}, 1, 1)
	require.NoError(t, err)

	res, err := Run(model, Config{EmEpsilon: 1e-12, MaxIter: 50})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Pi[0]+res.Pi[1], 1e-9)
}

// Invariant 5: a unique row's single nonzero stays at exactly 1 in X̂ at
// every iteration, even while an ambiguous row in the same model is still
// being redistributed.
func TestUniqueRowStaysOneEveryIteration(t *testing.T) {
	s := buildS(t, 2, 2, []scoremat.Triplet{
		{Row: 0, Col: 1, Val: 150}, // unique on B
		{Row: 1, Col: 0, Val: 100},
		{Row: 1, Col: 1, Val: 80},
	})
	model, err := Setup(s, []bool{true, false}, 0, 0)
	require.NoError(t, err)

	for iters := 1; iters <= 5; iters++ {
		res, err := Run(model, Config{EmEpsilon: 0, MaxIter: iters})
		require.NoError(t, err)
		cols, vals := res.XHat.Row(0)
		require.Equal(t, []int{1}, cols)
		assert.Equal(t, 1.0, vals[0])
	}
}

func TestSetupRejectsEmptyModel(t *testing.T) {
	empty, err := scoremat.NewFromTriplets(0, 2, nil)
	require.NoError(t, err)
	_, err = Setup(empty, nil, 0, 0)
	assert.ErrorIs(t, err, ErrEmptyModel)

	zeroCols, err := scoremat.NewFromTriplets(1, 0, nil)
	require.NoError(t, err)
	_, err = Setup(zeroCols, []bool{true}, 0, 0)
	assert.ErrorIs(t, err, ErrEmptyModel)
}

func TestCheckpointWriterInvokedAtInterval(t *testing.T) {
	s := buildS(t, 1, 2, []scoremat.Triplet{{Row: 0, Col: 0, Val: 150}, {Row: 0, Col: 1, Val: 140}})
	model, err := Setup(s, []bool{false}, 0, 0)
	require.NoError(t, err)

	var writes []CheckpointState
	writer := checkpointRecorder(func(st CheckpointState) error {
		writes = append(writes, st)
		return nil
	})
	_, err = Run(model, Config{EmEpsilon: 1e-12, MaxIter: 6, CheckpointInterval: 2, Checkpoint: writer})
	require.NoError(t, err)
	for _, st := range writes {
		assert.Equal(t, 0, st.Iteration%2)
	}
}

type checkpointRecorder func(CheckpointState) error

func (f checkpointRecorder) WriteCheckpoint(st CheckpointState) error { return f(st) }
