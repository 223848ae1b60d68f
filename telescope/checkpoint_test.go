package telescope

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bio-telescope/telescope/expectmax"
	"github.com/bio-telescope/telescope/scoremat"
)

func buildMatrix(t *testing.T) *scoremat.Matrix {
	t.Helper()
	m, err := scoremat.NewFromTriplets(2, 2, []scoremat.Triplet{
		{Row: 0, Col: 0, Val: 1},
		{Row: 1, Col: 1, Val: 2},
	})
	require.NoError(t, err)
	return m
}

func TestWriteStateReadStateRoundTrip(t *testing.T) {
	q := buildMatrix(t)
	xhat := q.NormalizeRows()
	st := State{
		FragmentIDs: []string{"r1", "r2"},
		LocusNames:  []string{"A", "B"},
		Iteration:   3,
		Pi:          []float64{0.6, 0.4},
		Pi0:         []float64{0.5, 0.5},
		Theta:       []float64{1, 1},
		Q:           q,
		XHat:        xhat,
	}
	var buf bytes.Buffer
	require.NoError(t, writeState(&buf, st))

	got, err := readState(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, st.FragmentIDs, got.FragmentIDs)
	assert.Equal(t, st.LocusNames, got.LocusNames)
	assert.Equal(t, st.Iteration, got.Iteration)
	assert.Equal(t, st.Pi, got.Pi)
	assert.Equal(t, st.Pi0, got.Pi0)
	assert.Equal(t, st.Theta, got.Theta)
	assert.Equal(t, q.Values(), got.Q.Values())
	assert.Equal(t, xhat.Values(), got.XHat.Values())
}

// Round-trip law 7: checkpoint -> load -> checkpoint produces
// byte-identical output.
func TestWriteStateDeterministic(t *testing.T) {
	q := buildMatrix(t)
	st := State{FragmentIDs: []string{"r1"}, LocusNames: []string{"A", "B"}, Pi: []float64{1, 0}, Pi0: []float64{1, 0}, Theta: []float64{1, 1}, Q: q, XHat: q}
	var first, second bytes.Buffer
	require.NoError(t, writeState(&first, st))
	loaded, err := readState(bytes.NewReader(first.Bytes()))
	require.NoError(t, err)
	require.NoError(t, writeState(&second, loaded))
	assert.Equal(t, first.Bytes(), second.Bytes())
}

func TestFileCheckpointWriterAndLoad(t *testing.T) {
	q := buildMatrix(t)
	path := filepath.Join(t.TempDir(), "checkpoint.bin")
	w := NewFileCheckpointWriter(path, []string{"r1", "r2"}, []string{"A", "B"}, q)

	err := w.WriteCheckpoint(expectmax.CheckpointState{
		Iteration: 5,
		Pi:        []float64{0.7, 0.3},
		Pi0:       []float64{0.5, 0.5},
		Theta:     []float64{1, 1},
		XHat:      q,
	})
	require.NoError(t, err)

	st, err := LoadCheckpoint(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, st.FragmentIDs)
	assert.Equal(t, []string{"A", "B"}, st.LocusNames)
	assert.Equal(t, 5, st.Iteration)
	assert.Equal(t, []float64{0.7, 0.3}, st.Pi)
}

func TestReadStateRejectsBadMagic(t *testing.T) {
	_, err := readState(bytes.NewReader([]byte("nope")))
	assert.Error(t, err)
}
