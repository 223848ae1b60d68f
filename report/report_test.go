package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bio-telescope/telescope/scoremat"
)

func TestBuildRowsSortedByFinalBestDescending(t *testing.T) {
	// Two fragments, two loci: fragment 0 unique on B, fragment 1 unique on A.
	// final_best should show one count at each locus; rows must come back
	// sorted, and since both loci tie at 1, the stable sort preserves column
	// order (A before B).
	q, err := scoremat.NewFromTriplets(2, 2, []scoremat.Triplet{
		{Row: 0, Col: 1, Val: 10},
		{Row: 1, Col: 0, Val: 10},
	})
	require.NoError(t, err)
	xhat := q.NormalizeRows()

	rows := BuildRows(Input{
		XHat:       xhat,
		Q:          q,
		Pi:         []float64{0.5, 0.5},
		Pi0:        []float64{0.5, 0.5},
		Y:          []bool{true, true},
		LocusNames: []string{"A", "B"},
		ConfProb:   0.9,
	})
	require.Len(t, rows, 2)
	assert.Equal(t, "A", rows[0].Transcript)
	assert.Equal(t, "B", rows[1].Transcript)
	assert.Equal(t, 1.0, rows[0].FinalBest)
	assert.Equal(t, 1.0, rows[1].FinalBest)
	assert.Equal(t, 1, rows[0].UniqueCounts)
}

func TestBuildRowsWeightedAndFractionalCounts(t *testing.T) {
	// One ambiguous fragment split 3:1 in raw score between A and B.
	q, err := scoremat.NewFromTriplets(1, 2, []scoremat.Triplet{
		{Row: 0, Col: 0, Val: 30},
		{Row: 0, Col: 1, Val: 10},
	})
	require.NoError(t, err)
	xhat := q.NormalizeRows()

	rows := BuildRows(Input{
		XHat:       xhat,
		Q:          q,
		Pi:         []float64{0.75, 0.25},
		Pi0:        []float64{0.75, 0.25},
		Y:          []bool{false},
		LocusNames: []string{"A", "B"},
		ConfProb:   0.9,
	})
	require.Len(t, rows, 2)
	byName := map[string]Row{rows[0].Transcript: rows[0], rows[1].Transcript: rows[1]}
	assert.InDelta(t, 0.75, byName["A"].WeightedCounts, 1e-9)
	assert.InDelta(t, 0.25, byName["B"].WeightedCounts, 1e-9)
	// fractional_counts splits the single ambiguous fragment's mass equally
	// across its two candidate loci, independent of score.
	assert.InDelta(t, 0.5, byName["A"].FractionalCounts, 1e-9)
	assert.InDelta(t, 0.5, byName["B"].FractionalCounts, 1e-9)
}

func TestWriterProducesHeaderAndRows(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteHeader(2, 2))
	require.NoError(t, w.WriteRow(Row{Transcript: "A", FinalBest: 1, FinalProp: 0.5}))
	require.NoError(t, w.Flush())

	out := buf.String()
	assert.Contains(t, out, "# R=2 T=2")
	assert.Contains(t, out, "transcript\tfinal_best")
	assert.Contains(t, out, "A\t1\t0\t0.5")
}

func TestPhredCappedAndFloored(t *testing.T) {
	assert.Equal(t, 0, Phred(0, 100))
	assert.Equal(t, 100, Phred(1, 100))
	assert.InDelta(t, 10, Phred(0.9, 100), 1) // -10*log10(0.1) = 10
	assert.Equal(t, 40, Phred(0.99999999, 40))
}

func TestClassifyUniqueHighConfidence(t *testing.T) {
	calls := Classify([]int{0}, []float64{0.95}, []string{"A", "B"}, 0.2, 0.9, 40)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Primary)
	assert.False(t, calls[0].Secondary)
	assert.Equal(t, ColorHighConfidence, calls[0].Color)
	assert.Equal(t, 95, calls[0].Percent)
}

func TestClassifyUniqueLowConfidence(t *testing.T) {
	calls := Classify([]int{0}, []float64{0.5}, []string{"A", "B"}, 0.2, 0.9, 40)
	require.Len(t, calls, 1)
	assert.Equal(t, ColorLowConfidence, calls[0].Color)
}

func TestClassifyAmbiguousMarksOthersNeutral(t *testing.T) {
	calls := Classify([]int{0, 1}, []float64{0.6, 0.4}, []string{"A", "B"}, 0.2, 0.9, 40)
	require.Len(t, calls, 2)
	assert.Equal(t, "A", calls[0].Locus)
	assert.True(t, calls[0].Primary)
	assert.Equal(t, ColorAmbiguous, calls[0].Color)
	assert.False(t, calls[1].Primary)
	assert.True(t, calls[1].Secondary)
	assert.Equal(t, ColorNeutral, calls[1].Color)
	assert.Equal(t, 0, calls[1].MapQ)
}

// Boundary behavior 12: min_prob = 0 surfaces every nonzero of X̂.
func TestClassifyMinProbZeroIncludesAll(t *testing.T) {
	calls := Classify([]int{0, 1, 2}, []float64{0.5, 0.3, 0.2}, []string{"A", "B", "C"}, 0, 0.9, 40)
	assert.Len(t, calls, 3)
}

func TestClassifyNoneSurviving(t *testing.T) {
	calls := Classify([]int{0}, []float64{0.1}, []string{"A"}, 0.2, 0.9, 40)
	assert.Empty(t, calls)
}
