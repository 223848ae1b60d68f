// Package report implements the posterior report and updated-alignment
// tagging logic of component 4.E: a ranked TSV summary of per-locus EM
// results, and the classification rules used to re-tag original alignment
// records with resolved-locus, probability and confidence-color tags.
package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/grailbio/base/tsv"

	"github.com/bio-telescope/telescope/scoremat"
)

// Row is one locus's reported statistics, §4.E's column set in order.
type Row struct {
	Transcript       string
	FinalBest        float64
	FinalConf        float64
	FinalProp        float64
	InitBest         float64
	InitConf         float64
	InitProp         float64
	UniqueCounts     int
	WeightedCounts   float64
	FractionalCounts float64
}

// Input bundles everything BuildRows needs: the EM engine's final X̂/π/π₀,
// the setup-time Q matrix (used to derive X_init = row_normalize(Q)), the
// per-row uniqueness flags, and the locus names in column order.
type Input struct {
	XHat       *scoremat.Matrix
	Q          *scoremat.Matrix
	Pi, Pi0    []float64
	Y          []bool
	LocusNames []string // length T, column j -> locus ID
	ConfProb   float64
}

// BuildRows computes the report table (§4.E's ten-column definitions) and
// returns it sorted by FinalBest descending.
func BuildRows(in Input) []Row {
	t := in.XHat.Cols()

	finalBest := in.XHat.RowArgmax().ColSum()
	finalConf := in.XHat.Threshold(in.ConfProb).ColSum()

	xInit := in.Q.NormalizeRows()
	initBest := xInit.RowArgmax().ColSum()
	initConf := xInit.Threshold(in.ConfProb).ColSum()
	weightedCounts := xInit.ColSum()

	// fractional_counts: column sum of the indicator-of-(X_init>0) matrix,
	// itself row-normalized. Every stored X_init entry is strictly positive
	// (it is Q's positive values divided by a positive row sum), so
	// Threshold(0) recovers exactly that indicator pattern without needing
	// a dedicated "is nonzero" primitive.
	fractionalCounts := xInit.Threshold(0).NormalizeRows().ColSum()

	uniqueCounts := make([]int, t)
	for i, unique := range in.Y {
		if !unique {
			continue
		}
		cols, _ := in.Q.Row(i)
		for _, c := range cols {
			uniqueCounts[c]++
		}
	}

	rows := make([]Row, t)
	for j := 0; j < t; j++ {
		rows[j] = Row{
			Transcript:       in.LocusNames[j],
			FinalBest:        finalBest[j],
			FinalConf:        finalConf[j],
			FinalProp:        in.Pi[j],
			InitBest:         initBest[j],
			InitConf:         initConf[j],
			InitProp:         in.Pi0[j],
			UniqueCounts:     uniqueCounts[j],
			WeightedCounts:   weightedCounts[j],
			FractionalCounts: fractionalCounts[j],
		}
	}
	sort.SliceStable(rows, func(a, b int) bool { return rows[a].FinalBest > rows[b].FinalBest })
	return rows
}

// Writer emits the TSV report: a header comment line recording R and T,
// a column-name header row, then one row per locus.
type Writer struct {
	tsv *tsv.Writer
}

// NewWriter wraps w in a report Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{tsv: tsv.NewWriter(w)}
}

// WriteHeader writes the "# R=.. T=.." comment line followed by the column
// header row. r and t are the fragment and locus counts the report was
// computed over.
func (w *Writer) WriteHeader(r, t int) error {
	w.tsv.WriteString(fmt.Sprintf("# R=%d T=%d", r, t))
	if err := w.tsv.EndLine(); err != nil {
		return err
	}
	w.tsv.WriteString("transcript\tfinal_best\tfinal_conf\tfinal_prop\tinit_best\tinit_conf\tinit_prop\tunique_counts\tweighted_counts\tfractional_counts")
	return w.tsv.EndLine()
}

// WriteRow writes one Row.
func (w *Writer) WriteRow(row Row) error {
	w.tsv.WriteString(row.Transcript)
	w.tsv.WriteString(formatFloat(row.FinalBest))
	w.tsv.WriteString(formatFloat(row.FinalConf))
	w.tsv.WriteString(formatFloat(row.FinalProp))
	w.tsv.WriteString(formatFloat(row.InitBest))
	w.tsv.WriteString(formatFloat(row.InitConf))
	w.tsv.WriteString(formatFloat(row.InitProp))
	w.tsv.WriteInt64(int64(row.UniqueCounts))
	w.tsv.WriteString(formatFloat(row.WeightedCounts))
	w.tsv.WriteString(formatFloat(row.FractionalCounts))
	return w.tsv.EndLine()
}

// Flush flushes any buffered output.
func (w *Writer) Flush() error { return w.tsv.Flush() }

func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
