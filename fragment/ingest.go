package fragment

import (
	"github.com/grailbio/base/log"

	"github.com/bio-telescope/telescope/scoremat"
)

// LocusIndexer is the subset of annotation.Index the ingester depends on.
// Declaring it locally (rather than importing the concrete type) keeps
// fragment decoupled from the annotation package's construction details and
// lets tests substitute a trivial fake.
type LocusIndexer interface {
	LookupInterval(chrom string, start, end int) (locus string, ok bool, err error)
	ColumnIndex(locusID string) (int, bool)
	NumLoci() int
}

// ChromName resolves a Segment's RefID to a chromosome name. Concrete
// AlignmentReader implementations (e.g. htsreader) expose their reference
// dictionary through this interface so the ingester never has to know the
// underlying alignment format.
type ChromName interface {
	ChromName(refID int) string
}

// Counts tallies fragments processed during an Ingest run, reported via
// ProgressFunc and returned in the final Result.
type Counts struct {
	Fragments int // total fragments scanned
	Unmapped  int // fragments with no candidate, or with any candidate unmapped
	NoFeature int // fragments whose every candidate misses all annotated loci
	Ambiguous int // fragments with candidates at more than one locus
	Unique    int // fragments with exactly one candidate locus
	Malformed int // fragments skipped due to ErrMalformedAlignment
}

// ProgressFunc is invoked periodically during ingestion (every
// progressInterval fragments) and once more after the final fragment, so
// callers can log throughput without polling.
type ProgressFunc func(c Counts)

// progressInterval is the number of fragments between progress callbacks,
// matching the source tool's fixed reporting cadence.
const progressInterval = 500000

// BestAlignment is the single highest-scoring placement an ingested
// fragment has at one locus.
type BestAlignment struct {
	Locus    string
	Col      int // dense column index, per annotation.Index.ColumnIndex
	Score    int
	Unmapped bool
}

// Fragment is one ingested read (or read pair), reduced to its best
// alignment per locus. BackRef holds the back-reference of the fragment's
// first segment only, so the updated-alignment writer can re-tag that
// original record; the other segments' records are not retained.
type Fragment struct {
	Name    string
	Bests   []BestAlignment
	BackRef interface{}
}

// Result is the output of an Ingest run: the emitted score-matrix triplets
// (row = dense fragment index, col = dense locus column index, val =
// combined alignment score) plus bookkeeping needed by the EM engine and
// report writer.
type Result struct {
	Triplets    []scoremat.Triplet
	FragmentIDs []string      // row index -> fragment name, parallel to row count
	BackRefs    []interface{} // row index -> Fragment.BackRef, parallel to FragmentIDs
	NumLoci     int
	Counts      Counts
}

// Ingester consumes an AlignmentReader and a LocusIndexer and produces a
// Result of score-matrix triplets, one per (fragment, locus) pair with a
// mapped candidate. T (the matrix's column count) is fixed to
// idx.NumLoci(): every annotated locus is a column whether or not any
// fragment maps there, per §5's ordering rule.
type Ingester struct {
	idx      LocusIndexer
	chroms   ChromName
	progress ProgressFunc
}

// NewIngester constructs an Ingester over the given locus index and
// reference-name resolver. progress may be nil.
func NewIngester(idx LocusIndexer, chroms ChromName, progress ProgressFunc) *Ingester {
	return &Ingester{idx: idx, chroms: chroms, progress: progress}
}

// Ingest drains r to completion, producing a Result. Malformed fragments
// (mate-count mismatches) are counted and skipped rather than aborting the
// run, matching the source tool's tolerance of a noisy alignment stream.
func (ig *Ingester) Ingest(r AlignmentReader) (*Result, error) {
	res := &Result{NumLoci: ig.idx.NumLoci()}
	row := 0
	for r.Scan() {
		group := r.Group()
		frag, ok, err := ig.ingestOne(group)
		res.Counts.Fragments++
		if err != nil {
			if err == ErrMalformedAlignment {
				res.Counts.Malformed++
				ig.reportProgress(res.Counts, false)
				continue
			}
			return nil, err
		}
		if !ok {
			// No candidate at all, or some candidate is unmapped.
			res.Counts.Unmapped++
			ig.reportProgress(res.Counts, false)
			continue
		}
		switch len(frag.Bests) {
		case 0:
			res.Counts.NoFeature++
		case 1:
			res.Counts.Unique++
		default:
			res.Counts.Ambiguous++
		}
		for _, b := range frag.Bests {
			res.Triplets = append(res.Triplets, scoremat.Triplet{
				Row: row, Col: b.Col, Val: float64(b.Score),
			})
		}
		res.FragmentIDs = append(res.FragmentIDs, frag.Name)
		res.BackRefs = append(res.BackRefs, frag.BackRef)
		row++
		ig.reportProgress(res.Counts, false)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	ig.reportProgress(res.Counts, true)
	return res, nil
}

func (ig *Ingester) reportProgress(c Counts, final bool) {
	if ig.progress == nil {
		return
	}
	if final || c.Fragments%progressInterval == 0 {
		ig.progress(c)
	}
}

// ingestOne resolves one fragment's AlignmentGroup to its best-per-locus
// alignments. ok is false when the fragment has no candidates at all, or
// when any one candidate has its unmapped bit set -- per §4.C step 1 the
// whole fragment is classified unmapped in that case, not just the
// offending candidate. This is distinct from "mapped but outside any
// annotated locus" (len(frag.Bests) == 0), which is the NoFeature case
// counted by the caller.
func (ig *Ingester) ingestOne(group AlignmentGroup) (Fragment, bool, error) {
	candidates, err := partitionCandidates(group.Segments)
	if err != nil {
		return Fragment{}, false, err
	}
	frag := Fragment{Name: group.Name}
	if len(group.Segments) > 0 {
		frag.BackRef = group.Segments[0].BackRef
	}

	if len(candidates) == 0 {
		return frag, false, nil
	}
	// Per §4.C step 1, an unmapped bit on any candidate classifies the
	// whole fragment as unmapped, not just that candidate -- a partial,
	// per-candidate skip would let a fragment's other candidates still
	// produce triplets for a fragment the spec says must be excluded
	// entirely.
	for _, c := range candidates {
		if c.anyUnmapped() {
			return frag, false, nil
		}
	}

	best := make(map[string]BestAlignment) // locus -> best-scoring candidate so far
	for _, c := range candidates {
		refID, start, end := c.outerRange()
		chrom := ig.chroms.ChromName(refID)
		locus, ok, err := ig.idx.LookupInterval(chrom, start, end)
		if err != nil {
			log.Debug.Printf("fragment: lookup error for %s: %v", group.Name, err)
			continue
		}
		if !ok {
			continue
		}
		key := c.combinedKey()
		if cur, seen := best[locus]; !seen || key > cur.Score {
			col, _ := ig.idx.ColumnIndex(locus)
			best[locus] = BestAlignment{Locus: locus, Col: col, Score: key}
		}
	}
	for _, b := range best {
		frag.Bests = append(frag.Bests, b)
	}
	return frag, true, nil
}
