package annotation

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/klauspost/compress/gzip"
)

// chromIndex is the sorted-array representation of one chromosome's
// intervals: starts, ends and the locus each interval belongs to, all
// indexed in parallel and sorted by Start (ties broken by insertion order,
// per the construction algorithm in NewIndex).
type chromIndex struct {
	starts []int
	ends   []int
	locus  []int // index into Index.loci
}

// Index is the sorted-array annotation backend (component 4.A). It is the
// canonical backend; NewTreeIndex (intervaltree.go) provides a fallback for
// annotations that violate the non-overlap invariant this backend assumes.
//
// Construction happens once; Index is read-only thereafter (§5).
type Index struct {
	loci      []*Locus
	idOf      map[string]int
	chroms    map[string]*chromIndex
	locusAttr string
}

// Opts configures Index construction.
type Opts struct {
	// LocusAttr is the GTF attribute key giving a record's locus
	// identifier. Defaults to DefaultLocusAttr ("locus") when empty.
	LocusAttr string
}

// NewIndex builds an Index from a stream of annotation records in file
// order. Records sharing a locus identifier extend that locus with
// additional intervals. A record lacking the configured locus attribute is
// assigned a synthetic identifier "TELE%04d", numbered by record insertion
// order.
func NewIndex(r io.Reader, opts Opts) (*Index, error) {
	attr := opts.LocusAttr
	if attr == "" {
		attr = DefaultLocusAttr
	}
	idx := &Index{
		idOf:      make(map[string]int),
		chroms:    make(map[string]*chromIndex),
		locusAttr: attr,
	}
	// chromRaw accumulates (start, end, locusIdx) triples per chromosome in
	// insertion order; they are sorted by start only after the full stream
	// has been consumed, matching the Python reference's two-pass
	// (ingest-then-sort) approach.
	type rawInterval struct {
		start, end, locus int
	}
	chromRaw := make(map[string][]rawInterval)

	n := 0
	err := ScanRecords(r, func(rec Record) error {
		name, ok := rec.Attributes[attr]
		if !ok {
			name = fmt.Sprintf("TELE%04d", n)
		}
		n++
		locusIdx, ok := idx.idOf[name]
		if !ok {
			locusIdx = len(idx.loci)
			idx.idOf[name] = locusIdx
			idx.loci = append(idx.loci, &Locus{ID: name})
		}
		// Convert the 1-based inclusive input to the core's half-open
		// convention.
		start := rec.Start - 1
		end := rec.End
		idx.loci[locusIdx].Intervals = append(idx.loci[locusIdx].Intervals, Interval{
			Chrom: rec.Chrom,
			Start: start,
			End:   end,
		})
		chromRaw[rec.Chrom] = append(chromRaw[rec.Chrom], rawInterval{start, end, locusIdx})
		return nil
	})
	if err != nil {
		return nil, err
	}

	for chrom, raw := range chromRaw {
		sort.SliceStable(raw, func(i, j int) bool { return raw[i].start < raw[j].start })
		ci := &chromIndex{
			starts: make([]int, len(raw)),
			ends:   make([]int, len(raw)),
			locus:  make([]int, len(raw)),
		}
		for i, r := range raw {
			ci.starts[i] = r.start
			ci.ends[i] = r.end
			ci.locus[i] = r.locus
		}
		if err := validateNonOverlap(idx.loci, ci); err != nil {
			return nil, fmt.Errorf("annotation: chromosome %s: %w", chrom, err)
		}
		idx.chroms[chrom] = ci
	}
	log.Printf("annotation: loaded %d loci across %d chromosomes", len(idx.loci), len(idx.chroms))
	return idx, nil
}

// validateNonOverlap enforces the invariant that, within one chromosome, no
// two intervals assigned to different loci overlap. Overlapping intervals
// of the same locus (alternative exonic ranges) are permitted.
func validateNonOverlap(loci []*Locus, ci *chromIndex) error {
	// Compare each interval against the furthest-reaching interval seen so
	// far, so an overlap is caught even when the two are not adjacent in
	// start order.
	maxEnd, maxLocus := 0, -1
	for i := range ci.starts {
		if i > 0 && ci.starts[i] < maxEnd && ci.locus[i] != maxLocus {
			return fmt.Errorf("%w: %s and %s overlap", ErrMalformedAnnotation,
				loci[maxLocus].ID, loci[ci.locus[i]].ID)
		}
		if i == 0 || ci.ends[i] > maxEnd {
			maxEnd, maxLocus = ci.ends[i], ci.locus[i]
		}
	}
	return nil
}

// NewIndexFromPath opens path (transparently gunzipping if its contents are
// gzip-compressed) and builds an Index from it.
func NewIndexFromPath(path string, opts Opts) (*Index, error) {
	ctx := vcontext.Background()
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(err, "annotation: opening", path)
	}
	defer file.CloseAndReport(ctx, f, &err)
	return newIndexFromReader(ctx, f, opts)
}

func newIndexFromReader(ctx context.Context, f file.File, opts Opts) (*Index, error) {
	br := bufio.NewReader(f.Reader(ctx))
	var in io.Reader = br
	// Only a stream starting with the gzip magic bytes goes through gzip;
	// peeking leaves a plain-text stream unconsumed.
	if magic, perr := br.Peek(2); perr == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gzr, gzerr := gzip.NewReader(br)
		if gzerr != nil {
			return nil, errors.E(gzerr, "annotation: opening gzip stream")
		}
		in = gzr
		defer gzr.Close()
	}
	return NewIndex(in, opts)
}

// pointLookup returns the locus index covering pos on chrom, or (-1, false)
// if none. It runs two binary searches over the chromosome's sorted starts
// and ends, per §4.A:
//   sidx = first index with start > pos
//   eidx = first index with end >= pos
// The non-overlap invariant enforced at construction keeps intervals of
// different loci apart, so the window [eidx, sidx) is empty, a single
// interval, or several overlapping intervals of one locus (which resolve to
// that locus). A window spanning different loci surfaces as
// ErrMalformedAnnotation instead of panicking (§9 open question).
func (idx *Index) pointLookup(chrom string, pos int) (int, bool, error) {
	ci, ok := idx.chroms[chrom]
	if !ok {
		return -1, false, nil
	}
	sidx := sort.Search(len(ci.starts), func(i int) bool { return ci.starts[i] > pos })
	eidx := sort.Search(len(ci.ends), func(i int) bool { return ci.ends[i] >= pos })
	switch sidx - eidx {
	case 0:
		return -1, false, nil
	case 1:
		return ci.locus[eidx], true, nil
	default:
		if sidx > eidx {
			same := true
			for _, l := range ci.locus[eidx+1 : sidx] {
				if l != ci.locus[eidx] {
					same = false
					break
				}
			}
			if same {
				return ci.locus[eidx], true, nil
			}
		}
		return -1, false, fmt.Errorf("%w: position %s:%d matches %d overlapping intervals", ErrMalformedAnnotation, chrom, pos, sidx-eidx)
	}
}

// Lookup resolves a single genomic position to the locus that covers it.
func (idx *Index) Lookup(chrom string, pos int) (string, bool, error) {
	li, ok, err := idx.pointLookup(chrom, pos)
	if err != nil || !ok {
		return "", false, err
	}
	return idx.loci[li].ID, true, nil
}

// LookupInterval resolves the locus that overlaps or contains [s, e), per
// §4.A's tie-break rule: when both endpoints fall within (different) loci,
// the locus with the larger overlap of [s,e) wins; ties favor the left
// (start-side) locus. Per §9's open question, the tie-break uses the last
// stored interval of the left locus and the first of the right locus; this
// is carried over unchanged from the source tool and may misbehave for
// multi-interval loci with widely separated intervals.
func (idx *Index) LookupInterval(chrom string, s, e int) (string, bool, error) {
	lIdx, lOK, err := idx.pointLookup(chrom, s)
	if err != nil {
		return "", false, err
	}
	rIdx, rOK, err := idx.pointLookup(chrom, e)
	if err != nil {
		return "", false, err
	}
	switch {
	case !lOK && !rOK:
		return "", false, nil
	case lOK && !rOK:
		return idx.loci[lIdx].ID, true, nil
	case !lOK && rOK:
		return idx.loci[rIdx].ID, true, nil
	case lIdx == rIdx:
		return idx.loci[lIdx].ID, true, nil
	default:
		leftLocus := idx.loci[lIdx]
		rightLocus := idx.loci[rIdx]
		leftIv := leftLocus.Intervals[len(leftLocus.Intervals)-1]
		rightIv := rightLocus.Intervals[0]
		overlapLeft := leftIv.End - s
		overlapRight := e - rightIv.Start
		if overlapLeft >= overlapRight {
			return leftLocus.ID, true, nil
		}
		return rightLocus.ID, true, nil
	}
}

// FeatureLength returns the sum of interval lengths for the named locus, and
// false if the locus is unknown.
func (idx *Index) FeatureLength(locusID string) (int, bool) {
	li, ok := idx.idOf[locusID]
	if !ok {
		return 0, false
	}
	return idx.loci[li].FeatureLength(), true
}

// Loci returns the loci in first-encounter (insertion) order -- the order
// column indices are assigned to the score matrix in component 4.B/4.D.
func (idx *Index) Loci() []*Locus { return idx.loci }

// NumLoci returns the number of distinct loci in the index.
func (idx *Index) NumLoci() int { return len(idx.loci) }

// ColumnIndex returns the dense column index assigned to locusID (its
// first-encounter order in the annotation stream), and false if unknown.
// This is the column space the EM engine's score matrix is built over
// (§5: "locus column indices are assigned in first-encounter order from
// the annotation file").
func (idx *Index) ColumnIndex(locusID string) (int, bool) {
	i, ok := idx.idOf[locusID]
	return i, ok
}
