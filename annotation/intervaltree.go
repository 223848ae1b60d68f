package annotation

import (
	"fmt"
	"io"
	"sort"

	"github.com/biogo/store/interval"
)

// TreeIndex is the interval-tree annotation backend described in §9 as a
// fallback for annotations that violate the sorted-array backend's
// non-overlap invariant. It trades the sorted-array backend's O(log n)
// point lookup for a tree that tolerates overlapping loci, at the cost of
// FeatureLength/locus enumeration support (mirrors the source tool's
// _AnnotationIntervalTree, which explicitly leaves those unimplemented).
type TreeIndex struct {
	loci   []*Locus
	idOf   map[string]int
	trees  map[string]*interval.IntTree
	nextID uintptr
}

type locusInterval struct {
	interval.IntRange
	id      uintptr
	locusID int
}

func (f locusInterval) ID() uintptr                       { return f.id }
func (f locusInterval) Range() interval.IntRange          { return f.IntRange }
func (f locusInterval) Overlap(b interval.IntRange) bool  { return f.Start < b.End && b.Start < f.End }

// NewTreeIndex builds the interval-tree backend from the same record stream
// NewIndex consumes, with the same locus-naming rules, but without
// enforcing the non-overlap invariant.
func NewTreeIndex(r io.Reader, opts Opts) (*TreeIndex, error) {
	attr := opts.LocusAttr
	if attr == "" {
		attr = DefaultLocusAttr
	}
	idx := &TreeIndex{
		idOf:  make(map[string]int),
		trees: make(map[string]*interval.IntTree),
	}
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
		start, end := rec.Start-1, rec.End
		idx.loci[locusIdx].Intervals = append(idx.loci[locusIdx].Intervals, Interval{
			Chrom: rec.Chrom, Start: start, End: end,
		})
		t, ok := idx.trees[rec.Chrom]
		if !ok {
			t = &interval.IntTree{}
			idx.trees[rec.Chrom] = t
		}
		idx.nextID++
		t.Insert(locusInterval{
			IntRange: interval.IntRange{Start: start, End: end},
			id:       idx.nextID,
			locusID:  locusIdx,
		}, false)
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, t := range idx.trees {
		t.AdjustRanges()
	}
	return idx, nil
}

// Lookup returns the locus covering pos on chrom, breaking ties between
// multiple overlapping hits by insertion order (first inserted interval
// wins), rather than asserting singleton hits the
// way the sorted-array backend does -- the whole point of this backend is
// tolerating the overlaps the other one rejects.
func (idx *TreeIndex) Lookup(chrom string, pos int) (string, bool) {
	t, ok := idx.trees[chrom]
	if !ok {
		return "", false
	}
	q := locusInterval{IntRange: interval.IntRange{Start: pos, End: pos + 1}}
	hits := t.Get(q)
	if len(hits) == 0 {
		return "", false
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].ID() < hits[j].ID() })
	best := hits[0].(locusInterval)
	return idx.loci[best.locusID].ID, true
}
