// Package htsreader adapts a github.com/biogo/hts/sam alignment stream to
// the fragment package's abstract AlignmentReader/ChromName collaborators
// (§6 "Alignment input"), the one concrete AlignmentReader this module
// ships.
package htsreader

import (
	"io"

	"github.com/biogo/hts/sam"

	"github.com/bio-telescope/telescope/fragment"
)

// RecordSource is the minimal contract Reader needs from an underlying BAM
// or SAM stream: successive calls to Read return the next record, and
// io.EOF once exhausted. github.com/biogo/hts/bam.Reader and
// github.com/biogo/hts/sam.Reader both satisfy this directly.
type RecordSource interface {
	Read() (*sam.Record, error)
}

var asTag = sam.Tag{'A', 'S'}

// Reader groups a name-sorted RecordSource's records into
// fragment.AlignmentGroups, one per distinct QNAME, and exposes it as a
// fragment.AlignmentReader. The input is assumed name-grouped already (a
// standard precondition for multi-mapper processing); Reader does not sort.
type Reader struct {
	src     RecordSource
	header  *sam.Header
	pending *sam.Record
	group   fragment.AlignmentGroup
	err     error
	done    bool
}

// NewReader wraps src, using header to resolve reference ids to names.
func NewReader(src RecordSource, header *sam.Header) *Reader {
	return &Reader{src: src, header: header}
}

// ChromName resolves a Segment's RefID to its reference name, satisfying
// fragment.ChromName. An out-of-range or negative id (the unmapped
// convention) returns the empty string.
func (r *Reader) ChromName(refID int) string {
	refs := r.header.Refs()
	if refID < 0 || refID >= len(refs) {
		return ""
	}
	return refs[refID].Name()
}

// Scan advances to the next fragment's AlignmentGroup.
func (r *Reader) Scan() bool {
	if r.err != nil || r.done {
		return false
	}
	var recs []*sam.Record
	var name string
	if r.pending != nil {
		recs = append(recs, r.pending)
		name = r.pending.Name
		r.pending = nil
	}
	for {
		rec, err := r.src.Read()
		if err != nil {
			if err == io.EOF {
				r.done = true
				break
			}
			r.err = err
			return false
		}
		if len(recs) == 0 {
			name = rec.Name
			recs = append(recs, rec)
			continue
		}
		if rec.Name != name {
			r.pending = rec
			break
		}
		recs = append(recs, rec)
	}
	if len(recs) == 0 {
		return false
	}
	segs := make([]fragment.Segment, len(recs))
	for i, rec := range recs {
		segs[i] = toSegment(rec)
	}
	r.group = fragment.AlignmentGroup{Name: name, Segments: segs}
	return true
}

// Group returns the AlignmentGroup most recently produced by Scan.
func (r *Reader) Group() fragment.AlignmentGroup { return r.group }

// Err returns the first non-EOF error encountered reading the source.
func (r *Reader) Err() error { return r.err }

func toSegment(rec *sam.Record) fragment.Segment {
	refID := -1
	if rec.Ref != nil {
		refID = rec.Ref.ID()
	}
	refLen, _ := rec.Cigar.Lengths()
	return fragment.Segment{
		RefID:     refID,
		RefStart:  rec.Pos,
		RefLen:    refLen,
		Score:     alignmentScore(rec),
		QueryLen:  rec.Seq.Length,
		Unmapped:  rec.Flags&sam.Unmapped != 0,
		Secondary: rec.Flags&sam.Secondary != 0,
		Paired:    rec.Flags&sam.Paired != 0,
		Read1:     rec.Flags&sam.Read1 != 0,
		BackRef:   rec,
	}
}

// alignmentScore reads the AS aux tag, returning 0 if absent or of an
// unexpected type (aligners vary in which integer width they encode it
// with).
func alignmentScore(rec *sam.Record) int {
	aux := rec.AuxFields.Get(asTag)
	if aux == nil {
		return 0
	}
	switch v := aux.Value().(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case uint8:
		return int(v)
	case uint16:
		return int(v)
	case uint32:
		return int(v)
	default:
		return 0
	}
}
