package htsreader

import (
	"io"
	"testing"

	"github.com/biogo/hts/sam"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	chr1, _ = sam.NewReference("chr1", "", "", 1000, nil, nil)
	chr2, _ = sam.NewReference("chr2", "", "", 2000, nil, nil)
	header, _ = sam.NewHeader(nil, []*sam.Reference{chr1, chr2})
)

func newRecord(t *testing.T, name string, ref *sam.Reference, pos int, flags sam.Flags, cigar sam.Cigar, score int) *sam.Record {
	t.Helper()
	r := &sam.Record{
		Name:  name,
		Ref:   ref,
		Pos:   pos,
		Flags: flags,
		Cigar: cigar,
		Seq:   sam.NewSeq([]byte("ACGTACGTAC")),
	}
	aux, err := sam.NewAux(sam.NewTag("AS"), score)
	require.NoError(t, err)
	r.AuxFields = append(r.AuxFields, aux)
	return r
}

// fakeSource replays a fixed slice of records, then io.EOF.
type fakeSource struct {
	recs []*sam.Record
	pos  int
}

func (f *fakeSource) Read() (*sam.Record, error) {
	if f.pos >= len(f.recs) {
		return nil, io.EOF
	}
	r := f.recs[f.pos]
	f.pos++
	return r, nil
}

func TestScanGroupsByName(t *testing.T) {
	cig := sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 10)}
	recs := []*sam.Record{
		newRecord(t, "fragA", chr1, 100, 0, cig, 50),
		newRecord(t, "fragA", chr2, 200, sam.Secondary, cig, 30),
		newRecord(t, "fragB", chr1, 500, 0, cig, 40),
	}
	r := NewReader(&fakeSource{recs: recs}, header)

	require.True(t, r.Scan())
	g := r.Group()
	assert.Equal(t, "fragA", g.Name)
	require.Len(t, g.Segments, 2)
	assert.Equal(t, chr1.ID(), g.Segments[0].RefID)
	assert.Equal(t, 100, g.Segments[0].RefStart)
	assert.Equal(t, 10, g.Segments[0].RefLen)
	assert.Equal(t, 50, g.Segments[0].Score)
	assert.False(t, g.Segments[0].Secondary)
	assert.True(t, g.Segments[1].Secondary)

	require.True(t, r.Scan())
	g = r.Group()
	assert.Equal(t, "fragB", g.Name)
	require.Len(t, g.Segments, 1)

	require.False(t, r.Scan())
	require.NoError(t, r.Err())
}

func TestChromNameResolvesFromHeader(t *testing.T) {
	r := NewReader(&fakeSource{}, header)
	assert.Equal(t, "chr1", r.ChromName(chr1.ID()))
	assert.Equal(t, "chr2", r.ChromName(chr2.ID()))
	assert.Equal(t, "", r.ChromName(-1))
	assert.Equal(t, "", r.ChromName(99))
}

func TestToSegmentFlagsAndUnmapped(t *testing.T) {
	cig := sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 8)}
	rec := newRecord(t, "frag", chr1, 10, sam.Paired|sam.Read1|sam.Unmapped, cig, 0)
	seg := toSegment(rec)
	assert.True(t, seg.Paired)
	assert.True(t, seg.Read1)
	assert.True(t, seg.Unmapped)
	assert.Equal(t, rec, seg.BackRef)
}

func TestAlignmentScoreMissingTagDefaultsZero(t *testing.T) {
	cig := sam.Cigar{sam.NewCigarOp(sam.CigarMatch, 8)}
	rec := &sam.Record{Name: "x", Ref: chr1, Pos: 0, Cigar: cig, Seq: sam.NewSeq([]byte("ACGTACGT"))}
	assert.Equal(t, 0, alignmentScore(rec))
}

func TestScanPropagatesReadError(t *testing.T) {
	r := NewReader(&erroringSource{}, header)
	assert.False(t, r.Scan())
	assert.Error(t, r.Err())
}

type erroringSource struct{}

func (erroringSource) Read() (*sam.Record, error) { return nil, assert.AnError }
