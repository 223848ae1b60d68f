package telescope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/golang/snappy"
	baseerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/bio-telescope/telescope/expectmax"
	"github.com/bio-telescope/telescope/scoremat"
)

// ErrCheckpointIO is returned by LoadCheckpoint (and wraps errors logged,
// not returned, by a CheckpointWriter during a run) when the checkpoint
// sink rejects a read or write, per §7's CheckpointIOFailure kind.
var ErrCheckpointIO = errors.New("telescope: checkpoint I/O failure")

// ErrOutputIO names the failure of the updated-alignment sink to accept a
// write for a fragment, per §7's OutputIOFailure kind. Run does not return
// it: it logs it with the fragment's name and skips that fragment, leaving
// the EM state untouched.
var ErrOutputIO = errors.New("telescope: updated-alignment output I/O failure")

// checkpointMagic identifies the checkpoint wire format; checkpointVersion
// allows the layout to evolve without breaking old checkpoints silently.
const (
	checkpointMagic   = "TELE"
	checkpointVersion = 1
)

// State is the full on-disk checkpoint payload: everything expectmax.Run
// needs to resume, plus the row/column identity vectors (§6: "row index,
// column index, Q, π₀, π, θ, X̂") that a fresh Setup call alone can't
// recover, since they come from the ingest and annotation stages.
type State struct {
	FragmentIDs []string
	LocusNames  []string
	Iteration   int
	Pi, Pi0     []float64
	Theta       []float64
	Q           *scoremat.Matrix
	XHat        *scoremat.Matrix
}

// writeState serializes st to w in the documented binary layout: magic,
// version, string vectors (row and column identities), the iteration
// count, the three float64 vectors, then Q and X̂ via scoremat's own
// WriteTo. Every field is written in a fixed order with no padding, so two
// calls given equal input bytes produce byte-identical output (§8 round-
// trip law 7).
func writeState(w io.Writer, st State) error {
	if _, err := io.WriteString(w, checkpointMagic); err != nil {
		return err
	}
	if err := writeUint32(w, checkpointVersion); err != nil {
		return err
	}
	if err := writeStrings(w, st.FragmentIDs); err != nil {
		return err
	}
	if err := writeStrings(w, st.LocusNames); err != nil {
		return err
	}
	if err := writeUint32(w, uint32(st.Iteration)); err != nil {
		return err
	}
	for _, v := range [][]float64{st.Pi, st.Pi0, st.Theta} {
		if err := writeFloats(w, v); err != nil {
			return err
		}
	}
	if _, err := st.Q.WriteTo(w); err != nil {
		return err
	}
	if _, err := st.XHat.WriteTo(w); err != nil {
		return err
	}
	return nil
}

// readState deserializes a State written by writeState.
func readState(r io.Reader) (State, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return State{}, fmt.Errorf("telescope: reading checkpoint magic: %w", err)
	}
	if string(magic[:]) != checkpointMagic {
		return State{}, fmt.Errorf("telescope: not a checkpoint stream (bad magic %q)", magic)
	}
	version, err := readUint32(r)
	if err != nil {
		return State{}, fmt.Errorf("telescope: reading checkpoint version: %w", err)
	}
	if version != checkpointVersion {
		return State{}, fmt.Errorf("telescope: unsupported checkpoint version %d", version)
	}
	var st State
	if st.FragmentIDs, err = readStrings(r); err != nil {
		return State{}, err
	}
	if st.LocusNames, err = readStrings(r); err != nil {
		return State{}, err
	}
	iter, err := readUint32(r)
	if err != nil {
		return State{}, err
	}
	st.Iteration = int(iter)
	floatSlots := make([][]float64, 3)
	for i := range floatSlots {
		if floatSlots[i], err = readFloats(r); err != nil {
			return State{}, err
		}
	}
	st.Pi, st.Pi0, st.Theta = floatSlots[0], floatSlots[1], floatSlots[2]
	if st.Q, err = scoremat.ReadMatrix(r); err != nil {
		return State{}, err
	}
	if st.XHat, err = scoremat.ReadMatrix(r); err != nil {
		return State{}, err
	}
	return st, nil
}

func writeUint32(w io.Writer, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeStrings(w io.Writer, ss []string) error {
	if err := writeUint32(w, uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := writeUint32(w, uint32(len(s))); err != nil {
			return err
		}
		if _, err := io.WriteString(w, s); err != nil {
			return err
		}
	}
	return nil
}

func readStrings(r io.Reader) ([]string, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	ss := make([]string, n)
	for i := range ss {
		l, err := readUint32(r)
		if err != nil {
			return nil, err
		}
		buf := make([]byte, l)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		ss[i] = string(buf)
	}
	return ss, nil
}

func writeFloats(w io.Writer, v []float64) error {
	if err := writeUint32(w, uint32(len(v))); err != nil {
		return err
	}
	buf := make([]byte, 8*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint64(buf[8*i:8*i+8], math.Float64bits(x))
	}
	_, err := w.Write(buf)
	return err
}

func readFloats(r io.Reader) ([]float64, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 8*n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	v := make([]float64, n)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[8*i : 8*i+8]))
	}
	return v, nil
}

// FileCheckpointWriter implements expectmax.CheckpointWriter by
// (re)writing the full checkpoint to Path every time it is invoked, snappy-
// compressed, via github.com/grailbio/base/file -- the same open/write/
// close idiom markduplicates.generateBAM uses for its output path. Row and
// column identities (FragmentIDs, LocusNames) and Q are fixed for the
// lifetime of a run and supplied once at construction; only the per-
// iteration vectors come from the CheckpointState passed to
// WriteCheckpoint.
type FileCheckpointWriter struct {
	Path        string
	FragmentIDs []string
	LocusNames  []string
	Q           *scoremat.Matrix
}

// NewFileCheckpointWriter constructs a FileCheckpointWriter.
func NewFileCheckpointWriter(path string, fragmentIDs, locusNames []string, q *scoremat.Matrix) *FileCheckpointWriter {
	return &FileCheckpointWriter{Path: path, FragmentIDs: fragmentIDs, LocusNames: locusNames, Q: q}
}

// WriteCheckpoint satisfies expectmax.CheckpointWriter. A failure here is
// wrapped with ErrCheckpointIO; per §7's propagation policy the caller
// (expectmax.Run) only logs it and continues.
func (c *FileCheckpointWriter) WriteCheckpoint(state expectmax.CheckpointState) error {
	ctx := vcontext.Background()
	out, err := file.Create(ctx, c.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointIO, baseerrors.E(err, "creating checkpoint", c.Path))
	}
	sw := snappy.NewBufferedWriter(out.Writer(ctx))
	writeErr := writeState(sw, State{
		FragmentIDs: c.FragmentIDs,
		LocusNames:  c.LocusNames,
		Iteration:   state.Iteration,
		Pi:          state.Pi,
		Pi0:         state.Pi0,
		Theta:       state.Theta,
		Q:           c.Q,
		XHat:        state.XHat,
	})
	closeErr := sw.Close()
	if err := out.Close(ctx); err != nil {
		log.Printf("telescope: closing checkpoint file %s: %v", c.Path, err)
	}
	if writeErr != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointIO, baseerrors.E(writeErr, "writing checkpoint", c.Path))
	}
	if closeErr != nil {
		return fmt.Errorf("%w: %v", ErrCheckpointIO, baseerrors.E(closeErr, "flushing checkpoint", c.Path))
	}
	return nil
}

// LoadCheckpoint reads a checkpoint written by FileCheckpointWriter, the
// loader interface §5's "restart resumes from the last checkpoint" refers
// to.
func LoadCheckpoint(path string) (State, error) {
	ctx := vcontext.Background()
	in, err := file.Open(ctx, path)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCheckpointIO, baseerrors.E(err, "opening checkpoint", path))
	}
	defer file.CloseAndReport(ctx, in, &err)
	sr := snappy.NewReader(in.Reader(ctx))
	st, err := readState(sr)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrCheckpointIO, baseerrors.E(err, "reading checkpoint", path))
	}
	return st, nil
}
