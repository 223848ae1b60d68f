package telescope

import (
	"fmt"
	"io"

	baseerrors "github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"

	"github.com/bio-telescope/telescope/annotation"
	"github.com/bio-telescope/telescope/expectmax"
	"github.com/bio-telescope/telescope/fragment"
	"github.com/bio-telescope/telescope/report"
	"github.com/bio-telescope/telescope/scoremat"
)

// AlignmentTagger is the abstract updated-alignment sink (§6): for each
// processed fragment, Run hands back its resolved LocusCalls so the caller
// can re-tag and write out the original alignment record. Writing the
// record itself is explicitly out of scope for the core (§1); this
// interface is the seam.
type AlignmentTagger interface {
	TagAlignment(fragmentName string, backRef interface{}, calls []report.LocusCall) error
}

// Inputs bundles the per-run collaborators Run needs: the annotation path
// and the already-constructed alignment reader (e.g. an htsreader.Reader
// wrapping a BAM stream).
type Inputs struct {
	AnnotationPath string
	Reader         fragment.AlignmentReader
	Chroms         fragment.ChromName
	Progress       fragment.ProgressFunc // optional
}

// Outputs bundles the per-run sinks. Report is required; CheckpointPath and
// UpdatedAlignments are optional (empty/nil disables each). CheckpointPath
// is a path rather than an io.Writer because a checkpoint is rewritten in
// full on every interval (§4.D) -- Run opens it fresh each time via
// FileCheckpointWriter, the same repeated-open-by-path idiom
// markduplicates.Opts.OutputPath uses for its single output file.
type Outputs struct {
	Report            io.Writer
	CheckpointPath    string
	UpdatedAlignments AlignmentTagger
}

// Summary is returned by Run: the supplemented end-of-run counters
// (original_source/telescope/main.py's exit-summary line) that
// cmd/bio-telescope-id logs, in place of the source script's direct
// stderr timing prints (§5: no wall-clock in the core itself).
type Summary struct {
	Counts     fragment.Counts
	R, T       int
	Iterations int
	Converged  bool
}

// Run executes one end-to-end pass: ingest, EM, report, optional
// checkpoint and updated-alignment output. Per §7's propagation policy,
// ingest errors and EmptyModel/NumericalFailure are fatal; checkpoint and
// updated-alignment I/O errors are logged per-occurrence and do not abort
// the run.
func Run(cfg Opts, in Inputs, out Outputs) (*Summary, error) {
	idx, err := annotation.NewIndexFromPath(in.AnnotationPath, annotation.Opts{LocusAttr: cfg.LocusAttr})
	if err != nil {
		// Not wrapped in grailbio/base/errors here: a malformed-annotation
		// failure must stay errors.Is-checkable against
		// annotation.ErrMalformedAnnotation, the way annotation_test.go
		// checks it directly against NewIndex's own return.
		return nil, fmt.Errorf("telescope: loading annotation %s: %w", in.AnnotationPath, err)
	}

	ingester := fragment.NewIngester(idx, in.Chroms, in.Progress)
	ingestResult, err := ingester.Ingest(in.Reader)
	if err != nil {
		return nil, fmt.Errorf("telescope: ingesting alignments: %w", err)
	}
	if out.UpdatedAlignments == nil {
		// §5's memory contract: release back-references as soon as they
		// are known to be unneeded.
		ingestResult.BackRefs = nil
	}

	r := len(ingestResult.FragmentIDs)
	s, err := scoremat.NewFromTriplets(r, ingestResult.NumLoci, ingestResult.Triplets)
	if err != nil {
		return nil, baseerrors.E(err, "telescope: constructing score matrix")
	}
	y := uniquenessVector(s)

	model, err := expectmax.Setup(s, y, cfg.PiPrior, cfg.ThetaPrior)
	if err != nil {
		return nil, err
	}

	locusNames := make([]string, idx.NumLoci())
	for j, locus := range idx.Loci() {
		locusNames[j] = locus.ID
	}

	var checkpoint expectmax.CheckpointWriter
	if out.CheckpointPath != "" {
		checkpoint = NewFileCheckpointWriter(out.CheckpointPath, ingestResult.FragmentIDs, locusNames, model.Q)
	}
	result, err := expectmax.Run(model, expectmax.Config{
		EmEpsilon:          cfg.EmEpsilon,
		MaxIter:            cfg.MaxIter,
		CheckpointInterval: cfg.CheckpointInterval,
		Checkpoint:         checkpoint,
	})
	if err != nil {
		return nil, err
	}

	rows := report.BuildRows(report.Input{
		XHat:       result.XHat,
		Q:          model.Q,
		Pi:         result.Pi,
		Pi0:        result.Pi0,
		Y:          y,
		LocusNames: locusNames,
		ConfProb:   cfg.ConfProb,
	})
	w := report.NewWriter(out.Report)
	if err := w.WriteHeader(r, model.T); err != nil {
		return nil, baseerrors.E(err, "telescope: writing report header")
	}
	for _, row := range rows {
		if err := w.WriteRow(row); err != nil {
			return nil, baseerrors.E(err, "telescope: writing report row", row.Transcript)
		}
	}
	if err := w.Flush(); err != nil {
		return nil, baseerrors.E(err, "telescope: flushing report")
	}

	if out.UpdatedAlignments != nil {
		for i := 0; i < r; i++ {
			cols, vals := result.XHat.Row(i)
			calls := report.Classify(cols, vals, locusNames, cfg.MinProb, cfg.ConfProb, cfg.MaxMapQ)
			if err := out.UpdatedAlignments.TagAlignment(ingestResult.FragmentIDs[i], ingestResult.BackRefs[i], calls); err != nil {
				log.Printf("telescope: %v: skipping fragment %s: %v", ErrOutputIO, ingestResult.FragmentIDs[i], err)
			}
		}
	}

	return &Summary{
		Counts:     ingestResult.Counts,
		R:          r,
		T:          model.T,
		Iterations: result.Iterations,
		Converged:  result.Converged,
	}, nil
}

// uniquenessVector derives Y from s directly (§3: "Y[i] = 1 iff row i has
// exactly one nonzero entry"), rather than threading a separate flag
// through the ingester -- the score matrix's own row-nonzero-count is
// already the ground truth the spec defines Y against.
func uniquenessVector(s *scoremat.Matrix) []bool {
	nnz := s.RowNNZ()
	y := make([]bool, len(nnz))
	for i, n := range nnz {
		y[i] = n == 1
	}
	return y
}
