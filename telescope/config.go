// Package telescope orchestrates the core's five components (annotation,
// scoremat, fragment, expectmax, report) into the single top-level
// operation spec.md describes: ingest an alignment stream against an
// annotation, run weighted EM to reassign ambiguous fragments, and emit a
// ranked report plus optional checkpoint and updated-alignment streams.
package telescope

// Opts holds the caller-supplied configuration recognized by the core
// (§6's option table), following the teacher's plain Config/Opts-struct
// idiom (markduplicates.Opts, pileup/snp.Opts) rather than a functional-
// options API.
type Opts struct {
	// NoFeatureKey is the reserved locus id for fragments with no
	// overlapping annotation. Run does not read it: a no-feature fragment
	// gets an empty score-matrix row, no locus column is created for it, and
	// it is counted in Summary.Counts.NoFeature. Run does not check it
	// against real locus ids.
	NoFeatureKey string
	// MinProb is the minimum posterior probability for a locus to appear
	// in the updated-alignment stream.
	MinProb float64
	// ConfProb is the threshold at or above which a uniquely-resolved fragment
	// is classified high-confidence.
	ConfProb float64
	// PiPrior and ThetaPrior are integer pseudocounts, weighted by
	// max(weights) at setup time (§4.D).
	PiPrior    int
	ThetaPrior int
	// EmEpsilon is the convergence threshold on Σ|π-π̂|.
	EmEpsilon float64
	// MaxIter is the hard iteration cap; 0 means "stop after
	// initialization" (§8 invariant 9).
	MaxIter int
	// CheckpointInterval is the number of iterations between checkpoint
	// writes; 0 disables periodic checkpointing regardless of whether a
	// checkpoint sink is configured.
	CheckpointInterval int
	// MaxMapQ bounds the Phred-scaled mapping quality assigned to a
	// fragment's primary locus in the updated-alignment stream.
	MaxMapQ int
	// LocusAttr is the GTF attribute key naming a record's locus
	// identifier (annotation.Opts.LocusAttr); empty selects the default.
	LocusAttr string
}

// DefaultOpts returns the option defaults from §6's table.
func DefaultOpts() Opts {
	return Opts{
		NoFeatureKey:       "__nofeature__",
		MinProb:            0.2,
		ConfProb:           0.9,
		PiPrior:            0,
		ThetaPrior:         0,
		EmEpsilon:          1e-7,
		MaxIter:            100,
		CheckpointInterval: 10,
		MaxMapQ:            255,
	}
}
