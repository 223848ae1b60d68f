// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package main

/*
bio-telescope-id resolves multi-mapping reads against annotated
transposable-element loci by weighted expectation-maximization, and reports
per-locus fragment counts.
*/

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/biogo/hts/bam"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"

	"github.com/bio-telescope/telescope/htsreader"
	"github.com/bio-telescope/telescope/telescope"
)

var (
	attribute          = flag.String("attribute", "locus", "GTF attribute naming a feature's locus id")
	noFeatureKey       = flag.String("no-feature-key", "__nofeature__", "Reserved locus id for fragments with no overlapping annotation")
	minProb            = flag.Float64("min-prob", 0.2, "Minimum posterior probability for a locus to appear in the updated-alignment stream")
	confProb           = flag.Float64("conf-prob", 0.9, "Posterior probability threshold for a high-confidence call")
	piPrior            = flag.Int("pi-prior", 0, "Pi Dirichlet pseudocount")
	thetaPrior         = flag.Int("theta-prior", 0, "Theta Dirichlet pseudocount")
	emEpsilon          = flag.Float64("em-epsilon", 1e-7, "EM convergence threshold on sum(|pi-pihat|)")
	maxIter            = flag.Int("max-iter", 100, "Maximum number of EM iterations")
	checkpointInterval = flag.Int("checkpoint-interval", 10, "Iterations between checkpoint writes; 0 disables periodic checkpointing")
	maxMapQ            = flag.Int("max-mapq", 255, "Upper bound on updated-alignment MAPQ")
	outPrefix          = flag.String("out", "telescope", "Output path prefix; report is written to <out>-telescope_report.tsv")
	checkpointPath     = flag.String("checkpoint", "", "Checkpoint output path; empty disables checkpointing")
	resume             = flag.String("resume", "", "Resume from a checkpoint written by a previous run (logged only; does not alter this run's output)")
)

func bioTelescopeIDUsage() {
	fmt.Printf("Usage: %s [OPTIONS] annotation.gtf alignments.bam\n", os.Args[0])
	fmt.Printf("Other options:\n")
	flag.PrintDefaults()
}

func main() {
	flag.Usage = bioTelescopeIDUsage
	shutdown := grail.Init()
	defer shutdown()

	allArgs := flag.Args()
	nPositionalArgs := flag.NArg()
	positionalArgs := allArgs[len(allArgs)-nPositionalArgs:]
	if nPositionalArgs != 2 {
		if nPositionalArgs < 2 {
			log.Fatalf("Missing positional arguments (annotation.gtf and alignments.bam required); please check flag syntax: '%s'", strings.Join(positionalArgs, " "))
		} else {
			log.Fatalf("Too many positional arguments (only annotation.gtf and alignments.bam expected); please check flag syntax: '%s'", strings.Join(positionalArgs, " "))
		}
	}
	annotationPath, bamPath := positionalArgs[0], positionalArgs[1]

	ctx := vcontext.Background()
	in, err := file.Open(ctx, bamPath)
	if err != nil {
		log.Fatalf("opening %v: %v", bamPath, err)
	}
	defer file.CloseAndReport(ctx, in, &err)

	bamReader, err := bam.NewReader(in.Reader(ctx), 1)
	if err != nil {
		log.Fatalf("opening %v: failed to open BAM: %v", bamPath, err)
	}
	defer bamReader.Close()

	reportPath := *outPrefix + "-telescope_report.tsv"
	reportOut, err := file.Create(ctx, reportPath)
	if err != nil {
		log.Fatalf("creating %v: %v", reportPath, err)
	}
	defer file.CloseAndReport(ctx, reportOut, &err)

	if *resume != "" {
		st, err := telescope.LoadCheckpoint(*resume)
		if err != nil {
			log.Fatalf("loading checkpoint %v: %v", *resume, err)
		}
		log.Printf("loaded checkpoint %v at iteration %d (%d fragments, %d loci); starting a fresh run per this module's non-incremental EM (§5)", *resume, st.Iteration, len(st.FragmentIDs), len(st.LocusNames))
	}

	cfg := telescope.Opts{
		NoFeatureKey:       *noFeatureKey,
		MinProb:            *minProb,
		ConfProb:           *confProb,
		PiPrior:            *piPrior,
		ThetaPrior:         *thetaPrior,
		EmEpsilon:          *emEpsilon,
		MaxIter:            *maxIter,
		CheckpointInterval: *checkpointInterval,
		MaxMapQ:            *maxMapQ,
		LocusAttr:          *attribute,
	}

	reader := htsreader.NewReader(bamReader, bamReader.Header())

	summary, err := telescope.Run(cfg, telescope.Inputs{
		AnnotationPath: annotationPath,
		Reader:         reader,
		Chroms:         reader,
	}, telescope.Outputs{
		Report:         reportOut.Writer(ctx),
		CheckpointPath: *checkpointPath,
	})
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("done: %d fragments (%d unique, %d ambiguous, %d no-feature), %d loci, %d EM iterations, converged=%v",
		summary.R, summary.Counts.Unique, summary.Counts.Ambiguous, summary.Counts.NoFeature, summary.T, summary.Iterations, summary.Converged)
}
