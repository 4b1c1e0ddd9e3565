package opbase

import "time"

// Progress is the tagged record emitted to the front-end, matching the
// shape spec.md §6 defines exactly: fields that don't apply to a given
// emitter are left zero rather than omitted (SPEC_FULL.md §9 picks the
// "single wide struct" option over a tagged union per operation-kind,
// since most emitters only ever populate a handful of fields and a union
// would just push that sparseness into a type switch at the call site).
type Progress struct {
	Phase          string
	SubPhase       string
	CurrentItem    string
	ItemsDone      int
	ItemsTotal     int
	BytesDone      int64
	BytesTotal     int64
	Percent        float64
	ElapsedSeconds float64
	EtaSeconds     float64
	SourceDevice   string
	TargetDevice   string
	Errors         []string
}

// Phase constants used across every L3 pipeline.
const (
	PhaseRunning            = "running"
	PhaseComplete           = "complete"
	PhaseCompleteWithErrors = "complete_with_errors"
	PhaseError              = "error"
)

// fillDerived computes ElapsedSeconds and extrapolates EtaSeconds from
// Percent using a linear model: eta = elapsed/percent*(100-percent). This
// is explicitly an estimate (SPEC_FULL.md §3.3), never authoritative.
func fillDerived(p *Progress, start time.Time) {
	elapsed := time.Since(start).Seconds()
	p.ElapsedSeconds = elapsed
	if p.Percent > 0 && p.Percent < 100 {
		p.EtaSeconds = elapsed / p.Percent * (100 - p.Percent)
	} else {
		p.EtaSeconds = 0
	}
}
