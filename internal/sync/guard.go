package sync

import (
	"fmt"
	"strings"

	"github.com/uvcad/cadsync/internal/provider"
)

const (
	DefaultMaxDeletes       = 50
	DefaultMaxDeletePercent = 30.0
)

// Guard blocks plans that would delete more than either ceiling allows.
type Guard struct {
	MaxDeletes       int     `json:"maxDeletes" yaml:"maxDeletes"`
	MaxDeletePercent float64 `json:"maxDeletePercent" yaml:"maxDeletePercent"`
}

func DefaultGuard() Guard {
	return Guard{MaxDeletes: DefaultMaxDeletes, MaxDeletePercent: DefaultMaxDeletePercent}
}

// BlockReport explains a blocked run.
type BlockReport struct {
	Deletions        int                       `json:"deletions" yaml:"deletions"`
	KnownBefore      int                       `json:"knownBefore" yaml:"knownBefore"`
	Ratio            float64                   `json:"ratio" yaml:"ratio"`
	MaxDeletes       int                       `json:"maxDeletes" yaml:"maxDeletes"`
	MaxDeletePercent float64                   `json:"maxDeletePercent" yaml:"maxDeletePercent"`
	CountExceeded    bool                      `json:"countExceeded" yaml:"countExceeded"`
	PercentExceeded  bool                      `json:"percentExceeded" yaml:"percentExceeded"`
	PerLocation      map[provider.Location]int `json:"perLocation" yaml:"perLocation"`
	Excluded         []Exclusion               `json:"excluded,omitempty" yaml:"excluded,omitempty"`
}

func (r *BlockReport) String() string {
	var b strings.Builder

	var limits []string
	if r.CountExceeded {
		limits = append(limits, fmt.Sprintf("%d deletions exceed the limit of %d files", r.Deletions, r.MaxDeletes))
	}
	if r.PercentExceeded {
		limits = append(limits, fmt.Sprintf("%.1f%% of %d known files exceeds the limit of %.1f%%",
			r.Ratio*100, r.KnownBefore, r.MaxDeletePercent))
	}
	b.WriteString(strings.Join(limits, " and "))

	var per []string
	for _, loc := range provider.Locations {
		if n, ok := r.PerLocation[loc]; ok {
			per = append(per, fmt.Sprintf("%s %d", loc, n))
		}
	}
	if len(per) > 0 {
		fmt.Fprintf(&b, " (deletions by location: %s)", strings.Join(per, ", "))
	}

	for _, ex := range r.Excluded {
		fmt.Fprintf(&b, "; %s was skipped: %s", ex.Location, ex.Reason)
	}
	b.WriteString(". Nothing was changed; verify your sync folders are accessible")
	return b.String()
}

// Verdict is the guard's decision.
type Verdict struct {
	Allowed bool
	Report  *BlockReport
}

func (v Verdict) Err() error {
	if v.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrDeletionBlocked, v.Report)
}

// Evaluate compares the plan's deletions with both ceilings. Either being strictly exceeded blocks.
// The ratio uses the number of paths known before the run, so a location that vanished cannot
// shrink the denominator.
func (g Guard) Evaluate(plan *Plan) Verdict {
	n := plan.DeletionCount()
	if n == 0 {
		return Verdict{Allowed: true}
	}

	countExceeded := n > g.MaxDeletes
	// n/known > pct/100 without division
	percentExceeded := float64(n)*100 > g.MaxDeletePercent*float64(plan.KnownBefore)

	if !countExceeded && !percentExceeded {
		return Verdict{Allowed: true}
	}

	perLocation := make(map[provider.Location]int)
	for _, loc := range plan.Active {
		perLocation[loc] = 0
	}
	for loc, c := range plan.DeletionsAt() {
		perLocation[loc] = c
	}

	return Verdict{
		Report: &BlockReport{
			Deletions:        n,
			KnownBefore:      plan.KnownBefore,
			Ratio:            plan.DeletionRatio(),
			MaxDeletes:       g.MaxDeletes,
			MaxDeletePercent: g.MaxDeletePercent,
			CountExceeded:    countExceeded,
			PercentExceeded:  percentExceeded,
			PerLocation:      perLocation,
			Excluded:         plan.Excluded,
		},
	}
}
