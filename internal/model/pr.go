// Package model holds the in-memory representation of a pull request as
// tracked by the merge queue, its ordering key, and the small set of
// auxiliary records (build results, mergeability cache) that travel with it.
package model

import "fmt"

// Result is the tri-state outcome of a single builder run. It mirrors the
// nullable `res` column of the persisted build_res table: unset, pass, fail.
type Result int

const (
	ResultUnknown Result = iota
	ResultPass
	ResultFail
)

// Mergeable is a tri-state: unknown until the mergeability prober classifies
// a PR as mergeable or not.
type Mergeable int

const (
	MergeableUnknown Mergeable = iota
	MergeableTrue
	MergeableFalse
)

// Status is the PR's CI/landing status as understood by the queue.
type Status string

const (
	StatusNone    Status = ""
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusError   Status = "error"
)

// BuildResult is one builder's outcome for the merge commit currently under
// test. It is evicted whenever the owning PR's MergeSHA changes.
type BuildResult struct {
	Result Result
	URL    string
}

// PullRequest is the primary entity tracked by the merge queue.
type PullRequest struct {
	RepoLabel string
	Num       int

	HeadSHA string // 40-hex commit id
	HeadRef string // "owner:ref"
	BaseRef string

	Title    string
	Body     string
	Assignee string

	ApprovedBy string
	Priority   int
	TryMode    bool
	Rollup     bool

	Status    Status
	MergeSHA  string
	Mergeable Mergeable

	BuildResults map[string]BuildResult
}

// Key identifies a PullRequest within the queue.
func (pr *PullRequest) Key() string {
	return fmt.Sprintf("%s#%d", pr.RepoLabel, pr.Num)
}

// EffectiveStatus is the derived status used for display and for the
// ordering key: an approved, not-yet-dispatched PR reads as "approved"
// rather than empty.
func (pr *PullRequest) EffectiveStatus() Status {
	if pr.Status == StatusNone && pr.ApprovedBy != "" && pr.Mergeable != MergeableFalse {
		return "approved"
	}
	return pr.Status
}

// statusPriority ranks EffectiveStatus values for the ordering key; lower
// sorts first (more urgent).
var statusPriority = map[Status]int{
	StatusSuccess: 0,
	StatusPending: 1,
	"approved":    2,
	StatusNone:    3,
	StatusError:   4,
	StatusFailure: 5,
}

// OrderKey is the lexicographic 6-tuple sort key from the spec: lower sorts
// first (higher urgency). Comparisons should go through Less, below.
type OrderKey struct {
	StatusRank     int
	Unmergeable    int // 1 if definitively unmergeable, else 0
	Unapproved     int // 1 if unapproved, else 0
	Rollup         int // 1 if rollup, else 0 (non-rollup sorts first)
	NegPriority    int
	Num            int
}

func (pr *PullRequest) orderKey() OrderKey {
	unmergeable := 0
	if pr.Mergeable == MergeableFalse {
		unmergeable = 1
	}
	unapproved := 1
	if pr.ApprovedBy != "" {
		unapproved = 0
	}
	rollup := 0
	if pr.Rollup {
		rollup = 1
	}
	return OrderKey{
		StatusRank:  statusPriority[pr.EffectiveStatus()],
		Unmergeable: unmergeable,
		Unapproved:  unapproved,
		Rollup:      rollup,
		NegPriority: -pr.Priority,
		Num:         pr.Num,
	}
}

// Less implements the total order used to sort a repo's queue.
func Less(a, b *PullRequest) bool {
	ka, kb := a.orderKey(), b.orderKey()
	if ka.StatusRank != kb.StatusRank {
		return ka.StatusRank < kb.StatusRank
	}
	if ka.Unmergeable != kb.Unmergeable {
		return ka.Unmergeable < kb.Unmergeable
	}
	if ka.Unapproved != kb.Unapproved {
		return ka.Unapproved < kb.Unapproved
	}
	if ka.Rollup != kb.Rollup {
		return ka.Rollup < kb.Rollup
	}
	if ka.NegPriority != kb.NegPriority {
		return ka.NegPriority < kb.NegPriority
	}
	return ka.Num < kb.Num
}

// HeadAdvanced resets the fields that become stale when the PR's head moves
// to a new commit: approval, status, merge commit, build results, try-mode,
// and mergeability.
func (pr *PullRequest) HeadAdvanced(headSHA string) {
	pr.HeadSHA = headSHA
	pr.ApprovedBy = ""
	pr.Status = StatusNone
	pr.MergeSHA = ""
	pr.BuildResults = map[string]BuildResult{}
	pr.TryMode = false
	pr.Mergeable = MergeableUnknown
}

// InitBuildResults replaces the build-results map with one entry per
// builder, all unknown. Passing nil clears all results.
func (pr *PullRequest) InitBuildResults(builders []string) {
	pr.BuildResults = make(map[string]BuildResult, len(builders))
	for _, b := range builders {
		pr.BuildResults[b] = BuildResult{Result: ResultUnknown}
	}
}

// BuildResultSummary renders "builder: result, ..." for log lines.
func (pr *PullRequest) BuildResultSummary() string {
	s := ""
	for builder, res := range pr.BuildResults {
		if s != "" {
			s += ", "
		}
		s += fmt.Sprintf("%s: %d", builder, res.Result)
	}
	return s
}
