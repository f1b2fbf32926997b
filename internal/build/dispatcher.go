// Package build dispatches merge-queue builds: it asks the hosting platform
// to merge a PR's head into a scratch branch, or reuses a previous scratch
// merge's results when eligible, and reports status back via comments and
// commit statuses.
package build

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/coupa/homu/internal/ci"
	"github.com/coupa/homu/internal/config"
	"github.com/coupa/homu/internal/hostclient"
	"github.com/coupa/homu/internal/model"
)

// BuildSlot is the single shared session-CI build slot: at most one
// session-CI build may be in flight across all repos at a time. A typed,
// single-cell holder replacing the original's mutable global.
type BuildSlot struct {
	mergeSHA string
}

// Occupied reports whether a session-CI build is currently running.
func (s *BuildSlot) Occupied() bool { return s.mergeSHA != "" }

// Fill records the merge commit occupying the slot.
func (s *BuildSlot) Fill(mergeSHA string) { s.mergeSHA = mergeSHA }

// Release empties the slot; called once the occupying build finishes.
func (s *BuildSlot) Release() { s.mergeSHA = "" }

// PersistentPR is the subset of Store operations the dispatcher needs to
// keep the durable record in sync with the in-memory PR it mutates.
type PersistentPR interface {
	UpsertPull(pr *model.PullRequest) error
	SetStatus(pr *model.PullRequest, status model.Status) error
	InitBuildResults(pr *model.PullRequest, builders []string) error
}

// Dispatcher owns the single shared build slot and the collaborators
// needed to create and track scratch-branch builds.
type Dispatcher struct {
	log    *logrus.Entry
	host   hostclient.Client
	ci     *ci.SessionClient
	store  PersistentPR
	slot   *BuildSlot
	repoOf func(repoLabel string) (config.RepoConfig, bool)
}

// New builds a Dispatcher. slot is shared across every repo using
// session-CI; pass the same *BuildSlot to every Dispatcher in the process.
func New(log *logrus.Entry, host hostclient.Client, ciClient *ci.SessionClient, store PersistentPR, slot *BuildSlot, repoOf func(string) (config.RepoConfig, bool)) *Dispatcher {
	return &Dispatcher{log: log, host: host, ci: ciClient, store: store, slot: slot, repoOf: repoOf}
}

// StartBuildOrRebuild tries to reuse a previous scratch merge via
// StartRebuild, falling back to a fresh StartBuild.
func (d *Dispatcher) StartBuildOrRebuild(ctx context.Context, repoLabel string, pr *model.PullRequest) (bool, error) {
	repoCfg, ok := d.repoOf(repoLabel)
	if !ok {
		return false, errors.Errorf("unknown repo %s", repoLabel)
	}

	ok, err := d.StartRebuild(ctx, repoCfg, pr)
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return d.StartBuild(ctx, repoCfg, pr)
}

// StartBuild creates a fresh scratch merge and kicks off CI against it. For
// a session-CI repo whose shared slot is already occupied it starts nothing
// and returns true.
func (d *Dispatcher) StartBuild(ctx context.Context, repoCfg config.RepoConfig, pr *model.PullRequest) (bool, error) {
	if repoCfg.UsesSessionCI() && d.slot.Occupied() {
		return true, nil
	}

	live, err := d.host.GetPullRequest(ctx, repoCfg.Owner, repoCfg.Name, pr.Num)
	if err != nil {
		return false, errors.Wrap(err, "refresh pull request before build")
	}
	if live.HeadSHA != pr.HeadSHA {
		return false, errors.Errorf("%s: recorded head %s disagrees with platform head %s",
			pr.Key(), pr.HeadSHA, live.HeadSHA)
	}

	branch, builders, testRunnersShape, err := repoCfg.BuildersFor(pr.TryMode, pr.BaseRef)
	if err != nil {
		return false, err
	}

	mergeSHA, conflict, err := d.createMerge(ctx, repoCfg, pr, branch)
	if err != nil {
		return false, err
	}
	if conflict {
		return false, nil
	}

	if err := d.store.InitBuildResults(pr, builders); err != nil {
		return false, err
	}
	pr.MergeSHA = mergeSHA
	if err := d.store.UpsertPull(pr); err != nil {
		return false, err
	}

	if repoCfg.UsesSessionCI() {
		d.slot.Fill(pr.MergeSHA)
	}

	d.log.WithFields(logrus.Fields{
		"repo": repoCfg.FullName(), "pr": pr.Num, "branch": branch, "merge_sha": pr.MergeSHA,
	}).Info("starting build")

	if err := d.store.SetStatus(pr, model.StatusPending); err != nil {
		return false, err
	}

	verb := "Testing"
	if pr.TryMode {
		verb = "Trying"
	}
	desc := fmt.Sprintf("%s commit %s with merge %s...", verb, shortSHA(pr.HeadSHA), shortSHA(pr.MergeSHA))

	if testRunnersShape {
		for _, builder := range builders {
			d.createStatus(ctx, repoCfg, pr.HeadSHA, hostclient.StatusStatePending, desc, "merge-test/"+builder)
		}
	} else {
		d.createStatus(ctx, repoCfg, pr.HeadSHA, hostclient.StatusStatePending, desc, "homu")
	}

	d.comment(ctx, repoCfg, pr.Num, ":hourglass: "+desc)

	return true, nil
}

// createMerge resets the scratch branch to the current base and asks the
// platform to merge the PR's head into it. conflict is true on an HTTP 409,
// which is handled (status+comment) rather than propagated.
func (d *Dispatcher) createMerge(ctx context.Context, repoCfg config.RepoConfig, pr *model.PullRequest, branch string) (mergeSHA string, conflict bool, err error) {
	baseSHA, err := d.host.ResolveRef(ctx, repoCfg.Owner, repoCfg.Name, "heads/"+pr.BaseRef)
	if err != nil {
		return "", false, errors.Wrap(err, "resolve base ref")
	}
	if err := d.host.ForceUpdateRef(ctx, repoCfg.Owner, repoCfg.Name, "heads/"+branch, baseSHA); err != nil {
		return "", false, errors.Wrap(err, "reset scratch branch")
	}

	live, err := d.host.GetPullRequest(ctx, repoCfg.Owner, repoCfg.Name, pr.Num)
	if err != nil {
		return "", false, errors.Wrap(err, "refresh pull request title/body")
	}
	pr.Title = live.Title
	pr.Body = live.Body

	approver := pr.ApprovedBy
	if pr.TryMode {
		approver = "<try>"
	}
	message := fmt.Sprintf("Auto merge of #%d - %s, r=%s\n\n%s\n\n%s",
		pr.Num, pr.HeadRef, approver, pr.Title, pr.Body)

	sha, err := d.host.Merge(ctx, repoCfg.Owner, repoCfg.Name, branch, pr.HeadSHA, message)
	if err != nil {
		var mergeConflict *hostclient.MergeConflictError
		if stderrors.As(err, &mergeConflict) {
			if serr := d.store.SetStatus(pr, model.StatusError); serr != nil {
				return "", false, serr
			}
			d.createStatus(ctx, repoCfg, pr.HeadSHA, hostclient.StatusStateError, "Merge conflict", "homu")
			d.comment(ctx, repoCfg, pr.Num, ":lock: Merge conflict")
			return "", true, nil
		}
		return "", false, errors.Wrap(err, "merge")
	}
	return sha, false, nil
}

// StartRebuild reuses a previous scratch merge's results when every prior
// builder reported, both outcomes occurred, and the scratch commit is still
// reachable from the current base.
func (d *Dispatcher) StartRebuild(ctx context.Context, repoCfg config.RepoConfig, pr *model.PullRequest) (bool, error) {
	if !repoCfg.UsesSessionCI() || len(pr.BuildResults) == 0 {
		return false, nil
	}

	var failed, succeeded []builderLink
	for builder, res := range pr.BuildResults {
		if res.URL == "" {
			return false, nil
		}
		if res.Result == model.ResultPass {
			succeeded = append(succeeded, builderLink{builder, res.URL})
		} else {
			failed = append(failed, builderLink{builder, res.URL})
		}
	}
	if len(failed) == 0 || len(succeeded) == 0 {
		return false, nil
	}

	baseSHA, err := d.host.ResolveRef(ctx, repoCfg.Owner, repoCfg.Name, "heads/"+pr.BaseRef)
	if err != nil {
		return false, errors.Wrap(err, "resolve base ref")
	}
	parents, err := d.host.CommitParents(ctx, repoCfg.Owner, repoCfg.Name, pr.MergeSHA)
	if err != nil {
		return false, errors.Wrap(err, "read scratch commit parents")
	}
	if !containsString(parents, baseSHA) {
		return false, nil
	}

	if err := d.host.ForceUpdateRef(ctx, repoCfg.Owner, repoCfg.Name, "tags/homu-tmp", pr.MergeSHA); err != nil {
		return false, errors.Wrap(err, "plant rebuild tag")
	}

	sort.Slice(failed, func(i, j int) bool { return failed[i].builder < failed[j].builder })
	sort.Slice(succeeded, func(i, j int) bool { return succeeded[i].builder < succeeded[j].builder })

	for _, b := range failed {
		errText, err := d.ci.Rebuild(ctx, *repoCfg.Buildbot, b.url, b.builder)
		if err != nil {
			return false, errors.Wrapf(err, "rebuild %s", b.builder)
		}
		if errText != "" {
			d.comment(ctx, repoCfg, pr.Num, fmt.Sprintf(":bomb: Failed to start rebuilding: `%s`", errText))
			return false, nil
		}
	}

	if err := d.store.SetStatus(pr, model.StatusPending); err != nil {
		return false, err
	}
	d.createStatus(ctx, repoCfg, pr.HeadSHA, hostclient.StatusStatePending, "Previous build results are reusable. Rebuilding...", "homu")

	msg := fmt.Sprintf("Previous build results for %s are reusable. Rebuilding only %s...",
		linkList(succeeded), linkList(failed))
	d.comment(ctx, repoCfg, pr.Num, ":zap: "+msg)

	return true, nil
}

type builderLink struct {
	builder, url string
}

func linkList(links []builderLink) string {
	parts := make([]string, len(links))
	for i, l := range links {
		parts[i] = fmt.Sprintf("[%s](%s)", l.builder, l.url)
	}
	return strings.Join(parts, ", ")
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func (d *Dispatcher) createStatus(ctx context.Context, repoCfg config.RepoConfig, sha string, state hostclient.StatusState, description, context string) {
	if err := d.host.CreateStatus(ctx, repoCfg.Owner, repoCfg.Name, sha, state, description, context); err != nil {
		d.log.WithError(err).Warn("failed to create status")
	}
}

func (d *Dispatcher) comment(ctx context.Context, repoCfg config.RepoConfig, num int, body string) {
	if err := d.host.CreateComment(ctx, repoCfg.Owner, repoCfg.Name, num, body); err != nil {
		d.log.WithError(err).Warn("failed to post comment")
	}
}
