// Package mergeability runs the single-consumer mergeability probe queue: a
// goroutine that asks the hosting platform whether a PR is still mergeable
// and reacts to a true-to-false transition with a comment.
package mergeability

import (
	"context"
	"regexp"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coupa/homu/internal/config"
	"github.com/coupa/homu/internal/hostclient"
	"github.com/coupa/homu/internal/model"
)

var causeNumRe = regexp.MustCompile(`(?i)merge (?:of|pull request) #(\d+)`)

// Cause optionally describes a commit that plausibly changed a PR's
// mergeability, so the transition comment can attribute it.
type Cause struct {
	Title string
	SHA   string
}

// Item is one unit of probe work.
type Item struct {
	PR    *model.PullRequest
	Cause *Cause
}

// HostClient is the subset of the hosting-platform client the prober needs.
type HostClient interface {
	GetPullRequest(ctx context.Context, owner, repo string, num int) (hostclient.PRInfo, error)
	CreateComment(ctx context.Context, owner, repo string, num int, body string) error
}

// MergeableSetter persists a mergeability value without re-enqueueing a
// probe (the Store itself has no notion of the queue; this just names the
// semantics the spec calls for).
type MergeableSetter interface {
	SetMergeable(pr *model.PullRequest, value model.Mergeable) error
}

// Prober owns the work channel and its single consumer goroutine.
type Prober struct {
	log    *logrus.Entry
	client HostClient
	store  MergeableSetter
	repos  func(repoLabel string) (config.RepoConfig, bool)

	work  chan probeRequest
	sleep func(time.Duration)
}

type probeRequest struct {
	repoLabel string
	item      Item
}

// New builds a Prober with a buffered work channel. repos resolves a PR's
// owner/name from its repo label.
func New(log *logrus.Entry, client HostClient, store MergeableSetter, repos func(string) (config.RepoConfig, bool)) *Prober {
	return &Prober{
		log:    log,
		client: client,
		store:  store,
		repos:  repos,
		work:   make(chan probeRequest, 256),
		sleep:  time.Sleep,
	}
}

// Run drains the work queue until ctx is canceled. Call it once, in its own
// goroutine, at startup.
func (p *Prober) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-p.work:
			p.process(ctx, req)
		}
	}
}

// Enqueue schedules a probe for pr, optionally attributing a cause.
func (p *Prober) Enqueue(repoLabel string, pr *model.PullRequest, cause *Cause) {
	p.work <- probeRequest{repoLabel: repoLabel, item: Item{PR: pr, Cause: cause}}
}

func (p *Prober) process(ctx context.Context, req probeRequest) {
	defer func() {
		if r := recover(); r != nil {
			p.log.WithField("pr", req.item.PR.Key()).Errorf("mergeability probe panicked: %v", r)
		}
	}()

	repoCfg, ok := p.repos(req.repoLabel)
	if !ok {
		return
	}
	pr := req.item.PR

	snap, err := p.client.GetPullRequest(ctx, repoCfg.Owner, repoCfg.Name, pr.Num)
	if err != nil {
		p.log.WithField("pr", pr.Key()).WithError(err).Warn("mergeability probe failed")
		return
	}
	if snap.Mergeable == nil {
		p.sleep(5 * time.Second)
		snap, err = p.client.GetPullRequest(ctx, repoCfg.Owner, repoCfg.Name, pr.Num)
		if err != nil {
			p.log.WithField("pr", pr.Key()).WithError(err).Warn("mergeability probe retry failed")
			return
		}
	}

	was := pr.Mergeable
	newValue := model.MergeableUnknown
	if snap.Mergeable != nil {
		if *snap.Mergeable {
			newValue = model.MergeableTrue
		} else {
			newValue = model.MergeableFalse
		}
	}

	if was == model.MergeableTrue && newValue == model.MergeableFalse {
		body := ":x: The latest upstream changes"
		if req.item.Cause != nil {
			body += " (presumably " + causeDescription(*req.item.Cause) + ")"
		}
		body += " made this pull request unmergeable. Please resolve the merge conflicts."
		if err := p.client.CreateComment(ctx, repoCfg.Owner, repoCfg.Name, pr.Num, body); err != nil {
			p.log.WithField("pr", pr.Key()).WithError(err).Warn("failed to post mergeability comment")
		}
	}

	if err := p.store.SetMergeable(pr, newValue); err != nil {
		p.log.WithField("pr", pr.Key()).WithError(err).Error("failed to persist mergeability")
	}
}

func causeDescription(c Cause) string {
	if m := causeNumRe.FindStringSubmatch(c.Title); m != nil {
		return "#" + m[1]
	}
	if len(c.SHA) >= 7 {
		return c.SHA[:7]
	}
	return c.SHA
}
