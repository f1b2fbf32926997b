// Package queue holds the per-repo scan that decides, at most once per
// invocation across every managed repo, which PR (if any) should have a
// build dispatched.
package queue

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coupa/homu/internal/model"
)

// Dispatcher starts a build or rebuild for one PR. It returns true when the
// scan should stop: a build was dispatched, or the repo uses session-CI and
// the shared build slot is already occupied.
type Dispatcher interface {
	StartBuildOrRebuild(ctx context.Context, repoLabel string, pr *model.PullRequest) (bool, error)
}

// StatusSetter is the slice of Store the processor needs to flip try-mode
// off once a try build has succeeded and is ready to land for real.
type StatusSetter interface {
	UpsertPull(pr *model.PullRequest) error
}

// Processor runs the two-pass scan described in the spec: an approved-work
// pass, then a try-only pass, stopping at the first dispatched build.
// queueHandlerLock serializes invocations across every caller (concurrent
// webhook deliveries), matching tide's single-mutex Controller.
type Processor struct {
	log        *logrus.Entry
	dispatcher Dispatcher
	store      StatusSetter

	queueHandlerLock sync.Mutex
}

// New builds a Processor.
func New(log *logrus.Entry, dispatcher Dispatcher, store StatusSetter) *Processor {
	return &Processor{log: log, dispatcher: dispatcher, store: store}
}

// Run scans every repo in states, dispatching at most one build. Repos are
// visited in map order, which is not relied upon for correctness; callers
// pass the full set of tracked repos.
func (p *Processor) Run(ctx context.Context, states map[string]map[int]*model.PullRequest) error {
	p.queueHandlerLock.Lock()
	defer p.queueHandlerLock.Unlock()

	for repoLabel, prs := range states {
		sorted := sortedPRs(prs)

		for _, pr := range sorted {
			if pr.Status == model.StatusPending && !pr.TryMode {
				break
			}

			if pr.Status == model.StatusNone && pr.ApprovedBy != "" {
				dispatched, err := p.dispatcher.StartBuildOrRebuild(ctx, repoLabel, pr)
				if err != nil {
					p.log.WithField("pr", pr.Key()).WithError(err).Error("build dispatch failed")
					continue
				}
				if dispatched {
					return nil
				}
				continue
			}

			if pr.Status == model.StatusSuccess && pr.TryMode && pr.ApprovedBy != "" {
				pr.TryMode = false
				if err := p.store.UpsertPull(pr); err != nil {
					p.log.WithField("pr", pr.Key()).WithError(err).Error("failed to persist try-mode clear")
					continue
				}
				dispatched, err := p.dispatcher.StartBuildOrRebuild(ctx, repoLabel, pr)
				if err != nil {
					p.log.WithField("pr", pr.Key()).WithError(err).Error("build dispatch failed")
					continue
				}
				if dispatched {
					return nil
				}
			}
		}

		for _, pr := range sorted {
			if pr.Status == model.StatusNone && pr.TryMode {
				dispatched, err := p.dispatcher.StartBuildOrRebuild(ctx, repoLabel, pr)
				if err != nil {
					p.log.WithField("pr", pr.Key()).WithError(err).Error("try-build dispatch failed")
					continue
				}
				if dispatched {
					return nil
				}
			}
		}
	}

	return nil
}

func sortedPRs(prs map[int]*model.PullRequest) []*model.PullRequest {
	out := make([]*model.PullRequest, 0, len(prs))
	for _, pr := range prs {
		out = append(out, pr)
	}
	sort.Slice(out, func(i, j int) bool { return model.Less(out[i], out[j]) })
	return out
}
