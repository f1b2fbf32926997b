// Package sync bootstraps one repo's in-memory queue state from the hosting
// platform: it purges whatever was persisted, lists currently open pull
// requests, replays their comment history through the command parser, and
// re-persists the result.
package sync

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/coupa/homu/internal/command"
	"github.com/coupa/homu/internal/config"
	"github.com/coupa/homu/internal/hostclient"
	"github.com/coupa/homu/internal/mergeability"
	"github.com/coupa/homu/internal/model"
)

// maxPRAge is the ~2-month cutoff past which an open PR is ignored during
// synchronization (5e6 seconds, taken directly from original_source).
const maxPRAge = 5_000_000 * time.Second

// Store is the subset of persistence the synchronizer needs.
type Store interface {
	PurgeRepo(repoLabel string) error
	UpsertPull(pr *model.PullRequest) error
}

// Synchronizer rebuilds one repo's queue state from the hosting platform.
type Synchronizer struct {
	log    *logrus.Entry
	host   hostclient.Client
	store  Store
	parser *command.Parser
	prober *mergeability.Prober
	now    func() time.Time
}

// New builds a Synchronizer.
func New(log *logrus.Entry, host hostclient.Client, store Store, parser *command.Parser, prober *mergeability.Prober) *Synchronizer {
	return &Synchronizer{log: log, host: host, store: store, parser: parser, prober: prober, now: time.Now}
}

// Sync purges and rebuilds repoLabel's queue state, returning the
// reconstructed PRs keyed by number.
func (s *Synchronizer) Sync(ctx context.Context, repoLabel string, repoCfg config.RepoConfig) (map[int]*model.PullRequest, error) {
	s.log.WithField("repo", repoLabel).Info("synchronizing")

	if err := s.store.PurgeRepo(repoLabel); err != nil {
		return nil, errors.Wrap(err, "purge repo before sync")
	}

	prs, err := s.host.ListOpenPullRequests(ctx, repoCfg.Owner, repoCfg.Name)
	if err != nil {
		return nil, errors.Wrap(err, "list open pull requests")
	}

	out := make(map[int]*model.PullRequest, len(prs))

	for _, info := range prs {
		if s.now().Sub(info.UpdatedAt) > maxPRAge {
			s.log.WithFields(logrus.Fields{"repo": repoLabel, "pr": info.Number}).
				Debug("ignoring stale pull request during sync")
			continue
		}

		pr := &model.PullRequest{
			RepoLabel: repoLabel,
			Num:       info.Number,
			HeadSHA:   info.HeadSHA,
			HeadRef:   info.HeadRef(),
			BaseRef:   info.BaseRef,
			Title:     info.Title,
			Body:      info.Body,
			Assignee:  info.Assignee,
			Mergeable: model.MergeableUnknown,
		}

		pr.Status = s.adoptStatus(ctx, repoCfg, info)

		reviewComments, err := s.host.ListReviewComments(ctx, repoCfg.Owner, repoCfg.Name, info.Number)
		if err != nil {
			return nil, errors.Wrapf(err, "list review comments for #%d", info.Number)
		}
		for _, c := range reviewComments {
			if c.OriginalCommitID != info.HeadSHA {
				continue
			}
			s.parser.ParseCommands(ctx, c.Body, c.Author, repoCfg, pr, false, c.OriginalCommitID)
		}

		issueComments, err := s.host.ListIssueComments(ctx, repoCfg.Owner, repoCfg.Name, info.Number)
		if err != nil {
			return nil, errors.Wrapf(err, "list issue comments for #%d", info.Number)
		}
		for _, c := range issueComments {
			s.parser.ParseCommands(ctx, c.Body, c.Author, repoCfg, pr, false, "")
		}

		if err := s.store.UpsertPull(pr); err != nil {
			return nil, errors.Wrapf(err, "persist pull #%d", info.Number)
		}

		s.prober.Enqueue(repoLabel, pr, nil)

		out[info.Number] = pr
	}

	s.log.WithField("repo", repoLabel).Info("done synchronizing")
	return out, nil
}

// adoptStatus returns the state of the "homu" context among the head
// commit's reported statuses, or empty if there is none. It does not consult
// the store: Sync has already purged the repo's rows, so there are none to
// read.
func (s *Synchronizer) adoptStatus(ctx context.Context, repoCfg config.RepoConfig, info hostclient.PRInfo) model.Status {
	checks, err := s.host.ListStatuses(ctx, repoCfg.Owner, repoCfg.Name, info.HeadSHA)
	if err != nil {
		s.log.WithError(err).Warn("failed to read commit statuses during sync")
		return model.StatusNone
	}
	for _, c := range checks {
		if c.Context == "homu" {
			return model.Status(c.State)
		}
	}
	return model.StatusNone
}
