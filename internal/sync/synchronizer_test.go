package sync

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coupa/homu/internal/command"
	"github.com/coupa/homu/internal/config"
	"github.com/coupa/homu/internal/hostclient"
	"github.com/coupa/homu/internal/mergeability"
	"github.com/coupa/homu/internal/model"
)

type fakeHost struct {
	hostclient.Client
	prs      []hostclient.PRInfo
	reviews  map[int][]hostclient.Comment
	issues   map[int][]hostclient.Comment
	statuses map[int][]hostclient.StatusCheck
}

func (f *fakeHost) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]hostclient.PRInfo, error) {
	return f.prs, nil
}

func (f *fakeHost) ListReviewComments(ctx context.Context, owner, repo string, num int) ([]hostclient.Comment, error) {
	return f.reviews[num], nil
}

func (f *fakeHost) ListIssueComments(ctx context.Context, owner, repo string, num int) ([]hostclient.Comment, error) {
	return f.issues[num], nil
}

func (f *fakeHost) ListStatuses(ctx context.Context, owner, repo, sha string) ([]hostclient.StatusCheck, error) {
	for num, checks := range f.statuses {
		_ = num
		return checks, nil
	}
	return nil, nil
}

type fakeStore struct {
	purged   []string
	upserted []int
}

func (f *fakeStore) PurgeRepo(repoLabel string) error {
	f.purged = append(f.purged, repoLabel)
	return nil
}

func (f *fakeStore) UpsertPull(pr *model.PullRequest) error {
	f.upserted = append(f.upserted, pr.Num)
	return nil
}

func testRepoCfg() config.RepoConfig {
	return config.RepoConfig{Owner: "rust-lang", Name: "rust", Reviewers: []string{"alice"}}
}

func newTestSynchronizer(host hostclient.Client, store Store, now time.Time) *Synchronizer {
	log := logrus.NewEntry(logrus.New())
	parser := command.New("homu", nil, nil, func() time.Time { return now })
	prober := mergeability.New(log, nil, nopMergeableSetter{}, func(string) (config.RepoConfig, bool) { return config.RepoConfig{}, false })
	s := New(log, host, store, parser, prober)
	s.now = func() time.Time { return now }
	return s
}

type nopMergeableSetter struct{}

func (nopMergeableSetter) SetMergeable(pr *model.PullRequest, value model.Mergeable) error { return nil }

func TestSyncFiltersStalePullRequests(t *testing.T) {
	now := time.Unix(10_000_000, 0)
	host := &fakeHost{
		prs: []hostclient.PRInfo{
			{Number: 1, HeadSHA: "sha1", UpdatedAt: now.Add(-maxPRAge - time.Hour)},
			{Number: 2, HeadSHA: "sha2", UpdatedAt: now.Add(-time.Hour)},
		},
		reviews: map[int][]hostclient.Comment{},
		issues:  map[int][]hostclient.Comment{},
	}
	store := &fakeStore{}
	s := newTestSynchronizer(host, store, now)

	out, err := s.Sync(context.Background(), "rust-lang/rust", testRepoCfg())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1 (stale PR #1 dropped)", len(out))
	}
	if _, ok := out[2]; !ok {
		t.Errorf("out = %v, want #2 present", out)
	}
	if len(store.purged) != 1 || store.purged[0] != "rust-lang/rust" {
		t.Errorf("purged = %v, want [rust-lang/rust]", store.purged)
	}
}

func TestSyncReplaysMatchingReviewCommentsOnly(t *testing.T) {
	now := time.Unix(10_000_000, 0)
	host := &fakeHost{
		prs: []hostclient.PRInfo{{Number: 1, HeadSHA: "headsha", UpdatedAt: now}},
		reviews: map[int][]hostclient.Comment{
			1: {
				{Author: "alice", Body: "@homu r+", OriginalCommitID: "stalesha"},
				{Author: "alice", Body: "@homu r+", OriginalCommitID: "headsha"},
			},
		},
		issues: map[int][]hostclient.Comment{1: {}},
	}
	store := &fakeStore{}
	s := newTestSynchronizer(host, store, now)

	out, err := s.Sync(context.Background(), "rust-lang/rust", testRepoCfg())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	pr := out[1]
	if pr == nil {
		t.Fatal("out[1] = nil")
	}
	if pr.ApprovedBy != "alice" {
		t.Errorf("ApprovedBy = %q, want alice (only the head-matching review comment should apply)", pr.ApprovedBy)
	}
}

func TestSyncAdoptsPersistedHomuStatus(t *testing.T) {
	now := time.Unix(10_000_000, 0)
	host := &fakeHost{
		prs:     []hostclient.PRInfo{{Number: 3, HeadSHA: "headsha", UpdatedAt: now}},
		reviews: map[int][]hostclient.Comment{3: {}},
		issues:  map[int][]hostclient.Comment{3: {}},
		statuses: map[int][]hostclient.StatusCheck{
			3: {{Context: "homu", State: hostclient.StatusStatePending}},
		},
	}
	store := &fakeStore{}
	s := newTestSynchronizer(host, store, now)

	out, err := s.Sync(context.Background(), "rust-lang/rust", testRepoCfg())
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if out[3].Status != model.StatusPending {
		t.Errorf("Status = %q, want pending (adopted from homu commit status)", out[3].Status)
	}
}
