package mergeability

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coupa/homu/internal/config"
	"github.com/coupa/homu/internal/hostclient"
	"github.com/coupa/homu/internal/model"
)

type fakeHostClient struct {
	responses []hostclient.PRInfo
	calls     int
	comments  []string
}

func (f *fakeHostClient) GetPullRequest(ctx context.Context, owner, repo string, num int) (hostclient.PRInfo, error) {
	idx := f.calls
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	f.calls++
	return f.responses[idx], nil
}

func (f *fakeHostClient) CreateComment(ctx context.Context, owner, repo string, num int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

type fakeMergeableSetter struct {
	pr    *model.PullRequest
	value model.Mergeable
	calls int
}

func (f *fakeMergeableSetter) SetMergeable(pr *model.PullRequest, value model.Mergeable) error {
	f.pr = pr
	f.value = value
	f.calls++
	return nil
}

func boolPtr(b bool) *bool { return &b }

func testRepos(owner, name string) func(string) (config.RepoConfig, bool) {
	return func(label string) (config.RepoConfig, bool) {
		return config.RepoConfig{Owner: owner, Name: name}, true
	}
}

func TestProcessRetriesOnceWhenMergeableUnknown(t *testing.T) {
	client := &fakeHostClient{responses: []hostclient.PRInfo{
		{Mergeable: nil},
		{Mergeable: boolPtr(true)},
	}}
	store := &fakeMergeableSetter{}
	log := logrus.NewEntry(logrus.New())
	p := New(log, client, store, testRepos("rust-lang", "rust"))
	p.sleep = func(time.Duration) {}

	pr := &model.PullRequest{Num: 1, Mergeable: model.MergeableUnknown}
	p.process(context.Background(), probeRequest{repoLabel: "rust-lang/rust", item: Item{PR: pr}})

	if client.calls != 2 {
		t.Errorf("calls = %d, want 2 (initial + retry)", client.calls)
	}
	if store.value != model.MergeableTrue {
		t.Errorf("persisted value = %v, want MergeableTrue", store.value)
	}
}

func TestProcessTrueToFalseTransitionPostsComment(t *testing.T) {
	client := &fakeHostClient{responses: []hostclient.PRInfo{
		{Mergeable: boolPtr(false)},
	}}
	store := &fakeMergeableSetter{}
	log := logrus.NewEntry(logrus.New())
	p := New(log, client, store, testRepos("rust-lang", "rust"))
	p.sleep = func(time.Duration) {}

	pr := &model.PullRequest{Num: 1, Mergeable: model.MergeableTrue}
	cause := &Cause{Title: "Auto merge of #42 - feature, r=alice", SHA: "deadbeefcafe"}
	p.process(context.Background(), probeRequest{repoLabel: "rust-lang/rust", item: Item{PR: pr, Cause: cause}})

	if len(client.comments) != 1 {
		t.Fatalf("comments = %v, want exactly one", client.comments)
	}
	want := ":x: The latest upstream changes (presumably #42) made this pull request unmergeable. Please resolve the merge conflicts."
	if client.comments[0] != want {
		t.Errorf("comment = %q, want %q", client.comments[0], want)
	}
	if store.value != model.MergeableFalse {
		t.Errorf("persisted value = %v, want MergeableFalse", store.value)
	}
}

func TestProcessNoCommentWhenStayingMergeable(t *testing.T) {
	client := &fakeHostClient{responses: []hostclient.PRInfo{
		{Mergeable: boolPtr(true)},
	}}
	store := &fakeMergeableSetter{}
	log := logrus.NewEntry(logrus.New())
	p := New(log, client, store, testRepos("rust-lang", "rust"))
	p.sleep = func(time.Duration) {}

	pr := &model.PullRequest{Num: 1, Mergeable: model.MergeableUnknown}
	p.process(context.Background(), probeRequest{repoLabel: "rust-lang/rust", item: Item{PR: pr}})

	if len(client.comments) != 0 {
		t.Errorf("comments = %v, want none on unknown-to-true transition", client.comments)
	}
}

func TestCauseDescriptionPrefersMergeCommitNumber(t *testing.T) {
	c := Cause{Title: "Auto merge of #7 - some-branch, r=bob", SHA: "0123456789abcdef"}
	if got := causeDescription(c); got != "#7" {
		t.Errorf("causeDescription() = %q, want %q", got, "#7")
	}
}

func TestCauseDescriptionMatchesGitHubsDefaultMergeCommitTitle(t *testing.T) {
	c := Cause{Title: "Merge pull request #42 from someone/some-branch", SHA: "abcdef0123456789"}
	if got := causeDescription(c); got != "#42" {
		t.Errorf("causeDescription() = %q, want %q", got, "#42")
	}
}

func TestCauseDescriptionFallsBackToShortSHA(t *testing.T) {
	c := Cause{Title: "unrelated commit message", SHA: "0123456789abcdef"}
	if got := causeDescription(c); got != "0123456" {
		t.Errorf("causeDescription() = %q, want %q", got, "0123456")
	}
}
