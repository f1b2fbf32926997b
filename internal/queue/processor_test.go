package queue

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/coupa/homu/internal/model"
)

type fakeDispatcher struct {
	dispatched []string
	result     bool
	err        error
}

func (f *fakeDispatcher) StartBuildOrRebuild(ctx context.Context, repoLabel string, pr *model.PullRequest) (bool, error) {
	f.dispatched = append(f.dispatched, pr.Key())
	return f.result, f.err
}

type fakeStore struct{ saved []string }

func (f *fakeStore) UpsertPull(pr *model.PullRequest) error {
	f.saved = append(f.saved, pr.Key())
	return nil
}

func newTestProcessor(dispatcher Dispatcher, store StatusSetter) *Processor {
	log := logrus.NewEntry(logrus.New())
	return New(log, dispatcher, store)
}

func TestRunDispatchesHighestPriorityApprovedPR(t *testing.T) {
	disp := &fakeDispatcher{result: true}
	store := &fakeStore{}
	p := newTestProcessor(disp, store)

	states := map[string]map[int]*model.PullRequest{
		"rust-lang/rust": {
			1: {RepoLabel: "rust-lang/rust", Num: 1, ApprovedBy: "alice", Priority: 0, Mergeable: model.MergeableUnknown},
			2: {RepoLabel: "rust-lang/rust", Num: 2, ApprovedBy: "alice", Priority: 10, Mergeable: model.MergeableUnknown},
		},
	}

	if err := p.Run(context.Background(), states); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(disp.dispatched) != 1 || disp.dispatched[0] != "rust-lang/rust#2" {
		t.Errorf("dispatched = %v, want exactly [rust-lang/rust#2] (higher priority first)", disp.dispatched)
	}
}

func TestRunStopsAtPendingNonTryPR(t *testing.T) {
	disp := &fakeDispatcher{result: true}
	store := &fakeStore{}
	p := newTestProcessor(disp, store)

	states := map[string]map[int]*model.PullRequest{
		"rust-lang/rust": {
			1: {RepoLabel: "rust-lang/rust", Num: 1, Status: model.StatusPending, Mergeable: model.MergeableUnknown},
			2: {RepoLabel: "rust-lang/rust", Num: 2, ApprovedBy: "alice", Mergeable: model.MergeableUnknown},
		},
	}

	if err := p.Run(context.Background(), states); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(disp.dispatched) != 0 {
		t.Errorf("dispatched = %v, want none: a pending build should block the approved-work pass", disp.dispatched)
	}
}

func TestRunTryOnlyPassAfterApprovedPass(t *testing.T) {
	disp := &fakeDispatcher{result: true}
	store := &fakeStore{}
	p := newTestProcessor(disp, store)

	states := map[string]map[int]*model.PullRequest{
		"rust-lang/rust": {
			1: {RepoLabel: "rust-lang/rust", Num: 1, TryMode: true, Mergeable: model.MergeableUnknown},
		},
	}

	if err := p.Run(context.Background(), states); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(disp.dispatched) != 1 || disp.dispatched[0] != "rust-lang/rust#1" {
		t.Errorf("dispatched = %v, want the try-mode PR dispatched in the second pass", disp.dispatched)
	}
}

func TestRunClearsTryModeOnSuccessfulTryBuild(t *testing.T) {
	disp := &fakeDispatcher{result: true}
	store := &fakeStore{}
	p := newTestProcessor(disp, store)

	pr := &model.PullRequest{RepoLabel: "rust-lang/rust", Num: 1, Status: model.StatusSuccess, TryMode: true, ApprovedBy: "alice", Mergeable: model.MergeableUnknown}
	states := map[string]map[int]*model.PullRequest{"rust-lang/rust": {1: pr}}

	if err := p.Run(context.Background(), states); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if pr.TryMode {
		t.Errorf("TryMode = true, want cleared before landing build")
	}
	if len(disp.dispatched) != 1 {
		t.Errorf("dispatched = %v, want one dispatch", disp.dispatched)
	}
}
