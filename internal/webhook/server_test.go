package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // mirrors the production signature scheme under test
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coupa/homu/internal/command"
	"github.com/coupa/homu/internal/config"
	"github.com/coupa/homu/internal/mergeability"
	"github.com/coupa/homu/internal/model"
	"github.com/coupa/homu/internal/queue"
)

func sign(secret, payload []byte) string {
	mac := hmac.New(sha1.New, secret)
	mac.Write(payload)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

func TestValidatePayload(t *testing.T) {
	secret := []byte("topsecret")
	body := []byte(`{"hello":"world"}`)

	if !validatePayload(body, sign(secret, body), secret) {
		t.Error("validatePayload() = false, want true for a correctly signed payload")
	}
	if validatePayload(body, sign([]byte("wrong"), body), secret) {
		t.Error("validatePayload() = true, want false for a payload signed with a different secret")
	}
	if validatePayload(body, "sha1=deadbeef", secret) {
		t.Error("validatePayload() = true, want false for a garbage digest")
	}
	if validatePayload(body, "md5=abcdef", secret) {
		t.Error("validatePayload() = true, want false for a non sha1= signature")
	}
}

type fakeDispatcher struct{}

func (fakeDispatcher) StartBuildOrRebuild(ctx context.Context, repoLabel string, pr *model.PullRequest) (bool, error) {
	return false, nil
}

type fakeStatusSetter struct{ saved []int }

func (f *fakeStatusSetter) UpsertPull(pr *model.PullRequest) error {
	f.saved = append(f.saved, pr.Num)
	return nil
}

type stubSetter struct{}

func (stubSetter) SetMergeable(pr *model.PullRequest, value model.Mergeable) error { return nil }

func newTestServer(secret []byte, store *fakeStatusSetter, states map[string]map[int]*model.PullRequest, repos map[string]config.RepoConfig) *Server {
	log := logrus.NewEntry(logrus.New())
	parser := command.New("homu", nil, nil, func() time.Time { return time.Unix(0, 0) })
	prober := mergeability.New(log, nil, stubSetter{}, func(string) (config.RepoConfig, bool) { return config.RepoConfig{}, false })
	processor := queue.New(log, fakeDispatcher{}, store)
	return New(log, secret, parser, prober, processor, store, repos, states)
}

func TestServeHTTPRejectsMissingSignature(t *testing.T) {
	srv := newTestServer([]byte("secret"), &fakeStatusSetter{}, map[string]map[int]*model.PullRequest{}, map[string]config.RepoConfig{})
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("X-GitHub-Event", "issue_comment")
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestServeHTTPAcceptsValidSignature(t *testing.T) {
	secret := []byte("secret")
	srv := newTestServer(secret, &fakeStatusSetter{}, map[string]map[int]*model.PullRequest{}, map[string]config.RepoConfig{})
	body := []byte(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(body)))
	req.Header.Set("X-GitHub-Event", "issue_comment")
	req.Header.Set("X-Hub-Signature", sign(secret, body))
	w := httptest.NewRecorder()

	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if w.Body.String() != "Event received. Have a nice day." {
		t.Errorf("body = %q, want the standard acknowledgement", w.Body.String())
	}
}

func TestHandleIssueCommentAppliesApprovalAndPersists(t *testing.T) {
	store := &fakeStatusSetter{}
	pr := &model.PullRequest{RepoLabel: "rust-lang/rust", Num: 5, HeadSHA: "deadbeef00"}
	states := map[string]map[int]*model.PullRequest{"rust-lang/rust": {5: pr}}
	repos := map[string]config.RepoConfig{
		"rust-lang/rust": {Owner: "rust-lang", Name: "rust", Reviewers: []string{"alice"}},
	}
	srv := newTestServer([]byte("secret"), store, states, repos)

	ev := issueCommentEvent{Action: "created"}
	ev.Repository.Name = "rust"
	ev.Repository.Owner.Login = "rust-lang"
	ev.Issue.Number = 5
	ev.Comment.Body = "@homu r+"
	ev.Comment.User.Login = "alice"

	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	srv.demux(context.Background(), "issue_comment", payload)

	if pr.ApprovedBy != "alice" {
		t.Errorf("ApprovedBy = %q, want alice", pr.ApprovedBy)
	}
	if len(store.saved) != 1 || store.saved[0] != 5 {
		t.Errorf("saved = %v, want [5]", store.saved)
	}
}

func TestHandlePullRequestOpenedTracksNewPR(t *testing.T) {
	store := &fakeStatusSetter{}
	states := map[string]map[int]*model.PullRequest{}
	repos := map[string]config.RepoConfig{
		"rust-lang/rust": {Owner: "rust-lang", Name: "rust"},
	}
	srv := newTestServer([]byte("secret"), store, states, repos)

	ev := pullRequestEvent{Action: "opened", Number: 11}
	ev.Repository.Name = "rust"
	ev.Repository.Owner.Login = "rust-lang"
	ev.PullRequest.Head.SHA = "abc123"
	ev.PullRequest.Head.Ref = "feature"
	ev.PullRequest.Head.Repo.Owner.Login = "alice"
	ev.PullRequest.Base.Ref = "master"

	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	srv.demux(context.Background(), "pull_request", payload)

	pr := states["rust-lang/rust"][11]
	if pr == nil {
		t.Fatal("PR #11 not tracked after opened event")
	}
	if pr.HeadSHA != "abc123" || pr.HeadRef != "alice:feature" || pr.BaseRef != "master" {
		t.Errorf("pr = %+v, want head abc123 alice:feature base master", pr)
	}
}

func TestHandlePullRequestClosedUntracksPR(t *testing.T) {
	store := &fakeStatusSetter{}
	pr := &model.PullRequest{RepoLabel: "rust-lang/rust", Num: 3}
	states := map[string]map[int]*model.PullRequest{"rust-lang/rust": {3: pr}}
	repos := map[string]config.RepoConfig{"rust-lang/rust": {Owner: "rust-lang", Name: "rust"}}
	srv := newTestServer([]byte("secret"), store, states, repos)

	ev := pullRequestEvent{Action: "closed", Number: 3}
	ev.Repository.Name = "rust"
	ev.Repository.Owner.Login = "rust-lang"

	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	srv.demux(context.Background(), "pull_request", payload)

	if _, ok := states["rust-lang/rust"][3]; ok {
		t.Error("PR #3 still tracked after closed event")
	}
}
