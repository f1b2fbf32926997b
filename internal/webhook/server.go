// Package webhook is the thin external-event intake: an http.Handler that
// verifies the hosting platform's HMAC signature, demuxes by event type, and
// feeds mentions/pushes into the command parser and queue processor.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // matches the hosting platform's legacy X-Hub-Signature scheme
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/coupa/homu/internal/command"
	"github.com/coupa/homu/internal/config"
	"github.com/coupa/homu/internal/mergeability"
	"github.com/coupa/homu/internal/model"
	"github.com/coupa/homu/internal/queue"
)

// Store is the subset of persistence the intake needs to keep durable state
// aligned with the in-memory PR it just mutated.
type Store interface {
	UpsertPull(pr *model.PullRequest) error
}

// Server validates and demuxes inbound hosting-platform webhooks.
type Server struct {
	log        *logrus.Entry
	hmacSecret []byte

	parser    *command.Parser
	prober    *mergeability.Prober
	processor *queue.Processor
	store     Store
	repos     map[string]config.RepoConfig

	mu     sync.Mutex
	states map[string]map[int]*model.PullRequest
}

// New builds a Server. states is the shared, mutable queue state; callers
// must not mutate it outside the Server once it is wired in.
func New(log *logrus.Entry, hmacSecret []byte, parser *command.Parser, prober *mergeability.Prober, processor *queue.Processor, store Store, repos map[string]config.RepoConfig, states map[string]map[int]*model.PullRequest) *Server {
	return &Server{
		log: log, hmacSecret: hmacSecret,
		parser: parser, prober: prober, processor: processor, store: store,
		repos: repos, states: states,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if r.Method != http.MethodPost {
		http.Error(w, "405 method not allowed", http.StatusMethodNotAllowed)
		return
	}
	eventType := r.Header.Get("X-GitHub-Event")
	if eventType == "" {
		http.Error(w, "400 missing X-GitHub-Event header", http.StatusBadRequest)
		return
	}
	sig := r.Header.Get("X-Hub-Signature")
	if sig == "" {
		http.Error(w, "403 missing X-Hub-Signature header", http.StatusForbidden)
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "500 failed to read body", http.StatusInternalServerError)
		return
	}

	if !validatePayload(payload, sig, s.hmacSecret) {
		http.Error(w, "403 invalid X-Hub-Signature", http.StatusForbidden)
		return
	}
	fmt.Fprint(w, "Event received. Have a nice day.")

	go s.demux(context.Background(), eventType, payload)
}

// validatePayload reimplements the hosting platform's X-Hub-Signature check
// (HMAC-SHA1 over the raw body, hex-encoded, prefixed "sha1=") without
// depending on the out-of-scope hostclient package for it.
func validatePayload(payload []byte, sig string, secret []byte) bool {
	const prefix = "sha1="
	if !strings.HasPrefix(sig, prefix) {
		return false
	}
	mac := hmac.New(sha1.New, secret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(sig, prefix)))
}

func (s *Server) demux(ctx context.Context, eventType string, payload []byte) {
	var err error
	switch eventType {
	case "issue_comment":
		var ev issueCommentEvent
		if err = json.Unmarshal(payload, &ev); err == nil {
			s.handleIssueComment(ctx, ev)
		}
	case "pull_request_review_comment":
		var ev reviewCommentEvent
		if err = json.Unmarshal(payload, &ev); err == nil {
			s.handleReviewComment(ctx, ev)
		}
	case "pull_request":
		var ev pullRequestEvent
		if err = json.Unmarshal(payload, &ev); err == nil {
			s.handlePullRequest(ctx, ev)
		}
	case "status":
		var ev statusEvent
		if err = json.Unmarshal(payload, &ev); err == nil {
			s.handleStatus(ctx, ev)
		}
	}
	if err != nil {
		s.log.WithField("event", eventType).WithError(err).Error("failed to unmarshal webhook payload")
	}
}

func (s *Server) repoLabel(owner, name string) (string, config.RepoConfig, bool) {
	full := owner + "/" + name
	for label, cfg := range s.repos {
		if cfg.FullName() == full {
			return label, cfg, true
		}
	}
	return "", config.RepoConfig{}, false
}

func (s *Server) handleIssueComment(ctx context.Context, ev issueCommentEvent) {
	label, cfg, ok := s.repoLabel(ev.Repository.Owner.Login, ev.Repository.Name)
	if !ok {
		return
	}

	s.mu.Lock()
	pr := s.states[label][ev.Issue.Number]
	if pr == nil {
		s.mu.Unlock()
		return
	}
	changed := s.parser.ParseCommands(ctx, ev.Comment.Body, ev.Comment.User.Login, cfg, pr, true, "")
	if changed {
		if err := s.store.UpsertPull(pr); err != nil {
			s.log.WithField("pr", pr.Key()).WithError(err).Error("failed to persist comment-driven change")
		}
	}
	s.mu.Unlock()

	if changed {
		s.runQueue(ctx)
	}
}

func (s *Server) handleReviewComment(ctx context.Context, ev reviewCommentEvent) {
	label, cfg, ok := s.repoLabel(ev.Repository.Owner.Login, ev.Repository.Name)
	if !ok {
		return
	}

	s.mu.Lock()
	pr := s.states[label][ev.PullRequest.Number]
	if pr == nil {
		s.mu.Unlock()
		return
	}
	changed := s.parser.ParseCommands(ctx, ev.Comment.Body, ev.Comment.User.Login, cfg, pr, true, ev.Comment.OriginalCommitID)
	if changed {
		if err := s.store.UpsertPull(pr); err != nil {
			s.log.WithField("pr", pr.Key()).WithError(err).Error("failed to persist comment-driven change")
		}
	}
	s.mu.Unlock()

	if changed {
		s.runQueue(ctx)
	}
}

func (s *Server) handlePullRequest(ctx context.Context, ev pullRequestEvent) {
	label, _, ok := s.repoLabel(ev.Repository.Owner.Login, ev.Repository.Name)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.states[label] == nil {
		s.states[label] = map[int]*model.PullRequest{}
	}
	pr := s.states[label][ev.Number]

	switch ev.Action {
	case "opened", "reopened":
		if pr == nil {
			pr = &model.PullRequest{RepoLabel: label, Num: ev.Number, Mergeable: model.MergeableUnknown}
			s.states[label][ev.Number] = pr
		}
		pr.HeadSHA = ev.PullRequest.Head.SHA
		pr.HeadRef = ev.PullRequest.Head.Repo.Owner.Login + ":" + ev.PullRequest.Head.Ref
		pr.BaseRef = ev.PullRequest.Base.Ref
		pr.Title = ev.PullRequest.Title
		pr.Body = ev.PullRequest.Body
		if err := s.store.UpsertPull(pr); err != nil {
			s.log.WithField("pr", pr.Key()).WithError(err).Error("failed to persist opened pull request")
		}
		s.prober.Enqueue(label, pr, nil)
	case "synchronize":
		if pr == nil {
			return
		}
		pr.HeadAdvanced(ev.PullRequest.Head.SHA)
		if err := s.store.UpsertPull(pr); err != nil {
			s.log.WithField("pr", pr.Key()).WithError(err).Error("failed to persist head advance")
		}
		s.prober.Enqueue(label, pr, nil)
	case "closed":
		delete(s.states[label], ev.Number)
	}
}

func (s *Server) handleStatus(ctx context.Context, ev statusEvent) {
	label, _, ok := s.repoLabel(ev.Repository.Owner.Login, ev.Repository.Name)
	if !ok || ev.Context != "homu" {
		return
	}

	s.mu.Lock()
	var found *model.PullRequest
	for _, pr := range s.states[label] {
		if pr.MergeSHA == ev.SHA {
			found = pr
			break
		}
	}
	if found == nil {
		s.mu.Unlock()
		return
	}
	found.Status = model.Status(ev.State)
	err := s.store.UpsertPull(found)
	s.mu.Unlock()

	if err != nil {
		s.log.WithField("pr", found.Key()).WithError(err).Error("failed to persist status update")
		return
	}
	s.runQueue(ctx)
}

// runQueue takes a consistent snapshot of states and hands it to the
// processor; the processor's own queueHandlerLock serializes concurrent
// dispatch attempts across handlers.
func (s *Server) runQueue(ctx context.Context) {
	s.mu.Lock()
	snapshot := make(map[string]map[int]*model.PullRequest, len(s.states))
	for label, prs := range s.states {
		inner := make(map[int]*model.PullRequest, len(prs))
		for num, pr := range prs {
			inner[num] = pr
		}
		snapshot[label] = inner
	}
	s.mu.Unlock()

	if err := s.processor.Run(ctx, snapshot); err != nil {
		s.log.WithError(err).Error("queue processor run failed")
	}
}
