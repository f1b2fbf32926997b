// Package hostclient is the out-of-core-scope hosting-platform collaborator
// (§6). The merge-queue core only depends on the Client interface below;
// this file also provides a real implementation over the GitHub REST API so
// the module exercises the pack's go-github/httpcache/ratelimit stack
// instead of stubbing the collaborator out.
package hostclient

import (
	"context"
	"time"

	"github.com/gofri/go-github-ratelimit/v2/github_ratelimit"
	gh "github.com/google/go-github/v82/github"
	"github.com/gregjones/httpcache"
	"github.com/pkg/errors"
)

// StatusState mirrors the hosting platform's commit-status states.
type StatusState string

const (
	StatusStatePending StatusState = "pending"
	StatusStateSuccess StatusState = "success"
	StatusStateFailure StatusState = "failure"
	StatusStateError   StatusState = "error"
)

// PRInfo is the subset of a pull request the core ever needs to read.
type PRInfo struct {
	Number      int
	HeadSHA     string
	HeadOwner   string
	HeadRefName string
	BaseRef     string
	Title       string
	Body        string
	Assignee    string
	UpdatedAt   time.Time
	// Mergeable is nil when the platform hasn't finished computing it yet.
	Mergeable *bool
}

// HeadRef renders "owner:ref", the form the spec's headRef field uses.
func (p PRInfo) HeadRef() string {
	return p.HeadOwner + ":" + p.HeadRefName
}

// Comment is one review or issue comment. OriginalCommitID is empty for
// top-level issue comments and set to the reviewed commit for review
// comments.
type Comment struct {
	Author           string
	Body             string
	OriginalCommitID string
}

// StatusCheck is one context's reported state on a commit.
type StatusCheck struct {
	Context     string
	State       StatusState
	Description string
}

// RateLimit reports the core API rate limit remaining and its reset time.
type RateLimit struct {
	Remaining int
	ResetAt   time.Time
}

// MergeConflictError wraps the 409 the hosting platform returns when a
// merge request conflicts. Dispatchers type-assert for it specifically;
// every other error propagates.
type MergeConflictError struct {
	Err error
}

func (e *MergeConflictError) Error() string { return "merge conflict: " + e.Err.Error() }
func (e *MergeConflictError) Cause() error  { return e.Err }

// Client is everything the core needs from the hosting platform (spec §6).
// The mergeability and command packages narrow this down to the handful of
// methods they actually use, teacher-style; build and sync take the full
// interface.
type Client interface {
	BotLogin(ctx context.Context) (string, error)
	RateLimit(ctx context.Context) (RateLimit, error)

	ListOpenPullRequests(ctx context.Context, owner, repo string) ([]PRInfo, error)
	GetPullRequest(ctx context.Context, owner, repo string, num int) (PRInfo, error)
	ListReviewComments(ctx context.Context, owner, repo string, num int) ([]Comment, error)
	ListIssueComments(ctx context.Context, owner, repo string, num int) ([]Comment, error)
	CreateComment(ctx context.Context, owner, repo string, num int, body string) error

	ResolveRef(ctx context.Context, owner, repo, ref string) (string, error)
	ForceUpdateRef(ctx context.Context, owner, repo, ref, sha string) error
	Merge(ctx context.Context, owner, repo, branch, headSHA, message string) (string, error)
	CommitParents(ctx context.Context, owner, repo, sha string) ([]string, error)

	ListStatuses(ctx context.Context, owner, repo, sha string) ([]StatusCheck, error)
	CreateStatus(ctx context.Context, owner, repo, sha string, state StatusState, description, context string) error
}

// restClient implements Client using go-github, with an httpcache transport
// (conditional requests via ETags) and a secondary-rate-limit-aware
// transport wrapping it, exactly as
// ericfisherdev-mygitpanel/internal/adapter/driven/github wires them.
type restClient struct {
	gh *gh.Client
}

// NewClient builds a real hosting-platform client authenticated with token.
func NewClient(token string) Client {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	rateLimited := github_ratelimit.NewClient(cacheTransport)
	client := gh.NewClient(rateLimited).WithAuthToken(token)
	return &restClient{gh: client}
}

func (c *restClient) BotLogin(ctx context.Context) (string, error) {
	u, _, err := c.gh.Users.Get(ctx, "")
	if err != nil {
		return "", errors.Wrap(err, "get authenticated user")
	}
	return u.GetLogin(), nil
}

func (c *restClient) RateLimit(ctx context.Context) (RateLimit, error) {
	rl, _, err := c.gh.RateLimit.Get(ctx)
	if err != nil {
		return RateLimit{}, errors.Wrap(err, "get rate limit")
	}
	core := rl.GetCore()
	return RateLimit{Remaining: core.Remaining, ResetAt: core.Reset.Time}, nil
}

func (c *restClient) ListOpenPullRequests(ctx context.Context, owner, repo string) ([]PRInfo, error) {
	opts := &gh.PullRequestListOptions{
		State:       "open",
		Sort:        "updated",
		Direction:   "desc",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	var out []PRInfo
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, owner, repo, opts)
		if err != nil {
			return nil, errors.Wrapf(err, "list pull requests for %s/%s", owner, repo)
		}
		for _, pr := range prs {
			out = append(out, mapPR(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *restClient) GetPullRequest(ctx context.Context, owner, repo string, num int) (PRInfo, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, num)
	if err != nil {
		return PRInfo{}, errors.Wrapf(err, "get pull request %s/%s#%d", owner, repo, num)
	}
	return mapPR(pr), nil
}

func mapPR(pr *gh.PullRequest) PRInfo {
	info := PRInfo{
		Number:      pr.GetNumber(),
		Title:       pr.GetTitle(),
		Body:        pr.GetBody(),
		BaseRef:     pr.GetBase().GetRef(),
		HeadSHA:     pr.GetHead().GetSHA(),
		HeadRefName: pr.GetHead().GetRef(),
		UpdatedAt:   pr.GetUpdatedAt().Time,
	}
	if pr.GetHead().GetRepo() != nil {
		info.HeadOwner = pr.GetHead().GetRepo().GetOwner().GetLogin()
	}
	if pr.Assignee != nil {
		info.Assignee = pr.Assignee.GetLogin()
	}
	if pr.Mergeable != nil {
		m := pr.GetMergeable()
		info.Mergeable = &m
	}
	return info
}

func (c *restClient) ListReviewComments(ctx context.Context, owner, repo string, num int) ([]Comment, error) {
	opts := &gh.ListOptions{PerPage: 100}
	var out []Comment
	for {
		comments, resp, err := c.gh.PullRequests.ListComments(ctx, owner, repo, num, &gh.PullRequestListCommentsOptions{ListOptions: *opts})
		if err != nil {
			return nil, errors.Wrap(err, "list review comments")
		}
		for _, cm := range comments {
			out = append(out, Comment{
				Author:           cm.GetUser().GetLogin(),
				Body:             cm.GetBody(),
				OriginalCommitID: cm.GetOriginalCommitID(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *restClient) ListIssueComments(ctx context.Context, owner, repo string, num int) ([]Comment, error) {
	opts := &gh.IssueListCommentsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	var out []Comment
	for {
		comments, resp, err := c.gh.Issues.ListComments(ctx, owner, repo, num, opts)
		if err != nil {
			return nil, errors.Wrap(err, "list issue comments")
		}
		for _, cm := range comments {
			out = append(out, Comment{Author: cm.GetUser().GetLogin(), Body: cm.GetBody()})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *restClient) CreateComment(ctx context.Context, owner, repo string, num int, body string) error {
	_, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, num, &gh.IssueComment{Body: &body})
	return errors.Wrap(err, "create comment")
}

func (c *restClient) ResolveRef(ctx context.Context, owner, repo, ref string) (string, error) {
	r, _, err := c.gh.Git.GetRef(ctx, owner, repo, "refs/"+ref)
	if err != nil {
		return "", errors.Wrapf(err, "resolve ref %s", ref)
	}
	return r.GetObject().GetSHA(), nil
}

func (c *restClient) ForceUpdateRef(ctx context.Context, owner, repo, ref, sha string) error {
	refSpec := "refs/" + ref
	force := true
	update := &gh.Reference{Ref: &refSpec, Object: &gh.GitObject{SHA: &sha}}

	if _, _, err := c.gh.Git.UpdateRef(ctx, owner, repo, update, force); err != nil {
		// The ref may not exist yet (fresh scratch branch); try creating it.
		if _, _, cerr := c.gh.Git.CreateRef(ctx, owner, repo, update); cerr != nil {
			return errors.Wrapf(err, "force-update ref %s", ref)
		}
	}
	return nil
}

func (c *restClient) Merge(ctx context.Context, owner, repo, branch, headSHA, message string) (string, error) {
	request := &gh.RepositoryMergeRequest{
		Base:          &branch,
		Head:          &headSHA,
		CommitMessage: &message,
	}
	commit, resp, err := c.gh.Repositories.Merge(ctx, owner, repo, request)
	if err != nil {
		if resp != nil && resp.StatusCode == 409 {
			return "", &MergeConflictError{Err: err}
		}
		return "", errors.Wrap(err, "merge")
	}
	return commit.GetSHA(), nil
}

func (c *restClient) CommitParents(ctx context.Context, owner, repo, sha string) ([]string, error) {
	commit, _, err := c.gh.Repositories.GetCommit(ctx, owner, repo, sha, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "get commit %s", sha)
	}
	var parents []string
	for _, p := range commit.Parents {
		parents = append(parents, p.GetSHA())
	}
	return parents, nil
}

func (c *restClient) ListStatuses(ctx context.Context, owner, repo, sha string) ([]StatusCheck, error) {
	combined, _, err := c.gh.Repositories.GetCombinedStatus(ctx, owner, repo, sha, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "get combined status for %s", sha)
	}
	var out []StatusCheck
	for _, st := range combined.Statuses {
		out = append(out, StatusCheck{
			Context:     st.GetContext(),
			State:       StatusState(st.GetState()),
			Description: st.GetDescription(),
		})
	}
	return out, nil
}

func (c *restClient) CreateStatus(ctx context.Context, owner, repo, sha string, state StatusState, description, context string) error {
	s := string(state)
	_, _, err := c.gh.Repositories.CreateStatus(ctx, owner, repo, sha, &gh.RepoStatus{
		State:       &s,
		Description: &description,
		Context:     &context,
	})
	return errors.Wrap(err, "create status")
}
