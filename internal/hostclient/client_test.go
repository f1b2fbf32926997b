package hostclient

import (
	"testing"
	"time"

	gh "github.com/google/go-github/v82/github"
)

func TestMapPRFillsCoreFields(t *testing.T) {
	updated := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mergeable := true
	pr := &gh.PullRequest{
		Number:    gh.Ptr(42),
		Title:     gh.Ptr("fix the thing"),
		Body:      gh.Ptr("description"),
		UpdatedAt: &gh.Timestamp{Time: updated},
		Base:      &gh.PullRequestBranch{Ref: gh.Ptr("master")},
		Head: &gh.PullRequestBranch{
			SHA: gh.Ptr("deadbeef"),
			Ref: gh.Ptr("feature-branch"),
			Repo: &gh.Repository{
				Owner: &gh.User{Login: gh.Ptr("alice")},
			},
		},
		Assignee:  &gh.User{Login: gh.Ptr("bob")},
		Mergeable: &mergeable,
	}

	info := mapPR(pr)

	if info.Number != 42 || info.Title != "fix the thing" || info.Body != "description" {
		t.Errorf("info = %+v, want number/title/body populated", info)
	}
	if info.BaseRef != "master" || info.HeadSHA != "deadbeef" || info.HeadRefName != "feature-branch" {
		t.Errorf("info = %+v, want base/head fields populated", info)
	}
	if info.HeadOwner != "alice" {
		t.Errorf("HeadOwner = %q, want alice", info.HeadOwner)
	}
	if info.Assignee != "bob" {
		t.Errorf("Assignee = %q, want bob", info.Assignee)
	}
	if info.Mergeable == nil || !*info.Mergeable {
		t.Errorf("Mergeable = %v, want pointer to true", info.Mergeable)
	}
	if !info.UpdatedAt.Equal(updated) {
		t.Errorf("UpdatedAt = %v, want %v", info.UpdatedAt, updated)
	}
	if got := info.HeadRef(); got != "alice:feature-branch" {
		t.Errorf("HeadRef() = %q, want alice:feature-branch", got)
	}
}

func TestMapPRHandlesMissingOptionalFields(t *testing.T) {
	pr := &gh.PullRequest{
		Number: gh.Ptr(1),
		Base:   &gh.PullRequestBranch{Ref: gh.Ptr("master")},
		Head:   &gh.PullRequestBranch{SHA: gh.Ptr("abc"), Ref: gh.Ptr("branch")},
	}

	info := mapPR(pr)

	if info.Assignee != "" {
		t.Errorf("Assignee = %q, want empty with no assignee set", info.Assignee)
	}
	if info.Mergeable != nil {
		t.Errorf("Mergeable = %v, want nil when the platform hasn't computed it yet", info.Mergeable)
	}
	if info.HeadOwner != "" {
		t.Errorf("HeadOwner = %q, want empty with no head repo set", info.HeadOwner)
	}
}

func TestMergeConflictError(t *testing.T) {
	cause := &mockCauseError{msg: "409 conflict"}
	err := &MergeConflictError{Err: cause}

	if err.Error() != "merge conflict: 409 conflict" {
		t.Errorf("Error() = %q, want prefixed cause message", err.Error())
	}
	if err.Cause() != cause {
		t.Error("Cause() did not return the wrapped error")
	}
}

type mockCauseError struct{ msg string }

func (e *mockCauseError) Error() string { return e.msg }
