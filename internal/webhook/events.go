package webhook

// The event payload shapes below carry only the fields the intake actually
// reads, matching the teacher's practice of thin, hand-trimmed event structs
// in its github package rather than a full schema mirror.

type repository struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type user struct {
	Login string `json:"login"`
}

type issueCommentEvent struct {
	Action     string `json:"action"`
	Repository repository `json:"repository"`
	Issue      struct {
		Number int `json:"number"`
	} `json:"issue"`
	Comment struct {
		Body string `json:"body"`
		User user    `json:"user"`
	} `json:"comment"`
}

type reviewCommentEvent struct {
	Action      string     `json:"action"`
	Repository  repository `json:"repository"`
	PullRequest struct {
		Number int `json:"number"`
	} `json:"pull_request"`
	Comment struct {
		Body             string `json:"body"`
		User             user   `json:"user"`
		OriginalCommitID string `json:"original_commit_id"`
	} `json:"comment"`
}

type pullRequestEvent struct {
	Action      string     `json:"action"`
	Number      int        `json:"number"`
	Repository  repository `json:"repository"`
	PullRequest struct {
		Title string `json:"title"`
		Body  string `json:"body"`
		Head  struct {
			SHA  string `json:"sha"`
			Ref  string `json:"ref"`
			Repo struct {
				Owner user `json:"owner"`
			} `json:"repo"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
}

type statusEvent struct {
	SHA        string     `json:"sha"`
	State      string     `json:"state"`
	Context    string     `json:"context"`
	Repository repository `json:"repository"`
}
