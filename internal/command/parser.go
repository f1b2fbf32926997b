// Package command implements the reviewer-directive parser: scanning a
// comment body for lines that mention the bot and applying the recognized
// tokens to a pull request's in-memory state.
package command

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/coupa/homu/internal/config"
	"github.com/coupa/homu/internal/model"
)

var wordSplit = regexp.MustCompile(`\S+`)

// shaCmp is a prefix test: short must be at least 4 hex characters and a
// prefix of full.
func shaCmp(short, full string) bool {
	return len(short) >= 4 && strings.HasPrefix(full, short)
}

// Commenter is the subset of the hosting-platform client the parser needs to
// post acknowledgement and error comments.
type Commenter interface {
	CreateComment(ctx context.Context, owner, repo string, num int, body string) error
}

// SessionCI is the subset of the session-CI collaborator "force" needs to
// stop the currently selected builders.
type SessionCI interface {
	StopSelected(ctx context.Context, repoCfg config.BuildbotConfig, comment string) (string, error)
}

// Parser applies reviewer directives found in comment bodies to PR state.
type Parser struct {
	BotLogin string
	Comments Commenter
	CI       SessionCI
	Now      func() time.Time
}

// New builds a Parser. now defaults to time.Now if nil.
func New(botLogin string, comments Commenter, ci SessionCI, now func() time.Time) *Parser {
	if now == nil {
		now = time.Now
	}
	return &Parser{BotLogin: botLogin, Comments: comments, CI: ci, Now: now}
}

// ParseCommands scans body for directives and applies them to pr. realtime
// distinguishes a live webhook delivery (which may post clarifying comments
// and apply commands requiring realtime, e.g. retry/try/force/clean) from a
// synchronizer replay (which only applies the always-effective subset).
// sha is the commit the comment was attached to, if known (review comments
// carry one; issue comments don't).
//
// Returns whether any directive token was recognized and consumed. This is
// true even when the directive left pr unchanged, e.g. an r+ whose named SHA
// does not match the head.
func (p *Parser) ParseCommands(ctx context.Context, body, author string, repoCfg config.RepoConfig, pr *model.PullRequest, realtime bool, sha string) bool {
	if !repoCfg.HasReviewer(author) && author != p.BotLogin {
		return false
	}

	var words []string
	for _, line := range strings.Split(body, "\n") {
		if !strings.Contains(line, "@"+p.BotLogin) {
			continue
		}
		words = append(words, wordSplit.FindAllString(line, -1)...)
	}

	changed := false

	// Tokens are walked right-to-left: a directive like "r+ <sha>" picks up
	// the token that follows it in reading order, which is the *previous*
	// index in this reversed walk.
	for i := len(words) - 1; i >= 0; i-- {
		word := words[i]
		found := true

		switch {
		case word == "r+" || strings.HasPrefix(word, "r="):
			var namedSHA string
			hadSHA := false
			if sha != "" {
				namedSHA, hadSHA = sha, true
			} else if i+1 < len(words) && words[i+1] != "" {
				namedSHA, hadSHA = words[i+1], true
			}
			approver := author
			if strings.HasPrefix(word, "r=") {
				approver = strings.TrimPrefix(word, "r=")
			}

			switch {
			case !hadSHA:
				// No SHA was named at all (plain "r+"/"r=approver"):
				// approve the current head unconditionally.
				pr.ApprovedBy = approver
			case shaCmp(namedSHA, pr.HeadSHA):
				pr.ApprovedBy = approver
			case realtime && author != p.BotLogin:
				p.postApprovalClarification(ctx, repoCfg, pr, namedSHA)
			}

		case word == "r-":
			pr.ApprovedBy = ""

		case strings.HasPrefix(word, "p="):
			if n, err := strconv.Atoi(strings.TrimPrefix(word, "p=")); err == nil {
				pr.Priority = n
			}

		case word == "retry" && realtime:
			pr.Status = model.StatusNone

		case (word == "try" || word == "try-") && realtime:
			pr.TryMode = word == "try"
			pr.MergeSHA = ""
			pr.InitBuildResults(nil)

		case word == "rollup" || word == "rollup-":
			pr.Rollup = word == "rollup"

		case word == "force" && realtime:
			p.stopSelectedBuilders(ctx, repoCfg, pr)

		case word == "clean" && realtime:
			pr.MergeSHA = ""
			pr.InitBuildResults(nil)

		default:
			found = false
		}

		if found {
			changed = true
			words[i] = ""
		}
	}

	return changed
}

// postApprovalClarification tells the author that the SHA they named with
// r+/r= doesn't match the PR's current head, since the approval itself was
// withheld silently.
func (p *Parser) postApprovalClarification(ctx context.Context, repoCfg config.RepoConfig, pr *model.PullRequest, namedSHA string) {
	if p.Comments == nil {
		return
	}
	body := fmt.Sprintf(":question: `%s` is not a valid commit SHA. Please try again with `%s`.",
		namedSHA, shortSHA(pr.HeadSHA))
	_ = p.Comments.CreateComment(ctx, repoCfg.Owner, repoCfg.Name, pr.Num, body)
}

func (p *Parser) stopSelectedBuilders(ctx context.Context, repoCfg config.RepoConfig, pr *model.PullRequest) {
	if p.CI == nil || repoCfg.Buildbot == nil {
		return
	}
	comment := fmt.Sprintf("Interrupted by Homu (%d)", p.Now().Unix())
	errText, err := p.CI.StopSelected(ctx, *repoCfg.Buildbot, comment)
	if err == nil && errText == "" {
		return
	}
	msg := errText
	if err != nil && msg == "" {
		msg = err.Error()
	}
	if msg == "" {
		return
	}
	if p.Comments != nil {
		_ = p.Comments.CreateComment(ctx, repoCfg.Owner, repoCfg.Name, pr.Num,
			fmt.Sprintf(":bomb: Buildbot returned an error: `%s`", msg))
	}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}
