// Package config knows how to read and parse the bot's TOML configuration
// file: a global GitHub access token plus one block per managed repository.
package config

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// GitHubConfig holds the single global credential the bot authenticates
// with.
type GitHubConfig struct {
	AccessToken string `toml:"access_token" json:"access_token"`
}

// BranchConfig lets a repo rename the scratch branches the dispatcher uses.
type BranchConfig struct {
	Try  string `toml:"try" json:"try"`
	Auto string `toml:"auto" json:"auto"`
}

// BuildbotConfig configures a session-based ("buildbot" shape) CI: a shared
// build slot, a login session, and two builder sets (landing vs. try).
type BuildbotConfig struct {
	URL         string   `toml:"url" json:"url"`
	Username    string   `toml:"username" json:"username"`
	Password    string   `toml:"password" json:"password"`
	Builders    []string `toml:"builders" json:"builders"`
	TryBuilders []string `toml:"try_builders" json:"try_builders"`
}

// TestRunnersConfig configures the "testrunners" CI shape: one status check
// per builder, reported directly to the hosting platform.
type TestRunnersConfig struct {
	Builders []string `toml:"builders" json:"builders"`
}

// RepoConfig is everything the bot needs to know about one managed
// repository: identity, reviewers, branch renames, and exactly one CI
// block.
type RepoConfig struct {
	Owner     string   `toml:"owner" json:"owner"`
	Name      string   `toml:"name" json:"name"`
	Reviewers []string `toml:"reviewers" json:"reviewers"`

	Branch BranchConfig `toml:"branch" json:"branch"`

	Buildbot    *BuildbotConfig    `toml:"buildbot" json:"buildbot,omitempty"`
	Travis      *struct{}          `toml:"travis" json:"travis,omitempty"`
	Status      *struct{}          `toml:"status" json:"status,omitempty"`
	TestRunners *TestRunnersConfig `toml:"testrunners" json:"testrunners,omitempty"`
}

// FullName is "owner/name", the identity the hosting platform uses.
func (r RepoConfig) FullName() string {
	return r.Owner + "/" + r.Name
}

// HasReviewer reports whether login is on the repo's reviewer list.
func (r RepoConfig) HasReviewer(login string) bool {
	for _, reviewer := range r.Reviewers {
		if strings.EqualFold(reviewer, login) {
			return true
		}
	}
	return false
}

// UsesSessionCI reports whether this repo's CI is the session-based
// ("buildbot") shape, which shares a single process-wide build slot.
func (r RepoConfig) UsesSessionCI() bool {
	return r.Buildbot != nil
}

// Config is the top-level bot configuration: one GitHub credential, many
// repos.
type Config struct {
	GitHub GitHubConfig          `toml:"github" json:"github"`
	Repo   map[string]RepoConfig `toml:"repo" json:"repo"`
}

// Load reads the bot's configuration. It first tries path as TOML; if that
// file does not exist, it falls back to the sibling ".json" file, mirroring
// the original bot's "cfg.toml, else cfg.json" behavior.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "reading %s", path)
		}
		jsonPath := jsonSibling(path)
		b, err = os.ReadFile(jsonPath)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", jsonPath)
		}
		cfg := &Config{}
		if err := json.Unmarshal(b, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing %s", jsonPath)
		}
		return cfg, nil
	}

	cfg := &Config{}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return cfg, nil
}

func jsonSibling(path string) string {
	if strings.HasSuffix(path, ".toml") {
		return strings.TrimSuffix(path, ".toml") + ".json"
	}
	return path + ".json"
}

// BuildersFor returns the builder set the dispatcher should use for pr,
// given whether it is in try-mode, plus the scratch branch name.
func (r RepoConfig) BuildersFor(tryMode bool, baseRef string) (branch string, builders []string, testRunnersShape bool, err error) {
	switch {
	case r.Buildbot != nil:
		branch = "auto"
		if tryMode {
			branch = "try"
		}
		if tryMode && r.Branch.Try != "" {
			branch = r.Branch.Try
		} else if !tryMode && r.Branch.Auto != "" {
			branch = r.Branch.Auto
		}
		if tryMode {
			builders = r.Buildbot.TryBuilders
		} else {
			builders = r.Buildbot.Builders
		}
		return branch, builders, false, nil
	case r.Travis != nil:
		branch = "auto"
		if r.Branch.Auto != "" {
			branch = r.Branch.Auto
		}
		return branch, []string{"travis"}, false, nil
	case r.Status != nil:
		branch = "auto"
		if r.Branch.Auto != "" {
			branch = r.Branch.Auto
		}
		return branch, []string{"status"}, false, nil
	case r.TestRunners != nil:
		return "merge_bot_" + baseRef, r.TestRunners.Builders, true, nil
	default:
		return "", nil, false, errors.New("repo has no CI configured")
	}
}
