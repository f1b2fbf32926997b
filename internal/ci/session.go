// Package ci provides the out-of-core-scope CI collaborators: a session
// ("buildbot" shape) client that logs in once and shares a cookie jar across
// requests, and the plain status-check posting used by the travis/status/
// testrunners shapes (which just go through hostclient directly and need no
// collaborator of their own).
package ci

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/coupa/homu/internal/config"
)

var errDivRe = regexp.MustCompile(`(?s)<div class="error">(.*?)</div>`)
var titleRe = regexp.MustCompile(`(?s)<title>(.*?)</title>`)

// SessionClient talks to a buildbot-shaped session CI: login with a cookie
// jar, issue one or more requests, logout. Each public method opens and
// closes its own session, matching original_source's `with buildbot_sess(...)`
// context-manager idiom.
type SessionClient struct {
	HTTPClient *http.Client
}

// NewSessionClient builds a SessionClient with a short request timeout; the
// cookie jar is created fresh per call, since each call is its own session.
func NewSessionClient() *SessionClient {
	return &SessionClient{HTTPClient: &http.Client{Timeout: 30 * time.Second}}
}

func (c *SessionClient) withSession(ctx context.Context, cfg config.BuildbotConfig, fn func(*http.Client) error) error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return errors.Wrap(err, "create cookie jar")
	}
	client := &http.Client{Timeout: c.HTTPClient.Timeout, Jar: jar}

	loginURL := strings.TrimRight(cfg.URL, "/") + "/login"
	form := url.Values{"username": {cfg.Username}, "passwd": {cfg.Password}}
	if resp, err := postForm(ctx, client, loginURL, form); err != nil {
		return errors.Wrap(err, "buildbot login")
	} else {
		resp.Body.Close()
	}

	defer func() {
		logoutURL := strings.TrimRight(cfg.URL, "/") + "/logout"
		if req, err := http.NewRequestWithContext(ctx, http.MethodGet, logoutURL, nil); err == nil {
			if resp, err := client.Do(req); err == nil {
				resp.Body.Close()
			}
		}
	}()

	return fn(client)
}

func postForm(ctx context.Context, client *http.Client, target string, form url.Values) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return client.Do(req)
}

// StopSelected posts to /builders/_selected/stopselected, selecting every
// builder in cfg.Builders, and returns the extracted error text (empty on
// success).
func (c *SessionClient) StopSelected(ctx context.Context, cfg config.BuildbotConfig, comment string) (string, error) {
	var errText string
	err := c.withSession(ctx, cfg, func(client *http.Client) error {
		form := url.Values{"comments": {comment}}
		for _, b := range cfg.Builders {
			form.Add("selected", b)
		}
		resp, err := postForm(ctx, client, strings.TrimRight(cfg.URL, "/")+"/builders/_selected/stopselected", form)
		if err != nil {
			return errors.Wrap(err, "stopselected")
		}
		defer resp.Body.Close()
		errText = extractError(readBody(resp))
		return nil
	})
	return errText, err
}

// Rebuild POSTs <builderURL>/rebuild for one failed builder, per
// original_source's start_rebuild. Returns the extracted error (empty on
// success).
func (c *SessionClient) Rebuild(ctx context.Context, cfg config.BuildbotConfig, builderURL, builderName string) (string, error) {
	var errText string
	err := c.withSession(ctx, cfg, func(client *http.Client) error {
		form := url.Values{
			"useSourcestamp": {"exact"},
			"comments":       {"Initiated by Homu"},
		}
		resp, err := postForm(ctx, client, strings.TrimRight(builderURL, "/")+"/rebuild", form)
		if err != nil {
			return errors.Wrap(err, "rebuild")
		}
		defer resp.Body.Close()
		body := readBody(resp)
		if strings.Contains(body, "authzfail") {
			errText = "Authorization failed"
			return nil
		}
		if !strings.Contains(body, builderName) {
			if m := titleRe.FindStringSubmatch(body); m != nil {
				errText = strings.TrimSpace(m[1])
			} else {
				errText = "Unknown error"
			}
		}
		return nil
	})
	return errText, err
}

func extractError(body string) string {
	if strings.Contains(body, "authzfail") {
		return "Authorization failed"
	}
	if m := errDivRe.FindStringSubmatch(body); m != nil {
		if s := strings.TrimSpace(m[1]); s != "" {
			return s
		}
		return "Unknown error"
	}
	return ""
}

func readBody(resp *http.Response) string {
	buf := make([]byte, 64*1024)
	n, _ := resp.Body.Read(buf)
	return string(buf[:n])
}
