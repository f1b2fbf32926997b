// Command homu runs the merge-queue bot: it loads configuration, opens and
// migrates the durable store, synchronizes every configured repo against the
// hosting platform, and serves the webhook intake.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/coupa/homu/internal/build"
	"github.com/coupa/homu/internal/ci"
	"github.com/coupa/homu/internal/command"
	"github.com/coupa/homu/internal/config"
	"github.com/coupa/homu/internal/hostclient"
	"github.com/coupa/homu/internal/logging"
	"github.com/coupa/homu/internal/mergeability"
	"github.com/coupa/homu/internal/model"
	"github.com/coupa/homu/internal/queue"
	"github.com/coupa/homu/internal/store"
	syncpkg "github.com/coupa/homu/internal/sync"
	"github.com/coupa/homu/internal/webhook"
)

type options struct {
	verbose       bool
	configPath    string
	dbPath        string
	port          string
	webhookSecret string
}

func gatherOptions() options {
	o := options{}
	flag.BoolVar(&o.verbose, "v", false, "log at debug level")
	flag.BoolVar(&o.verbose, "verbose", false, "log at debug level")
	flag.StringVar(&o.configPath, "config", "cfg.toml", "path to the bot's TOML (or sibling JSON) configuration")
	flag.StringVar(&o.dbPath, "db", "homu.db", "path to the SQLite database file")
	flag.StringVar(&o.port, "port", "8080", "port to serve the webhook intake on")
	flag.StringVar(&o.webhookSecret, "webhook-secret-file", "", "path to a file holding the webhook HMAC secret")
	flag.Parse()
	return o
}

func main() {
	o := gatherOptions()
	log := logging.Setup(o.verbose, "main")

	cfg, err := config.Load(o.configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	host := hostclient.NewClient(cfg.GitHub.AccessToken)
	ctx := context.Background()

	sleepForRateLimit(ctx, log, host)

	botLogin, err := host.BotLogin(ctx)
	if err != nil {
		log.WithError(err).Fatal("failed to resolve authenticated bot login")
	}
	log = log.WithField("bot", botLogin)

	db, err := store.Open(o.dbPath)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	if err := store.Migrate(db.Writer); err != nil {
		log.WithError(err).Fatal("failed to run migrations")
	}
	st := store.New(db)

	configuredBuilders := map[string][]string{}
	for label, repoCfg := range cfg.Repo {
		_, builders, _, err := repoCfg.BuildersFor(false, "")
		if err == nil {
			configuredBuilders[label] = builders
		}
	}
	states, err := st.LoadAll(configuredBuilders)
	if err != nil {
		log.WithError(err).Fatal("failed to load persisted queue state")
	}
	if states == nil {
		states = map[string]map[int]*model.PullRequest{}
	}

	repoOf := func(label string) (config.RepoConfig, bool) {
		c, ok := cfg.Repo[label]
		return c, ok
	}

	ciSession := ci.NewSessionClient()
	slot := &build.BuildSlot{}

	proberLog := log.WithField("component", "mergeability")
	prober := mergeability.New(proberLog, host, st, repoOf)
	go prober.Run(ctx)

	cmdParser := command.New(botLogin, host, ciSession, nil)

	dispatchLog := log.WithField("component", "build")
	dispatcher := build.New(dispatchLog, host, ciSession, st, slot, repoOf)

	processorLog := log.WithField("component", "queue")
	processor := queue.New(processorLog, dispatcher, st)

	syncLog := log.WithField("component", "sync")
	synchronizer := syncpkg.New(syncLog, host, st, cmdParser, prober)

	for label, repoCfg := range cfg.Repo {
		synced, err := synchronizer.Sync(ctx, label, repoCfg)
		if err != nil {
			log.WithField("repo", label).WithError(err).Error("initial synchronization failed")
			continue
		}
		states[label] = synced
	}

	secret := loadWebhookSecret(log, o.webhookSecret)
	server := webhook.New(log.WithField("component", "webhook"), secret, cmdParser, prober, processor, st, cfg.Repo, states)

	log.WithField("port", o.port).Info("serving webhook intake")
	if err := http.ListenAndServe(":"+o.port, server); err != nil {
		log.WithError(err).Fatal("webhook server exited")
	}
}

// sleepForRateLimit blocks the process until the hosting platform's rate
// limit resets if the current token has no remaining requests, matching
// original_source's startup check.
func sleepForRateLimit(ctx context.Context, log *logrus.Entry, host hostclient.Client) {
	rl, err := host.RateLimit(ctx)
	if err != nil {
		log.WithError(err).Warn("failed to read rate limit status")
		return
	}
	log.WithFields(logrus.Fields{"remaining": rl.Remaining, "reset": rl.ResetAt}).Debug("rate limit status")
	if rl.Remaining > 0 {
		return
	}
	wait := time.Until(rl.ResetAt)
	if wait <= 0 {
		return
	}
	log.WithField("reset", rl.ResetAt).Info("rate limit exhausted, sleeping until reset")
	time.Sleep(wait)
}

func loadWebhookSecret(log *logrus.Entry, path string) []byte {
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		log.WithError(err).Fatal("failed to read webhook secret file")
	}
	return []byte(strings.TrimRight(string(raw), "\r\n"))
}
