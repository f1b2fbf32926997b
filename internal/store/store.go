package store

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/coupa/homu/internal/model"
)

// Store is the durable persistence layer: three tables (pull, build_res,
// mergeable), one transaction per public operation.
type Store struct {
	db *DB
}

// New wraps an already-open, already-migrated DB.
func New(db *DB) *Store {
	return &Store{db: db}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UpsertPull performs a full replace of the persisted pull row for pr,
// keyed by (repo, num).
func (s *Store) UpsertPull(pr *model.PullRequest) error {
	return withRetry(func() error {
		tx, err := s.db.Writer.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`
			INSERT INTO pull (repo, num, status, merge_sha, title, body, head_sha,
				head_ref, base_ref, assignee, approved_by, priority, try_, rollup)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(repo, num) DO UPDATE SET
				status=excluded.status, merge_sha=excluded.merge_sha,
				title=excluded.title, body=excluded.body, head_sha=excluded.head_sha,
				head_ref=excluded.head_ref, base_ref=excluded.base_ref,
				assignee=excluded.assignee, approved_by=excluded.approved_by,
				priority=excluded.priority, try_=excluded.try_, rollup=excluded.rollup
		`,
			pr.RepoLabel, pr.Num, string(pr.Status), pr.MergeSHA, pr.Title, pr.Body,
			pr.HeadSHA, pr.HeadRef, pr.BaseRef, pr.Assignee, pr.ApprovedBy,
			pr.Priority, boolToInt(pr.TryMode), boolToInt(pr.Rollup),
		); err != nil {
			return errors.Wrapf(err, "upsert pull %s", pr.Key())
		}
		return tx.Commit()
	})
}

// SetStatus sets pr.Status and persists it. Per spec, the merge_sha column
// is only written when the PR is not in try-mode: try-mode merge commits
// are intentionally not persisted, so that a restart never mistakes a try
// build for a landing candidate.
func (s *Store) SetStatus(pr *model.PullRequest, status model.Status) error {
	pr.Status = status
	return withRetry(func() error {
		tx, err := s.db.Writer.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`UPDATE pull SET status = ? WHERE repo = ? AND num = ?`,
			string(pr.Status), pr.RepoLabel, pr.Num); err != nil {
			return errors.Wrap(err, "update status")
		}
		if !pr.TryMode {
			if _, err := tx.Exec(`UPDATE pull SET merge_sha = ? WHERE repo = ? AND num = ?`,
				pr.MergeSHA, pr.RepoLabel, pr.Num); err != nil {
				return errors.Wrap(err, "update merge_sha")
			}
		}
		return tx.Commit()
	})
}

// SetBuildResult upserts one build_res row keyed by (repo, num, builder),
// recording the PR's current merge_sha so that stale rows can later be
// detected and evicted.
func (s *Store) SetBuildResult(pr *model.PullRequest, builder string, res model.Result, url string) error {
	if pr.BuildResults == nil {
		pr.BuildResults = map[string]model.BuildResult{}
	}
	pr.BuildResults[builder] = model.BuildResult{Result: res, URL: url}

	var resVal interface{}
	if res != model.ResultUnknown {
		resVal = boolToInt(res == model.ResultPass)
	}

	return withRetry(func() error {
		_, err := s.db.Writer.Exec(`
			INSERT INTO build_res (repo, num, builder, res, url, merge_sha)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(repo, num, builder) DO UPDATE SET
				res=excluded.res, url=excluded.url, merge_sha=excluded.merge_sha
		`, pr.RepoLabel, pr.Num, builder, resVal, url, pr.MergeSHA)
		return errors.Wrap(err, "set build result")
	})
}

// InitBuildResults resets the in-memory build-results map to one unknown
// entry per builder and deletes all previously persisted rows for the PR.
// Called with a nil/empty builder set this is exactly ClearBuildResults.
func (s *Store) InitBuildResults(pr *model.PullRequest, builders []string) error {
	pr.InitBuildResults(builders)
	return withRetry(func() error {
		_, err := s.db.Writer.Exec(`DELETE FROM build_res WHERE repo = ? AND num = ?`, pr.RepoLabel, pr.Num)
		return errors.Wrap(err, "clear build results")
	})
}

// ClearBuildResults deletes all build_res rows for pr and resets its
// in-memory results to empty.
func (s *Store) ClearBuildResults(pr *model.PullRequest) error {
	return s.InitBuildResults(pr, nil)
}

// SetMergeable records pr's mergeability. A definite value is upserted; an
// unknown value deletes the cached row (there is nothing durable to say).
func (s *Store) SetMergeable(pr *model.PullRequest, value model.Mergeable) error {
	pr.Mergeable = value
	return withRetry(func() error {
		if value == model.MergeableUnknown {
			_, err := s.db.Writer.Exec(`DELETE FROM mergeable WHERE repo = ? AND num = ?`, pr.RepoLabel, pr.Num)
			return errors.Wrap(err, "delete mergeable")
		}
		_, err := s.db.Writer.Exec(`
			INSERT INTO mergeable (repo, num, mergeable) VALUES (?, ?, ?)
			ON CONFLICT(repo, num) DO UPDATE SET mergeable=excluded.mergeable
		`, pr.RepoLabel, pr.Num, boolToInt(value == model.MergeableTrue))
		return errors.Wrap(err, "upsert mergeable")
	})
}

// PurgeRepo removes all rows for repoLabel across all three tables. Used by
// the synchronizer, for which the hosting platform is the source of truth.
func (s *Store) PurgeRepo(repoLabel string) error {
	return withRetry(func() error {
		tx, err := s.db.Writer.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		for _, tbl := range []string{"pull", "build_res", "mergeable"} {
			if _, err := tx.Exec(`DELETE FROM `+tbl+` WHERE repo = ?`, repoLabel); err != nil {
				return errors.Wrapf(err, "purge %s", tbl)
			}
		}
		return tx.Commit()
	})
}

// LoadAll reconstructs every PR entity from durable storage, repairing the
// inconsistencies the spec calls out:
//   - build_res rows for a builder no longer configured, or whose merge_sha
//     disagrees with the PR's current merge_sha, are stale and deleted;
//   - mergeable rows for unknown PRs are deleted;
//   - status=pending with no merge_sha is demoted to empty and re-saved so
//     the PR re-enters the queue.
//
// configuredBuilders maps repoLabel to the builder set currently configured
// for that repo.
func (s *Store) LoadAll(configuredBuilders map[string][]string) (map[string]map[int]*model.PullRequest, error) {
	out := make(map[string]map[int]*model.PullRequest)

	rows, err := s.db.Reader.Query(`SELECT repo, num, status, merge_sha, title, body, head_sha,
		head_ref, base_ref, assignee, approved_by, priority, try_, rollup FROM pull`)
	if err != nil {
		return nil, errors.Wrap(err, "load pull rows")
	}
	func() {
		defer rows.Close()
		for rows.Next() {
			var pr model.PullRequest
			var status string
			var try_, rollup int
			if err := rows.Scan(&pr.RepoLabel, &pr.Num, &status, &pr.MergeSHA, &pr.Title,
				&pr.Body, &pr.HeadSHA, &pr.HeadRef, &pr.BaseRef, &pr.Assignee,
				&pr.ApprovedBy, &pr.Priority, &try_, &rollup); err != nil {
				continue
			}
			pr.Status = model.Status(status)
			pr.TryMode = try_ != 0
			pr.Rollup = rollup != 0
			pr.BuildResults = map[string]model.BuildResult{}
			pr.Mergeable = model.MergeableUnknown

			if pr.Status == model.StatusPending && pr.MergeSHA == "" {
				pr.Status = model.StatusNone
			}

			if out[pr.RepoLabel] == nil {
				out[pr.RepoLabel] = map[int]*model.PullRequest{}
			}
			cp := pr
			out[pr.RepoLabel][pr.Num] = &cp
		}
	}()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate pull rows")
	}

	// Re-save any row that was demoted, and repair build_res/mergeable.
	for repoLabel, prs := range out {
		for _, pr := range prs {
			if pr.Status == model.StatusNone {
				if err := s.UpsertPull(pr); err != nil {
					return nil, err
				}
			}
		}
		_ = repoLabel
	}

	if err := s.repairBuildResults(out, configuredBuilders); err != nil {
		return nil, err
	}
	if err := s.repairMergeable(out); err != nil {
		return nil, err
	}

	return out, nil
}

func (s *Store) repairBuildResults(out map[string]map[int]*model.PullRequest, configuredBuilders map[string][]string) error {
	rows, err := s.db.Reader.Query(`SELECT repo, num, builder, res, url, merge_sha FROM build_res`)
	if err != nil {
		return errors.Wrap(err, "load build_res rows")
	}
	defer rows.Close()

	type staleKey struct {
		repo, builder string
		num           int
	}
	var stale []staleKey

	for rows.Next() {
		var repo, builder, url, mergeSHA string
		var num int
		var res sql.NullInt64
		if err := rows.Scan(&repo, &num, &builder, &res, &url, &mergeSHA); err != nil {
			return errors.Wrap(err, "scan build_res")
		}

		pr := out[repo][num]
		allowed := builderAllowed(configuredBuilders[repo], builder)
		if pr == nil || !allowed || pr.MergeSHA != mergeSHA {
			stale = append(stale, staleKey{repo, builder, num})
			continue
		}

		r := model.ResultUnknown
		if res.Valid {
			if res.Int64 != 0 {
				r = model.ResultPass
			} else {
				r = model.ResultFail
			}
		}
		pr.BuildResults[builder] = model.BuildResult{Result: r, URL: url}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, k := range stale {
		if _, err := s.db.Writer.Exec(`DELETE FROM build_res WHERE repo = ? AND num = ? AND builder = ?`,
			k.repo, k.num, k.builder); err != nil {
			return errors.Wrap(err, "delete stale build_res")
		}
	}
	return nil
}

func builderAllowed(configured []string, builder string) bool {
	if configured == nil {
		return true
	}
	for _, b := range configured {
		if b == builder {
			return true
		}
	}
	return false
}

func (s *Store) repairMergeable(out map[string]map[int]*model.PullRequest) error {
	rows, err := s.db.Reader.Query(`SELECT repo, num, mergeable FROM mergeable`)
	if err != nil {
		return errors.Wrap(err, "load mergeable rows")
	}
	defer rows.Close()

	type key struct {
		repo string
		num  int
	}
	var toDelete []key

	for rows.Next() {
		var repo string
		var num int
		var mergeable int
		if err := rows.Scan(&repo, &num, &mergeable); err != nil {
			return errors.Wrap(err, "scan mergeable")
		}
		pr := out[repo][num]
		if pr == nil {
			toDelete = append(toDelete, key{repo, num})
			continue
		}
		if mergeable != 0 {
			pr.Mergeable = model.MergeableTrue
		} else {
			pr.Mergeable = model.MergeableFalse
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, k := range toDelete {
		if _, err := s.db.Writer.Exec(`DELETE FROM mergeable WHERE repo = ? AND num = ?`, k.repo, k.num); err != nil {
			return errors.Wrap(err, "delete orphan mergeable")
		}
	}
	return nil
}
