package statestore

import (
	"context"
	"fmt"
)

// RecordRun appends a row to the sync history.
func (s *Store) RecordRun(ctx context.Context, run *Run) error {
	if err := s.ready(); err != nil {
		return err
	}
	if run == nil || run.ID == "" {
		return fmt.Errorf("run without id")
	}

	_, err := s.db.NamedExecContext(ctx, `INSERT INTO sync_runs
		(id, host, started_at, finished_at, status, synced, skipped, conflicted, failed, excluded, error)
		VALUES (:id, :host, :started_at, :finished_at, :status, :synced, :skipped, :conflicted, :failed, :excluded, :error)`,
		dbRun{
			ID:         run.ID,
			Host:       run.Host,
			StartedAt:  formatTime(run.StartedAt),
			FinishedAt: formatTime(run.FinishedAt),
			Status:     string(run.Status),
			Synced:     run.Synced,
			Skipped:    run.Skipped,
			Conflicted: run.Conflicted,
			Failed:     run.Failed,
			Excluded:   joinLocations(run.Excluded),
			Error:      run.Error,
		})
	if err != nil {
		return storeErr("record run", err)
	}
	return nil
}

// Runs returns the most recent runs first. limit <= 0 returns all of them.
func (s *Store) Runs(ctx context.Context, limit int) ([]*Run, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	query := "SELECT * FROM sync_runs ORDER BY started_at DESC"
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []dbRun
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, storeErr("load runs", err)
	}

	out := make([]*Run, 0, len(rows))
	for _, row := range rows {
		started, err := parseTime(row.StartedAt)
		if err != nil {
			return nil, storeErr("parse run "+row.ID, err)
		}
		finished, err := parseTime(row.FinishedAt)
		if err != nil {
			return nil, storeErr("parse run "+row.ID, err)
		}
		out = append(out, &Run{
			ID:         row.ID,
			Host:       row.Host,
			StartedAt:  started,
			FinishedAt: finished,
			Status:     RunStatus(row.Status),
			Synced:     row.Synced,
			Skipped:    row.Skipped,
			Conflicted: row.Conflicted,
			Failed:     row.Failed,
			Excluded:   splitLocations(row.Excluded),
			Error:      row.Error,
		})
	}
	return out, nil
}

// LastRun returns nil, nil when no run was recorded yet.
func (s *Store) LastRun(ctx context.Context) (*Run, error) {
	runs, err := s.Runs(ctx, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	return runs[0], nil
}
