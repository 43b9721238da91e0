package statestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/uvcad/cadsync/internal/codec"
	"github.com/uvcad/cadsync/internal/db"
)

const conflictColumns = "path, base_hash, observations, reason, detected_at"

// Conflicts returns pending conflicts ordered by path.
func (s *Store) Conflicts(ctx context.Context) ([]*Conflict, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var rows []dbConflict
	if err := s.db.SelectContext(ctx, &rows, "SELECT "+conflictColumns+" FROM conflicts ORDER BY path"); err != nil {
		return nil, storeErr("load conflicts", err)
	}
	out := make([]*Conflict, 0, len(rows))
	for _, row := range rows {
		c, err := fromConflictRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Conflict returns nil, nil when path has no pending conflict.
func (s *Store) Conflict(ctx context.Context, path string) (*Conflict, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	var row dbConflict
	err := s.db.GetContext(ctx, &row, "SELECT "+conflictColumns+" FROM conflicts WHERE path = ?", path)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, storeErr("get conflict "+path, err)
	}
	return fromConflictRow(row)
}

// ReplaceConflicts makes current the full set of pending conflicts.
// A conflict that was already pending keeps its original detection time.
func (s *Store) ReplaceConflicts(ctx context.Context, current []*Conflict) error {
	if err := s.ready(); err != nil {
		return err
	}

	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var existing []dbConflict
		if err := tx.SelectContext(ctx, &existing, "SELECT "+conflictColumns+" FROM conflicts"); err != nil {
			return err
		}
		detected := make(map[string]string, len(existing))
		for _, e := range existing {
			detected[e.Path] = e.DetectedAt
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM conflicts"); err != nil {
			return err
		}

		for _, c := range current {
			row, err := toConflictRow(c)
			if err != nil {
				return err
			}
			if at, ok := detected[c.Path]; ok && at != "" {
				row.DetectedAt = at
			}
			if err := insertConflict(ctx, tx, row); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return storeErr("replace conflicts", err)
	}
	return nil
}

// DeleteConflict drops the pending conflict of path, if any.
func (s *Store) DeleteConflict(ctx context.Context, path string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM conflicts WHERE path = ?", path); err != nil {
		return storeErr("delete conflict "+path, err)
	}
	return nil
}

func insertConflict(ctx context.Context, tx *sqlx.Tx, row dbConflict) error {
	_, err := tx.NamedExecContext(ctx, `INSERT INTO conflicts (`+conflictColumns+`)
		VALUES (:path, :base_hash, :observations, :reason, :detected_at)`, row)
	return err
}

func toConflictRow(c *Conflict) (dbConflict, error) {
	obs, err := marshalObservations(c.Observations)
	if err != nil {
		return dbConflict{}, fmt.Errorf("encode observations of %s: %w", c.Path, err)
	}
	detectedAt := c.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = time.Now()
	}
	return dbConflict{
		Path:         c.Path,
		BaseHash:     c.BaseHash,
		Observations: obs,
		Reason:       c.Reason,
		DetectedAt:   formatTime(detectedAt),
	}, nil
}

func fromConflictRow(row dbConflict) (*Conflict, error) {
	c := &Conflict{
		Path:     row.Path,
		BaseHash: row.BaseHash,
		Reason:   row.Reason,
	}
	if err := codec.Unmarshal([]byte(row.Observations), &c.Observations); err != nil {
		return nil, storeErr("decode conflict "+row.Path, err)
	}
	at, err := parseTime(row.DetectedAt)
	if err != nil {
		return nil, storeErr("parse detected_at of "+row.Path, err)
	}
	c.DetectedAt = at
	return c, nil
}
