package repository

import (
	"context"
	"database/sql"
	"time"

	"aipilot/internal/arena/model"
	"aipilot/internal/common/db"
	appErr "aipilot/pkg/errors"
)

// MatchRepository stores completed matches. Rows are never deleted.
type MatchRepository interface {
	Insert(ctx context.Context, result *model.MatchResult) error
	GetByID(ctx context.Context, id string) (*model.MatchResult, error)
	// History returns every match in which ref played either side, oldest first.
	History(ctx context.Context, ref model.TeamRef) ([]*model.MatchResult, error)
	// ListByPilot returns matches of any version of pilotID, oldest first.
	ListByPilot(ctx context.Context, pilotID string) ([]*model.MatchResult, error)
	SetReplayID(ctx context.Context, id, replayID string) error
}

type SQLMatchRepository struct {
	db db.Database
}

func NewMatchRepository(database db.Database) *SQLMatchRepository {
	return &SQLMatchRepository{db: database}
}

const matchColumns = `id, team_a_pilot_id, team_a_version, team_b_pilot_id, team_b_version,
		winner, manual_run, normalized_name, replay_id, created_at`

func (r *SQLMatchRepository) Insert(ctx context.Context, result *model.MatchResult) error {
	if result == nil || result.ID == "" {
		return appErr.BadRequest("match id is required")
	}
	if result.Winner != model.SideA && result.Winner != model.SideB {
		return appErr.BadRequest("only matches with a known winner are stored")
	}
	manual := 0
	if result.ManualRun {
		manual = 1
	}
	var replayID sql.NullString
	if result.ReplayID != "" {
		replayID = sql.NullString{String: result.ReplayID, Valid: true}
	}

	query := `
		INSERT INTO match_results (id, team_a_pilot_id, team_a_version, team_b_pilot_id, team_b_version,
			winner, manual_run, normalized_name, replay_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.Exec(ctx, query,
		result.ID,
		result.TeamA.PilotID, result.TeamA.Version,
		result.TeamB.PilotID, result.TeamB.Version,
		string(result.Winner), manual, result.NormalizedName, replayID, result.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "insert match result failed")
	}
	return nil
}

func (r *SQLMatchRepository) GetByID(ctx context.Context, id string) (*model.MatchResult, error) {
	row := r.db.QueryRow(ctx, "SELECT "+matchColumns+" FROM match_results WHERE id = ?", id)
	m, err := scanMatch(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.New(appErr.MatchNotFound).WithDetail("id", id)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get match failed")
	}
	return m, nil
}

func (r *SQLMatchRepository) History(ctx context.Context, ref model.TeamRef) ([]*model.MatchResult, error) {
	query := `
		SELECT ` + matchColumns + `
		FROM match_results
		WHERE (team_a_pilot_id = ? AND team_a_version = ?) OR (team_b_pilot_id = ? AND team_b_version = ?)
		ORDER BY seq`
	return r.list(ctx, query, ref.PilotID, ref.Version, ref.PilotID, ref.Version)
}

func (r *SQLMatchRepository) ListByPilot(ctx context.Context, pilotID string) ([]*model.MatchResult, error) {
	query := `
		SELECT ` + matchColumns + `
		FROM match_results
		WHERE team_a_pilot_id = ? OR team_b_pilot_id = ?
		ORDER BY seq`
	return r.list(ctx, query, pilotID, pilotID)
}

func (r *SQLMatchRepository) SetReplayID(ctx context.Context, id, replayID string) error {
	result, err := r.db.Exec(ctx, "UPDATE match_results SET replay_id = ? WHERE id = ?", replayID, id)
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "set replay id failed")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return appErr.Wrapf(err, appErr.DatabaseError, "set replay id failed")
	}
	if affected > 0 {
		return nil
	}
	// MySQL reports zero affected rows when the value is unchanged.
	if _, err := r.GetByID(ctx, id); err != nil {
		return err
	}
	return nil
}

func (r *SQLMatchRepository) list(ctx context.Context, query string, args ...interface{}) ([]*model.MatchResult, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list matches failed")
	}
	defer rows.Close()

	var matches []*model.MatchResult
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan match failed")
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list matches failed")
	}
	return matches, nil
}

func scanMatch(scanner db.Scanner) (*model.MatchResult, error) {
	var (
		m         model.MatchResult
		winner    string
		manual    int
		replayID  sql.NullString
		createdAt int64
	)
	err := scanner.Scan(
		&m.ID,
		&m.TeamA.PilotID, &m.TeamA.Version,
		&m.TeamB.PilotID, &m.TeamB.Version,
		&winner, &manual, &m.NormalizedName, &replayID, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	m.Winner = model.Side(winner)
	m.ManualRun = manual != 0
	m.ReplayID = replayID.String
	m.CreatedAt = time.UnixMilli(createdAt)
	return &m, nil
}
