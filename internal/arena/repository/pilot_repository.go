package repository

import (
	"context"
	"time"

	"aipilot/internal/arena/model"
	"aipilot/internal/common/db"
	appErr "aipilot/pkg/errors"
)

// PilotRepository stores pilots and their version history.
type PilotRepository interface {
	// List returns every pilot in creation order with versions loaded.
	List(ctx context.Context) ([]*model.Pilot, error)
	GetByID(ctx context.Context, id string) (*model.Pilot, error)
	GetByName(ctx context.Context, name string) (*model.Pilot, error)
	Create(ctx context.Context, pilot *model.Pilot) error
	// AppendVersion makes artifactID the new current version.
	AppendVersion(ctx context.Context, pilotID, artifactID string) (model.PilotVersion, error)
	// RecordFailure logs a crashed run between two versions and refreshes
	// the fail count of both.
	RecordFailure(ctx context.Context, a, b model.TeamRef) error
	// FailureCounts returns crashed runs of ref keyed by opponent version.
	FailureCounts(ctx context.Context, ref model.TeamRef) (map[model.TeamRef]int, error)
}

type SQLPilotRepository struct {
	db  db.Database
	now func() time.Time
}

func NewPilotRepository(database db.Database) *SQLPilotRepository {
	return &SQLPilotRepository{db: database, now: time.Now}
}

const pilotColumns = "id, name, owner_id, current_version, created_at"
const versionColumns = "pilot_id, version, artifact_id, fail_count, created_at"

func (r *SQLPilotRepository) List(ctx context.Context) ([]*model.Pilot, error) {
	rows, err := r.db.Query(ctx, "SELECT "+pilotColumns+" FROM pilots ORDER BY seq")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list pilots failed")
	}
	defer rows.Close()

	var pilots []*model.Pilot
	byID := make(map[string]*model.Pilot)
	for rows.Next() {
		p, currentVersion, err := scanPilot(rows)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan pilot failed")
		}
		p.Current.Version = currentVersion
		pilots = append(pilots, p)
		byID[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list pilots failed")
	}

	vrows, err := r.db.Query(ctx, "SELECT "+versionColumns+" FROM pilot_versions ORDER BY pilot_id, version")
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list pilot versions failed")
	}
	defer vrows.Close()
	for vrows.Next() {
		pilotID, v, err := scanVersion(vrows)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan pilot version failed")
		}
		if p, ok := byID[pilotID]; ok {
			p.Versions = append(p.Versions, v)
		}
	}
	if err := vrows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "list pilot versions failed")
	}

	for _, p := range pilots {
		resolveCurrent(p)
	}
	return pilots, nil
}

func (r *SQLPilotRepository) GetByID(ctx context.Context, id string) (*model.Pilot, error) {
	return r.getOne(ctx, "id", id)
}

func (r *SQLPilotRepository) GetByName(ctx context.Context, name string) (*model.Pilot, error) {
	return r.getOne(ctx, "name", name)
}

func (r *SQLPilotRepository) getOne(ctx context.Context, column, value string) (*model.Pilot, error) {
	row := r.db.QueryRow(ctx, "SELECT "+pilotColumns+" FROM pilots WHERE "+column+" = ?", value)
	p, currentVersion, err := scanPilot(row)
	if err != nil {
		if db.IsNoRows(err) {
			return nil, appErr.New(appErr.PilotNotFound).WithDetail(column, value)
		}
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get pilot failed")
	}
	p.Current.Version = currentVersion

	rows, err := r.db.Query(ctx, "SELECT "+versionColumns+" FROM pilot_versions WHERE pilot_id = ? ORDER BY version", p.ID)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get pilot versions failed")
	}
	defer rows.Close()
	for rows.Next() {
		_, v, err := scanVersion(rows)
		if err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan pilot version failed")
		}
		p.Versions = append(p.Versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "get pilot versions failed")
	}
	resolveCurrent(p)
	return p, nil
}

func (r *SQLPilotRepository) Create(ctx context.Context, pilot *model.Pilot) error {
	if pilot == nil || pilot.ID == "" {
		return appErr.BadRequest("pilot id is required")
	}
	if pilot.CreatedAt.IsZero() {
		pilot.CreatedAt = r.now()
	}
	query := "INSERT INTO pilots (id, name, owner_id, current_version, created_at) VALUES (?, ?, ?, 0, ?)"
	if _, err := r.db.Exec(ctx, query, pilot.ID, pilot.Name, pilot.OwnerID, pilot.CreatedAt.UnixMilli()); err != nil {
		if _, dup := db.UniqueViolation(err); dup {
			return appErr.New(appErr.PilotAlreadyExists).WithDetail("name", pilot.Name)
		}
		return appErr.Wrapf(err, appErr.DatabaseError, "create pilot failed")
	}
	pilot.Current = model.PilotVersion{}
	pilot.Versions = nil
	return nil
}

func (r *SQLPilotRepository) AppendVersion(ctx context.Context, pilotID, artifactID string) (model.PilotVersion, error) {
	var created model.PilotVersion
	err := r.db.Transaction(ctx, func(tx db.Transaction) error {
		q := db.GetQuerier(r.db, tx)

		var current int
		if err := q.QueryRow(ctx, "SELECT current_version FROM pilots WHERE id = ?", pilotID).Scan(&current); err != nil {
			if db.IsNoRows(err) {
				return appErr.New(appErr.PilotNotFound).WithDetail("id", pilotID)
			}
			return appErr.Wrapf(err, appErr.DatabaseError, "read current version failed")
		}

		created = model.PilotVersion{Version: current + 1, ArtifactID: artifactID, CreatedAt: r.now()}
		insert := "INSERT INTO pilot_versions (pilot_id, version, artifact_id, fail_count, created_at) VALUES (?, ?, ?, 0, ?)"
		if _, err := q.Exec(ctx, insert, pilotID, created.Version, artifactID, created.CreatedAt.UnixMilli()); err != nil {
			if _, dup := db.UniqueViolation(err); dup {
				return appErr.New(appErr.VersionConflict).WithDetail("id", pilotID)
			}
			return appErr.Wrapf(err, appErr.DatabaseError, "insert pilot version failed")
		}

		result, err := q.Exec(ctx, "UPDATE pilots SET current_version = ? WHERE id = ? AND current_version = ?", created.Version, pilotID, current)
		if err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "advance current version failed")
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return appErr.Wrapf(err, appErr.DatabaseError, "advance current version failed")
		}
		if affected != 1 {
			return appErr.New(appErr.VersionConflict).WithDetail("id", pilotID)
		}
		return nil
	})
	if err != nil {
		return model.PilotVersion{}, err
	}
	return created, nil
}

// attributedFailures counts crashes of a version against opponents that have
// completed at least one match at the version they crashed with.
const attributedFailures = `SELECT COUNT(*) FROM match_failures f
WHERE f.pilot_id = ? AND f.version = ? AND EXISTS (
    SELECT 1 FROM match_results m
    WHERE (m.team_a_pilot_id = f.opponent_id AND m.team_a_version = f.opponent_version)
       OR (m.team_b_pilot_id = f.opponent_id AND m.team_b_version = f.opponent_version)
)`

func (r *SQLPilotRepository) RecordFailure(ctx context.Context, a, b model.TeamRef) error {
	now := r.now().UnixMilli()
	return r.db.Transaction(ctx, func(tx db.Transaction) error {
		q := db.GetQuerier(r.db, tx)

		for _, ref := range []model.TeamRef{a, b} {
			var one int
			err := q.QueryRow(ctx, "SELECT 1 FROM pilot_versions WHERE pilot_id = ? AND version = ?", ref.PilotID, ref.Version).Scan(&one)
			if err != nil {
				if db.IsNoRows(err) {
					return appErr.New(appErr.PilotNotFound).WithDetail("id", ref.PilotID).WithDetail("version", ref.Version)
				}
				return appErr.Wrapf(err, appErr.DatabaseError, "get pilot version failed")
			}
		}

		insert := "INSERT INTO match_failures (pilot_id, version, opponent_id, opponent_version, created_at) VALUES (?, ?, ?, ?, ?)"
		for _, pair := range [][2]model.TeamRef{{a, b}, {b, a}} {
			self, opp := pair[0], pair[1]
			if _, err := q.Exec(ctx, insert, self.PilotID, self.Version, opp.PilotID, opp.Version, now); err != nil {
				return appErr.Wrapf(err, appErr.DatabaseError, "insert match failure failed")
			}
		}

		for _, ref := range []model.TeamRef{a, b} {
			var count int
			if err := q.QueryRow(ctx, attributedFailures, ref.PilotID, ref.Version).Scan(&count); err != nil {
				return appErr.Wrapf(err, appErr.DatabaseError, "count match failures failed")
			}
			update := "UPDATE pilot_versions SET fail_count = ? WHERE pilot_id = ? AND version = ?"
			if _, err := q.Exec(ctx, update, count, ref.PilotID, ref.Version); err != nil {
				return appErr.Wrapf(err, appErr.DatabaseError, "update fail count failed")
			}
		}
		return nil
	})
}

func (r *SQLPilotRepository) FailureCounts(ctx context.Context, ref model.TeamRef) (map[model.TeamRef]int, error) {
	query := "SELECT opponent_id, opponent_version, COUNT(*) FROM match_failures WHERE pilot_id = ? AND version = ? GROUP BY opponent_id, opponent_version"
	rows, err := r.db.Query(ctx, query, ref.PilotID, ref.Version)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load match failures failed")
	}
	defer rows.Close()

	counts := make(map[model.TeamRef]int)
	for rows.Next() {
		var (
			opp   model.TeamRef
			count int
		)
		if err := rows.Scan(&opp.PilotID, &opp.Version, &count); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan match failure failed")
		}
		counts[opp] = count
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "load match failures failed")
	}
	return counts, nil
}

func scanPilot(scanner db.Scanner) (*model.Pilot, int, error) {
	var (
		p              model.Pilot
		currentVersion int
		createdAt      int64
	)
	if err := scanner.Scan(&p.ID, &p.Name, &p.OwnerID, &currentVersion, &createdAt); err != nil {
		return nil, 0, err
	}
	p.CreatedAt = time.UnixMilli(createdAt)
	return &p, currentVersion, nil
}

func scanVersion(scanner db.Scanner) (string, model.PilotVersion, error) {
	var (
		pilotID   string
		v         model.PilotVersion
		createdAt int64
	)
	if err := scanner.Scan(&pilotID, &v.Version, &v.ArtifactID, &v.FailCount, &createdAt); err != nil {
		return "", model.PilotVersion{}, err
	}
	v.CreatedAt = time.UnixMilli(createdAt)
	return pilotID, v, nil
}

// resolveCurrent replaces the bare current version number with its full record.
func resolveCurrent(p *model.Pilot) {
	want := p.Current.Version
	p.Current = model.PilotVersion{}
	for _, v := range p.Versions {
		if v.Version == want {
			p.Current = v
			return
		}
	}
}
