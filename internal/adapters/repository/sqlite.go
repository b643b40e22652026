package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/okian/racetrack/internal/domain/ladder"
	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/pkg/logger"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - initial tables
// 1 - participant finish and ranked tier indexes
const currentSchemaVersion = 1

var _ Store = (*Repository)(nil)

// Repository is the SQLite-backed Store.
type Repository struct {
	db     *sql.DB
	now    func() time.Time
	logger logger.Logger
}

// Open creates or opens a SQLite database at path and brings its schema
// up to date. ":memory:" is accepted for tests.
func Open(path string, opts ...Option) (*Repository, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite has a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	r := &Repository{db: db, now: time.Now, logger: logger.Named("repository")}
	for _, opt := range opts {
		opt(r)
	}
	r.logger.Info(context.Background(), "repository opened", logger.String("path", path))
	return r, nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return runMigrations(db)
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

func migrateToV1(db *sql.DB) error {
	stmts := []string{
		"CREATE INDEX IF NOT EXISTS idx_participants_race_finish ON participants(race_id, finish_time)",
		"CREATE INDEX IF NOT EXISTS idx_ranked_profiles_tier ON ranked_profiles(tier)",
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	return nil
}

func (r *Repository) stamp() string {
	now := time.Now
	if r.now != nil {
		now = r.now
	}
	return model.FormatFinishTime(now())
}

// constraint maps SQLite constraint failures onto repository sentinels.
func constraint(err error) error {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return err
	}
	switch serr.ExtendedCode {
	case sqlite3.ErrConstraintForeignKey:
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
		return fmt.Errorf("%w: %v", ErrRaceExists, err)
	case sqlite3.ErrConstraintCheck:
		return fmt.Errorf("%w: %v", ErrInvalidRace, err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

// CreateRace inserts a new race.
func (r *Repository) CreateRace(ctx context.Context, race model.Race) error {
	if race.ID == "" || !(race.DistanceMeters > 0) {
		return fmt.Errorf("%w: id %q distance %v", ErrInvalidRace, race.ID, race.DistanceMeters)
	}
	unit := race.Unit
	if unit == "" {
		unit = "km"
	}
	created := r.stamp()
	if !race.CreatedAt.IsZero() {
		created = model.FormatFinishTime(race.CreatedAt)
	}
	var started any
	if race.StartedAt != nil {
		started = model.FormatFinishTime(*race.StartedAt)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO races (id, name, distance_meters, unit, ranked, created_at, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(race.ID), race.Name, race.DistanceMeters, unit, race.Ranked, created, started)
	if err != nil {
		return fmt.Errorf("create race %s: %w", race.ID, constraint(err))
	}
	return nil
}

func scanRace(row rowScanner) (model.Race, error) {
	var (
		race    model.Race
		id      string
		created string
		started sql.NullString
	)
	if err := row.Scan(&id, &race.Name, &race.DistanceMeters, &race.Unit, &race.Ranked, &created, &started); err != nil {
		return model.Race{}, err
	}
	race.ID = model.RaceID(id)
	t, err := model.ParseFinishTime(created)
	if err != nil {
		return model.Race{}, fmt.Errorf("race %s created_at: %w", id, err)
	}
	race.CreatedAt = t
	if started.Valid {
		s, err := model.ParseFinishTime(started.String)
		if err != nil {
			return model.Race{}, fmt.Errorf("race %s started_at: %w", id, err)
		}
		race.StartedAt = &s
	}
	return race, nil
}

const raceColumns = "id, name, distance_meters, unit, ranked, created_at, started_at"

// GetRace returns a race by id.
func (r *Repository) GetRace(ctx context.Context, raceID model.RaceID) (model.Race, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+raceColumns+" FROM races WHERE id = ?", string(raceID))
	race, err := scanRace(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Race{}, fmt.Errorf("race %s: %w", raceID, ErrNotFound)
	}
	if err != nil {
		return model.Race{}, fmt.Errorf("get race %s: %w", raceID, err)
	}
	return race, nil
}

// ListRaces returns up to limit races, newest first.
func (r *Repository) ListRaces(ctx context.Context, limit int) ([]model.Race, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+raceColumns+" FROM races ORDER BY created_at DESC, id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list races: %w", err)
	}
	defer rows.Close()

	var races []model.Race
	for rows.Next() {
		race, err := scanRace(rows)
		if err != nil {
			return nil, fmt.Errorf("scan race: %w", err)
		}
		races = append(races, race)
	}
	return races, rows.Err()
}

// StartRace stamps started_at if it is still empty. The first start wins.
func (r *Repository) StartRace(ctx context.Context, raceID model.RaceID, at time.Time) (time.Time, error) {
	if _, err := r.db.ExecContext(ctx,
		"UPDATE races SET started_at = ? WHERE id = ? AND started_at IS NULL",
		model.FormatFinishTime(at), string(raceID)); err != nil {
		return time.Time{}, fmt.Errorf("start race %s: %w", raceID, err)
	}
	return r.GetRaceStartTime(ctx, raceID)
}

// GetRaceStartTime returns the recorded start, or ErrNotStarted.
func (r *Repository) GetRaceStartTime(ctx context.Context, raceID model.RaceID) (time.Time, error) {
	var started sql.NullString
	err := r.db.QueryRowContext(ctx, "SELECT started_at FROM races WHERE id = ?", string(raceID)).Scan(&started)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, fmt.Errorf("race %s: %w", raceID, ErrNotFound)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get race start %s: %w", raceID, err)
	}
	if !started.Valid {
		return time.Time{}, fmt.Errorf("race %s: %w", raceID, ErrNotStarted)
	}
	return model.ParseFinishTime(started.String)
}

// JoinRace adds userID to the race. A disconnected runner who has not
// finished is reconnected.
func (r *Repository) JoinRace(ctx context.Context, raceID model.RaceID, userID model.UserID) error {
	now := r.stamp()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO participants (race_id, user_id, joined_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(race_id, user_id) DO UPDATE SET
			disconnected = 0,
			updated_at = excluded.updated_at
		WHERE participants.finish_time IS NULL`,
		string(raceID), string(userID), now, now)
	if err != nil {
		return fmt.Errorf("join race %s: %w", raceID, constraint(err))
	}
	return nil
}

// ListParticipants returns every participant row of the race.
func (r *Repository) ListParticipants(ctx context.Context, raceID model.RaceID) ([]model.ParticipantRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, distance_meters, finish_time, average_pace, place, disconnected
		FROM participants WHERE race_id = ? ORDER BY user_id`, string(raceID))
	if err != nil {
		return nil, fmt.Errorf("list participants %s: %w", raceID, err)
	}
	defer rows.Close()

	var out []model.ParticipantRecord
	for rows.Next() {
		var (
			rec    model.ParticipantRecord
			userID string
			finish sql.NullString
			pace   sql.NullFloat64
			place  sql.NullInt64
		)
		if err := rows.Scan(&userID, &rec.DistanceMeters, &finish, &pace, &place, &rec.Disconnected); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		rec.UserID = model.UserID(userID)
		if finish.Valid {
			rec.FinishTime = &finish.String
		}
		if pace.Valid {
			rec.AveragePace = &pace.Float64
		}
		if place.Valid {
			p := int(place.Int64)
			rec.Place = &p
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullablePace(pace float64) any {
	if pace > 0 {
		return pace
	}
	return nil
}

// ReportProgress records live distance. Distance never decreases and
// finished rows are left alone.
func (r *Repository) ReportProgress(ctx context.Context, raceID model.RaceID, userID model.UserID, distanceMeters, pace float64) error {
	now := r.stamp()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO participants (race_id, user_id, distance_meters, average_pace, joined_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(race_id, user_id) DO UPDATE SET
			distance_meters = MAX(participants.distance_meters, excluded.distance_meters),
			average_pace = COALESCE(excluded.average_pace, participants.average_pace),
			disconnected = 0,
			updated_at = excluded.updated_at
		WHERE participants.finish_time IS NULL`,
		string(raceID), string(userID), distanceMeters, nullablePace(pace), now, now)
	if err != nil {
		return fmt.Errorf("report progress %s/%s: %w", raceID, userID, constraint(err))
	}
	return nil
}

// MarkFinished stamps the finish with the store clock. Only the first
// finish for a runner is kept.
func (r *Repository) MarkFinished(ctx context.Context, raceID model.RaceID, userID model.UserID, distanceMeters, pace float64, place int) error {
	now := r.stamp()
	var p any
	if place > 0 {
		p = place
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO participants (race_id, user_id, distance_meters, average_pace, finish_time, place, joined_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(race_id, user_id) DO UPDATE SET
			distance_meters = MAX(participants.distance_meters, excluded.distance_meters),
			average_pace = excluded.average_pace,
			finish_time = excluded.finish_time,
			place = excluded.place,
			disconnected = 0,
			updated_at = excluded.updated_at
		WHERE participants.finish_time IS NULL`,
		string(raceID), string(userID), distanceMeters, nullablePace(pace), now, p, now, now)
	if err != nil {
		return fmt.Errorf("mark finished %s/%s: %w", raceID, userID, constraint(err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		r.logger.Debug(ctx, "finish already recorded",
			logger.String("race", string(raceID)), logger.String("user", string(userID)))
	}
	return nil
}

// MarkDisconnected flags an unfinished runner as gone. Finished rows are
// not touched.
func (r *Repository) MarkDisconnected(ctx context.Context, raceID model.RaceID, userID model.UserID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE participants SET disconnected = 1, updated_at = ?
		WHERE race_id = ? AND user_id = ? AND finish_time IS NULL`,
		r.stamp(), string(raceID), string(userID))
	if err != nil {
		return fmt.Errorf("mark disconnected %s/%s: %w", raceID, userID, err)
	}
	n, err := res.RowsAffected()
	if err != nil || n > 0 {
		return err
	}
	var one int
	err = r.db.QueryRowContext(ctx,
		"SELECT 1 FROM participants WHERE race_id = ? AND user_id = ?",
		string(raceID), string(userID)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("participant %s/%s: %w", raceID, userID, ErrNotFound)
	}
	return err
}

// GetProfile returns the cosmetic metadata of a runner.
func (r *Repository) GetProfile(ctx context.Context, userID model.UserID) (model.Metadata, error) {
	var m model.Metadata
	err := r.db.QueryRowContext(ctx,
		"SELECT display_name, sprite_url, country_code FROM profiles WHERE user_id = ?",
		string(userID)).Scan(&m.DisplayName, &m.SpriteURL, &m.CountryCode)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Metadata{}, fmt.Errorf("profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return model.Metadata{}, fmt.Errorf("get profile %s: %w", userID, err)
	}
	return m, nil
}

// PutProfile inserts or replaces a runner's metadata.
func (r *Repository) PutProfile(ctx context.Context, userID model.UserID, meta model.Metadata) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO profiles (user_id, display_name, sprite_url, country_code, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			sprite_url = excluded.sprite_url,
			country_code = excluded.country_code,
			updated_at = excluded.updated_at`,
		string(userID), meta.DisplayName, meta.SpriteURL, meta.CountryCode, r.stamp())
	if err != nil {
		return fmt.Errorf("put profile %s: %w", userID, err)
	}
	return nil
}

const rankedColumns = "user_id, tier, division, league_points, hidden_rating, updated_at"

func scanRanked(row rowScanner) (ladder.RankedProfile, error) {
	var (
		p        ladder.RankedProfile
		userID   string
		tier     string
		division sql.NullString
		rating   sql.NullFloat64
		updated  string
	)
	if err := row.Scan(&userID, &tier, &division, &p.LeaguePoints, &rating, &updated); err != nil {
		return ladder.RankedProfile{}, err
	}
	p.UserID = model.UserID(userID)
	t, err := ladder.ParseTier(tier)
	if err != nil {
		return ladder.RankedProfile{}, err
	}
	p.Tier = t
	if division.Valid && t != ladder.Champion {
		d, err := ladder.ParseDivision(division.String)
		if err != nil {
			return ladder.RankedProfile{}, err
		}
		p.Division = ladder.Div(d)
	}
	if rating.Valid {
		p.HiddenRating = &rating.Float64
	}
	if p.UpdatedAt, err = model.ParseFinishTime(updated); err != nil {
		return ladder.RankedProfile{}, err
	}
	return p, nil
}

// GetRanked returns the ranked profile, or ErrNotFound for runners who
// never raced ranked.
func (r *Repository) GetRanked(ctx context.Context, userID model.UserID) (ladder.RankedProfile, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+rankedColumns+" FROM ranked_profiles WHERE user_id = ?", string(userID))
	p, err := scanRanked(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ladder.RankedProfile{}, fmt.Errorf("ranked profile %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return ladder.RankedProfile{}, fmt.Errorf("get ranked profile %s: %w", userID, err)
	}
	return p, nil
}

// PutRanked inserts or replaces a ranked profile.
func (r *Repository) PutRanked(ctx context.Context, p ladder.RankedProfile) error {
	var division, rating any
	if p.Division != nil && p.Tier != ladder.Champion {
		division = p.Division.String()
	}
	if p.HiddenRating != nil {
		rating = *p.HiddenRating
	}
	updated := r.stamp()
	if !p.UpdatedAt.IsZero() {
		updated = model.FormatFinishTime(p.UpdatedAt)
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ranked_profiles (user_id, tier, division, league_points, hidden_rating, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			tier = excluded.tier,
			division = excluded.division,
			league_points = excluded.league_points,
			hidden_rating = excluded.hidden_rating,
			updated_at = excluded.updated_at`,
		string(p.UserID), p.Tier.String(), division, p.LeaguePoints, rating, updated)
	if err != nil {
		return fmt.Errorf("put ranked profile %s: %w", p.UserID, err)
	}
	return nil
}

// ListRankedByTiers returns up to limit profiles from the given tiers,
// highest ladder step first.
func (r *Repository) ListRankedByTiers(ctx context.Context, tiers []ladder.Tier, limit int) ([]ladder.RankedProfile, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidLimit, limit)
	}
	if len(tiers) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(tiers))
	for _, t := range tiers {
		args = append(args, t.String())
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(tiers)), ",")
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+rankedColumns+" FROM ranked_profiles WHERE tier IN ("+marks+")", args...)
	if err != nil {
		return nil, fmt.Errorf("list ranked profiles: %w", err)
	}
	defer rows.Close()

	var out []ladder.RankedProfile
	for rows.Next() {
		p, err := scanRanked(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ranked profile: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.SortFunc(out, func(a, b ladder.RankedProfile) int {
		if a.Step() != b.Step() {
			return b.Step() - a.Step()
		}
		if a.LeaguePoints != b.LeaguePoints {
			return b.LeaguePoints - a.LeaguePoints
		}
		return strings.Compare(string(a.UserID), string(b.UserID))
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats counts stored rows.
func (r *Repository) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM races),
			(SELECT COUNT(*) FROM participants),
			(SELECT COUNT(*) FROM participants WHERE finish_time IS NOT NULL),
			(SELECT COUNT(*) FROM ranked_profiles)`).
		Scan(&s.Races, &s.Participants, &s.Finished, &s.Ranked)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return s, nil
}

// RankedProfiles exposes the ranked table through the Get/Put shape the
// race session expects.
func (r *Repository) RankedProfiles() RankedProfiles {
	return RankedProfiles{repo: r}
}

// RankedProfiles adapts a Repository to a ranked profile store.
type RankedProfiles struct {
	repo *Repository
}

// Get returns the ranked profile of userID.
func (p RankedProfiles) Get(ctx context.Context, userID model.UserID) (ladder.RankedProfile, error) {
	return p.repo.GetRanked(ctx, userID)
}

// Put stores profile.
func (p RankedProfiles) Put(ctx context.Context, profile ladder.RankedProfile) error {
	return p.repo.PutRanked(ctx, profile)
}
