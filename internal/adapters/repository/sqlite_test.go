package repository_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okian/racetrack/internal/adapters/repository"
	"github.com/okian/racetrack/internal/domain/ladder"
	"github.com/okian/racetrack/internal/domain/model"
)

var base = time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func openRepo(t *testing.T) (*repository.Repository, *clock) {
	t.Helper()
	c := &clock{t: base}
	repo, err := repository.Open(":memory:", repository.WithClock(c.now))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo, c
}

func seedRace(t *testing.T, repo *repository.Repository, id model.RaceID) {
	t.Helper()
	require.NoError(t, repo.CreateRace(context.Background(), model.Race{
		ID: id, Name: "Evening 5k", DistanceMeters: 5000, Unit: "km", Ranked: true,
	}))
}

func TestOpen_Idempotent(t *testing.T) {
	path := t.TempDir() + "/race.db"
	repo, err := repository.Open(path)
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	repo, err = repository.Open(path)
	require.NoError(t, err)
	require.NoError(t, repo.Close())
}

func TestRaceLifecycle(t *testing.T) {
	ctx := context.Background()
	repo, _ := openRepo(t)
	seedRace(t, repo, "r1")

	race, err := repo.GetRace(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Evening 5k", race.Name)
	assert.Equal(t, 5000.0, race.DistanceMeters)
	assert.True(t, race.Ranked)
	assert.Equal(t, base, race.CreatedAt)
	assert.Nil(t, race.StartedAt)

	_, err = repo.GetRaceStartTime(ctx, "r1")
	require.ErrorIs(t, err, repository.ErrNotStarted)

	started, err := repo.StartRace(ctx, "r1", base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, base.Add(time.Minute), started)

	again, err := repo.StartRace(ctx, "r1", base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, started, again, "the first start wins")

	err = repo.CreateRace(ctx, model.Race{ID: "r1", DistanceMeters: 100})
	require.ErrorIs(t, err, repository.ErrRaceExists)

	err = repo.CreateRace(ctx, model.Race{ID: "r2"})
	require.ErrorIs(t, err, repository.ErrInvalidRace)

	_, err = repo.GetRace(ctx, "missing")
	require.ErrorIs(t, err, model.ErrNotFound)
}

func TestListRaces(t *testing.T) {
	ctx := context.Background()
	repo, c := openRepo(t)
	seedRace(t, repo, "old")
	c.t = base.Add(time.Hour)
	seedRace(t, repo, "new")

	races, err := repo.ListRaces(ctx, 10)
	require.NoError(t, err)
	require.Len(t, races, 2)
	assert.Equal(t, model.RaceID("new"), races[0].ID)

	_, err = repo.ListRaces(ctx, 0)
	require.ErrorIs(t, err, repository.ErrInvalidLimit)
}

func TestParticipants(t *testing.T) {
	ctx := context.Background()
	repo, c := openRepo(t)
	seedRace(t, repo, "r1")

	require.NoError(t, repo.JoinRace(ctx, "r1", "alice"))
	require.NoError(t, repo.JoinRace(ctx, "r1", "bob"))
	require.ErrorIs(t, repo.JoinRace(ctx, "nope", "alice"), model.ErrNotFound)

	require.NoError(t, repo.ReportProgress(ctx, "r1", "alice", 1200, 5.5))
	require.NoError(t, repo.ReportProgress(ctx, "r1", "alice", 900, 0))

	c.t = base.Add(25 * time.Minute)
	require.NoError(t, repo.MarkFinished(ctx, "r1", "alice", 5000, 5.0, 1))
	c.t = base.Add(30 * time.Minute)
	require.NoError(t, repo.MarkFinished(ctx, "r1", "alice", 5000, 6.0, 2))
	require.NoError(t, repo.MarkDisconnected(ctx, "r1", "alice"))
	require.NoError(t, repo.MarkDisconnected(ctx, "r1", "bob"))
	require.ErrorIs(t, repo.MarkDisconnected(ctx, "r1", "carol"), model.ErrNotFound)

	rows, err := repo.ListParticipants(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	alice := rows[0]
	assert.Equal(t, model.UserID("alice"), alice.UserID)
	assert.Equal(t, 5000.0, alice.DistanceMeters)
	require.NotNil(t, alice.FinishTime)
	finish, err := model.ParseFinishTime(*alice.FinishTime)
	require.NoError(t, err)
	assert.Equal(t, base.Add(25*time.Minute), finish, "only the first finish is kept")
	require.NotNil(t, alice.AveragePace)
	assert.Equal(t, 5.0, *alice.AveragePace)
	require.NotNil(t, alice.Place)
	assert.Equal(t, 1, *alice.Place)
	assert.False(t, alice.Disconnected)

	bob := rows[1]
	assert.Nil(t, bob.FinishTime)
	assert.True(t, bob.Disconnected)

	require.NoError(t, repo.JoinRace(ctx, "r1", "bob"))
	rows, err = repo.ListParticipants(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, rows[1].Disconnected, "rejoining clears the flag")
}

func TestReportProgressKeepsMaxDistance(t *testing.T) {
	ctx := context.Background()
	repo, _ := openRepo(t)
	seedRace(t, repo, "r1")

	require.NoError(t, repo.ReportProgress(ctx, "r1", "alice", 1500, 4.8))
	require.NoError(t, repo.ReportProgress(ctx, "r1", "alice", 1000, 0))

	rows, err := repo.ListParticipants(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 1500.0, rows[0].DistanceMeters)
	require.NotNil(t, rows[0].AveragePace)
	assert.Equal(t, 4.8, *rows[0].AveragePace)
}

func TestProfiles(t *testing.T) {
	ctx := context.Background()
	repo, _ := openRepo(t)

	_, err := repo.GetProfile(ctx, "alice")
	require.ErrorIs(t, err, model.ErrNotFound)

	meta := model.Metadata{DisplayName: "Alice", SpriteURL: "https://cdn/alice.png", CountryCode: "NZ"}
	require.NoError(t, repo.PutProfile(ctx, "alice", meta))
	got, err := repo.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	meta.DisplayName = "Alice R."
	require.NoError(t, repo.PutProfile(ctx, "alice", meta))
	got, err = repo.GetProfile(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice R.", got.DisplayName)
}

func TestRankedProfiles(t *testing.T) {
	ctx := context.Background()
	repo, _ := openRepo(t)
	store := repo.RankedProfiles()

	_, err := store.Get(ctx, "alice")
	require.ErrorIs(t, err, model.ErrNotFound)

	rating := 1510.5
	profiles := []ladder.RankedProfile{
		{UserID: "alice", Tier: ladder.Gold, Division: ladder.Div(ladder.DivisionI), LeaguePoints: 95, HiddenRating: &rating, UpdatedAt: base},
		{UserID: "bob", Tier: ladder.Gold, Division: ladder.Div(ladder.DivisionIII), LeaguePoints: 40, UpdatedAt: base},
		{UserID: "carl", Tier: ladder.Champion, LeaguePoints: 12, UpdatedAt: base},
		{UserID: "dana", Tier: ladder.Silver, Division: ladder.Div(ladder.DivisionII), LeaguePoints: 70, UpdatedAt: base},
	}
	for _, p := range profiles {
		require.NoError(t, store.Put(ctx, p))
	}

	got, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, profiles[0], got)

	champ, err := repo.GetRanked(ctx, "carl")
	require.NoError(t, err)
	assert.Nil(t, champ.Division)
	assert.Equal(t, "Champion", champ.Label())

	list, err := repo.ListRankedByTiers(ctx, []ladder.Tier{ladder.Silver, ladder.Gold}, 10)
	require.NoError(t, err)
	ids := make([]model.UserID, 0, len(list))
	for _, p := range list {
		ids = append(ids, p.UserID)
	}
	assert.Equal(t, []model.UserID{"alice", "bob", "dana"}, ids)

	list, err = repo.ListRankedByTiers(ctx, []ladder.Tier{ladder.Silver, ladder.Gold}, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Ranked)
}
