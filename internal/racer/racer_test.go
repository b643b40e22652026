package racer_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tormoder/fit"

	"github.com/okian/racetrack/internal/adapters/broadcast/memory"
	"github.com/okian/racetrack/internal/adapters/repository"
	"github.com/okian/racetrack/internal/domain/ladder"
	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/domain/pace"
	"github.com/okian/racetrack/internal/race/reconciler"
	"github.com/okian/racetrack/internal/race/session"
	"github.com/okian/racetrack/internal/racer"
	"github.com/okian/racetrack/pkg/logger"
)

func TestRender_Golden(t *testing.T) {
	board := racer.Board{
		Race:     model.Race{ID: "r1", Name: "Harbour 5k", DistanceMeters: 5000, Ranked: true},
		Unit:     pace.Kilometer,
		PostRace: true,
		Runners: []model.RunnerView{
			{Identity: model.Remote("bob"), Metadata: model.Metadata{DisplayName: "Bob"}, DistanceMeters: 5000,
				PaceMinutesPerUnit: 4, Finished: true, FinishTime: 20 * time.Minute},
			{Identity: model.Local("alice"), Metadata: model.Metadata{DisplayName: "Alice"}, DistanceMeters: 5000,
				PaceMinutesPerUnit: 4.5, Finished: true, FinishTime: 22*time.Minute + 30*time.Second, Provisional: true},
			{Identity: model.Remote("carol"), DistanceMeters: 3210.5, PaceMinutesPerUnit: 5.5},
			{Identity: model.Remote("dave"), Metadata: model.Metadata{DisplayName: "A very long display name indeed"}},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, racer.Render(&buf, board))

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "leaderboard", buf.Bytes())
}

func TestRenderOutcome(t *testing.T) {
	prev := ladder.RankedProfile{UserID: "alice", Tier: ladder.Bronze, Division: ladder.Div(ladder.DivisionIV), LeaguePoints: 90}
	next := ladder.RankedProfile{UserID: "alice", Tier: ladder.Bronze, Division: ladder.Div(ladder.DivisionIII), LeaguePoints: 2}

	var buf bytes.Buffer
	require.NoError(t, racer.RenderOutcome(&buf, session.FinishOutcome{
		Place: 2, FieldSize: 4, Elapsed: 22*time.Minute + 30*time.Second, Delta: 12, Previous: &prev, Profile: &next,
	}))
	assert.Equal(t, "finished 2nd of 4 in 22:30\nrank Bronze IV -> Bronze III (+12 LP)\n", buf.String())

	buf.Reset()
	require.NoError(t, racer.RenderOutcome(&buf, session.FinishOutcome{
		Place: 11, FieldSize: 12, Elapsed: time.Hour + 2*time.Second, Err: errors.New("store down"),
	}))
	assert.Equal(t, "finished 11th of 12 in 1:00:02\nwarning: result may not be saved: store down\n", buf.String())
}

func TestFormatEvent(t *testing.T) {
	cases := []struct {
		ev   reconciler.Event
		want string
	}{
		{reconciler.Event{Kind: reconciler.LocalFinished, FinishTime: 90 * time.Second}, "you finished in 1:30"},
		{reconciler.Event{Kind: reconciler.RemoteFinished, Authoritative: true, FinishTime: time.Minute}, "Bob finished in 1:00"},
		{reconciler.Event{Kind: reconciler.RemoteFinished}, ""},
		{reconciler.Event{Kind: reconciler.Departed}, "Bob left the race"},
		{reconciler.Event{Kind: reconciler.Overtake, Gap: 2}, "you passed Bob"},
		{reconciler.Event{Kind: reconciler.Overtake, Gap: -2}, "Bob passed you"},
		{reconciler.Event{Kind: reconciler.Evicted}, ""},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, racer.FormatEvent(tc.ev, "Bob"), tc.ev.Kind.String())
	}
}

func buildFIT(t *testing.T, start time.Time, speeds ...uint32) []byte {
	t.Helper()
	file, err := fit.NewFile(fit.FileTypeActivity, fit.NewHeader(fit.V20, true))
	require.NoError(t, err)
	activity, err := file.Activity()
	require.NoError(t, err)
	for i, s := range speeds {
		rec := fit.NewRecordMsg()
		rec.Timestamp = start.Add(time.Duration(i) * 10 * time.Second)
		rec.EnhancedSpeed = s
		activity.Records = append(activity.Records, rec)
	}
	var buf bytes.Buffer
	require.NoError(t, fit.Encode(&buf, file, binary.LittleEndian))
	return buf.Bytes()
}

func TestReplay(t *testing.T) {
	start := time.Date(2026, 2, 26, 23, 0, 0, 0, time.UTC)
	replay, err := racer.DecodeFIT(bytes.NewReader(buildFIT(t, start, 3500, 4000, 2500)))
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, replay.Duration())

	now := time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC)
	assert.InDelta(t, 3.5, replay.Speed(now), 1e-9)
	assert.InDelta(t, 3.5, replay.Speed(now.Add(9*time.Second)), 1e-9)
	assert.InDelta(t, 4.0, replay.Speed(now.Add(10*time.Second)), 1e-9)
	assert.InDelta(t, 2.5, replay.Speed(now.Add(20*time.Second)), 1e-9)
	assert.Zero(t, replay.Speed(now.Add(21*time.Second)))
}

func TestReplay_Errors(t *testing.T) {
	_, err := racer.DecodeFIT(bytes.NewReader([]byte("not a fit file")))
	require.Error(t, err)

	start := time.Date(2026, 2, 26, 23, 0, 0, 0, time.UTC)
	file, err := fit.NewFile(fit.FileTypeActivity, fit.NewHeader(fit.V20, true))
	require.NoError(t, err)
	activity, err := file.Activity()
	require.NoError(t, err)
	rec := fit.NewRecordMsg()
	rec.Timestamp = start
	activity.Records = append(activity.Records, rec)
	var buf bytes.Buffer
	require.NoError(t, fit.Encode(&buf, file, binary.LittleEndian))

	_, err = racer.DecodeFIT(&buf)
	require.ErrorIs(t, err, racer.ErrNoSpeedSamples)

	_, err = racer.LoadFIT("testdata/missing.fit")
	require.Error(t, err)
}

func TestRacer_Run(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	repo, err := repository.Open(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	now := time.Now()
	require.NoError(t, repo.CreateRace(ctx, model.Race{ID: "r1", Name: "Sprint", DistanceMeters: 20, Unit: "km", Ranked: true, CreatedAt: now}))
	_, err = repo.StartRace(ctx, "r1", now)
	require.NoError(t, err)
	require.NoError(t, repo.PutProfile(ctx, "alice", model.Metadata{DisplayName: "Alice"}))

	bus := memory.NewBus()
	defer bus.Close()

	var out bytes.Buffer
	r := racer.New(repo, bus.Channel("r1"), repo.RankedProfiles(), session.ConstantSpeed(100), &out,
		racer.WithLinger(0),
		racer.WithRenderInterval(10*time.Millisecond),
		racer.WithLogger(logger.NewNop()),
		racer.WithSessionOptions(
			session.WithTickInterval(5*time.Millisecond),
			session.WithPollInterval(20*time.Millisecond),
			session.WithPublishInterval(10*time.Millisecond),
		),
	)

	outcome, err := r.Run(ctx, "r1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, outcome.Place)
	assert.Equal(t, 1, outcome.FieldSize)
	require.NotNil(t, outcome.Profile)
	assert.Equal(t, ladder.Bronze, outcome.Profile.Tier)
	assert.Contains(t, out.String(), "finished 1st of 1")

	rows, err := repo.ListParticipants(ctx, "r1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.NotNil(t, rows[0].FinishTime)

	_, err = repo.GetRanked(ctx, "alice")
	require.NoError(t, err)
}

func TestRacer_LeaveBeforeFinish(t *testing.T) {
	repo, err := repository.Open(":memory:")
	require.NoError(t, err)
	defer repo.Close()

	ctx := context.Background()
	require.NoError(t, repo.CreateRace(ctx, model.Race{ID: "r1", DistanceMeters: 10000, Unit: "km", CreatedAt: time.Now()}))

	r := racer.New(repo, nil, nil, session.ConstantSpeed(1), nil,
		racer.WithLogger(logger.NewNop()),
		racer.WithSessionOptions(session.WithTickInterval(5*time.Millisecond)),
	)
	runCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = r.Run(runCtx, "r1", "alice")
	require.ErrorIs(t, err, racer.ErrLeft)

	_, err = r.Run(ctx, "missing", "alice")
	require.ErrorIs(t, err, model.ErrNotFound)
}
