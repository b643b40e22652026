package matchmaking_test

import (
	"testing"

	"github.com/okian/racetrack/internal/domain/ladder"
	"github.com/okian/racetrack/internal/domain/matchmaking"
	. "github.com/smartystreets/goconvey/convey"
)

func TestCanMatch(t *testing.T) {
	Convey("Given two tiers", t, func() {
		So(matchmaking.CanMatch(ladder.Gold, ladder.Gold, matchmaking.DefaultSpread), ShouldBeTrue)
		So(matchmaking.CanMatch(ladder.Gold, ladder.Platinum, matchmaking.DefaultSpread), ShouldBeTrue)
		So(matchmaking.CanMatch(ladder.Platinum, ladder.Gold, matchmaking.DefaultSpread), ShouldBeTrue)
		So(matchmaking.CanMatch(ladder.Bronze, ladder.Gold, matchmaking.DefaultSpread), ShouldBeFalse)
		So(matchmaking.CanMatch(ladder.Bronze, ladder.Gold, 2), ShouldBeTrue)
		So(matchmaking.CanMatch(ladder.Silver, ladder.Gold, 0), ShouldBeFalse)
	})
}

func TestTierRange(t *testing.T) {
	Convey("Given a tier and spread", t, func() {
		Convey("When the range fits inside the ladder", func() {
			So(matchmaking.TierRange(ladder.Gold, 1), ShouldResemble, []ladder.Tier{ladder.Silver, ladder.Gold, ladder.Platinum})
		})

		Convey("When the range runs off the bottom", func() {
			So(matchmaking.TierRange(ladder.Bronze, 2), ShouldResemble, []ladder.Tier{ladder.Bronze, ladder.Silver, ladder.Gold})
		})

		Convey("When the range runs off the top", func() {
			So(matchmaking.TierRange(ladder.Champion, 1), ShouldResemble, []ladder.Tier{ladder.Diamond, ladder.Champion})
		})

		Convey("When the spread is zero or negative", func() {
			So(matchmaking.TierRange(ladder.Diamond, 0), ShouldResemble, []ladder.Tier{ladder.Diamond})
			So(matchmaking.TierRange(ladder.Diamond, -3), ShouldResemble, []ladder.Tier{ladder.Diamond})
		})

		Convey("When the spread covers everything", func() {
			So(matchmaking.TierRange(ladder.Gold, 10), ShouldResemble, ladder.Tiers())
		})
	})
}

func TestCompatible(t *testing.T) {
	Convey("Given a player and a pool of candidates", t, func() {
		me := ladder.RankedProfile{UserID: "me", Tier: ladder.Gold}
		pool := []ladder.RankedProfile{
			{UserID: "me", Tier: ladder.Gold},
			{UserID: "a", Tier: ladder.Silver},
			{UserID: "b", Tier: ladder.Diamond},
			{UserID: "c", Tier: ladder.Platinum},
		}

		got := matchmaking.Compatible(me, pool, 1)

		Convey("Then only tiers within the spread should remain, excluding self", func() {
			So(len(got), ShouldEqual, 2)
			So(string(got[0].UserID), ShouldEqual, "a")
			So(string(got[1].UserID), ShouldEqual, "c")
		})
	})
}
