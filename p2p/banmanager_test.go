package p2p

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"chainnet/storage"
)

func newTestBanManager(t *testing.T, db storage.Database) (*BanManager, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(1_700_000_000, 0))
	book := NewAddressBook(db, 200*time.Millisecond, testLogger())
	return NewBanManager(book, clk, testLogger()), clk
}

func TestBanExpiresAfterDuration(t *testing.T) {
	bm, clk := newTestBanManager(t, nil)
	id := testID(1)
	_, err := bm.Ban(IDTarget(id), time.Minute, BanReasonScore)
	require.NoError(t, err)

	clk.Add(59 * time.Second)
	require.True(t, bm.IsBannedID(id), "ban should hold before expiry")
	clk.Add(2 * time.Second)
	require.False(t, bm.IsBannedID(id), "ban should lapse after expiry")

	expired := bm.Sweep()
	require.Len(t, expired, 1)
	require.Equal(t, IDTarget(id), expired[0].Target)
	require.Empty(t, bm.List())
}

func TestBanExtensionKeepsLaterExpiry(t *testing.T) {
	bm, clk := newTestBanManager(t, nil)
	target := IDTarget(testID(2))
	first, err := bm.Ban(target, time.Hour, BanReasonOperator)
	require.NoError(t, err)

	second, err := bm.Ban(target, time.Minute, BanReasonScore)
	require.NoError(t, err)
	require.True(t, second.Expiry.Equal(first.Expiry), "shorter ban must not shorten an existing one")

	clk.Add(30 * time.Minute)
	third, err := bm.Ban(target, time.Hour, BanReasonRepeatedViolation)
	require.NoError(t, err)
	require.True(t, third.Expiry.After(first.Expiry))
	require.Len(t, bm.List(), 1)
}

func TestBanRejectsNonPositiveDuration(t *testing.T) {
	bm, _ := newTestBanManager(t, nil)
	_, err := bm.Ban(IDTarget(testID(3)), 0, BanReasonOperator)
	require.Error(t, err)
	require.False(t, bm.IsBannedID(testID(3)))
}

func TestBanAddressMatchesHost(t *testing.T) {
	bm, _ := newTestBanManager(t, nil)
	_, err := bm.Ban(AddrTarget("203.0.113.7"), time.Hour, BanReasonOperator)
	require.NoError(t, err)
	_, err = bm.Ban(AddrTarget("198.51.100.1:30303"), time.Hour, BanReasonOperator)
	require.NoError(t, err)

	require.True(t, bm.IsBannedAddr("203.0.113.7:30303"))
	require.True(t, bm.IsBannedAddr("203.0.113.7:9000"))
	require.True(t, bm.IsBannedAddr("198.51.100.1:30303"))
	require.False(t, bm.IsBannedAddr("198.51.100.1:30304"))
	require.True(t, bm.IsBannedPeer(testID(9), "203.0.113.7:1"))
	require.False(t, bm.IsBannedPeer(testID(9), "192.0.2.1:1"))
}

func TestUnbanReportsActiveBan(t *testing.T) {
	bm, clk := newTestBanManager(t, nil)
	target := IDTarget(testID(4))
	_, err := bm.Ban(target, time.Minute, BanReasonOperator)
	require.NoError(t, err)
	removed, err := bm.Unban(target)
	require.NoError(t, err)
	require.True(t, removed)
	require.False(t, bm.IsBanned(target))

	_, err = bm.Ban(target, time.Minute, BanReasonOperator)
	require.NoError(t, err)
	clk.Add(2 * time.Minute)
	removed, err = bm.Unban(target)
	require.NoError(t, err)
	require.False(t, removed, "expired ban should not count as removed")
}

func TestBansSurviveReload(t *testing.T) {
	db := storage.NewMemDB()
	bm, clk := newTestBanManager(t, db)
	_, err := bm.Ban(IDTarget(testID(5)), time.Hour, BanReasonOperator)
	require.NoError(t, err)
	_, err = bm.Ban(AddrTarget("203.0.113.9"), time.Second, BanReasonOperator)
	require.NoError(t, err)

	reloaded, reloadClk := newTestBanManager(t, db)
	reloadClk.Set(clk.Now().Add(time.Minute))
	require.NoError(t, reloaded.Load())
	require.True(t, reloaded.IsBannedID(testID(5)))
	require.False(t, reloaded.IsBannedAddr("203.0.113.9:1"))
	require.Len(t, reloaded.List(), 1)
	require.Contains(t, reloaded.BannedIDs(), testID(5))
}

func TestParseBanTargetNormalises(t *testing.T) {
	cases := map[string]BanTarget{
		"addr:Seed-1.Example.ORG": AddrTarget("seed-1.example.org"),
		" ADDR:10.0.0.5:30303 ":   AddrTarget("10.0.0.5:30303"),
		"id:ABC":                  IDTarget("0xabc"),
		"id:0x00000000000000AB":   IDTarget("0x00000000000000ab"),
	}
	for raw, want := range cases {
		got, err := ParseBanTarget(raw)
		require.NoError(t, err, raw)
		require.Equal(t, want, got, raw)
	}
	for _, raw := range []string{"", "10.0.0.5", "addr:", "id:", "peer:0xabc"} {
		_, err := ParseBanTarget(raw)
		require.ErrorIs(t, err, ErrInvalidAddress, raw)
	}
}

func TestAddressBanSurvivesOperatorCasing(t *testing.T) {
	bm, _ := newTestBanManager(t, nil)
	_, err := bm.Ban(AddrTarget("Node-7.Example.org"), time.Hour, BanReasonOperator)
	require.NoError(t, err)
	target, err := ParseBanTarget("addr:NODE-7.example.ORG")
	require.NoError(t, err)
	removed, err := bm.Unban(target)
	require.NoError(t, err)
	require.True(t, removed)
	require.Empty(t, bm.List())
}
