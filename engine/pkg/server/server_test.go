package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/tannatlabs/stakevault/engine/pkg/server"
	"github.com/tannatlabs/stakevault/engine/pkg/stake"
	"github.com/tannatlabs/stakevault/engine/pkg/store/memory"
	"github.com/tannatlabs/stakevault/engine/pkg/tier"
	vaulttesting "github.com/tannatlabs/stakevault/utils/pkg/testing"
)

var testProgramID = solana.MustPublicKeyFromBase58("Stake11111111111111111111111111111111111111")

type fixture struct {
	srv    *httptest.Server
	engine *stake.Engine
	clock  *clockwork.FakeClock
	owner  solana.PublicKey
}

func newFixture(t *testing.T, ready server.Readiness) *fixture {
	t.Helper()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC))
	tiers := tier.DefaultCatalog()

	engine, err := stake.New(context.Background(), stake.Config{
		Logger:    vaulttesting.NewLogger(),
		Clock:     clock,
		Store:     memory.New(),
		Tiers:     tiers,
		Params:    stake.DefaultParams(),
		ProgramID: testProgramID,
	})
	require.NoError(t, err)

	s, err := server.New(server.Config{
		Logger:     vaulttesting.NewLogger(),
		ListenAddr: "127.0.0.1:0",
		Engine:     engine,
		Tiers:      tiers,
		Ready:      ready,
		VersionInfo: server.VersionInfo{
			Version: "test",
		},
	})
	require.NoError(t, err)

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &fixture{
		srv:    srv,
		engine: engine,
		clock:  clock,
		owner:  solana.NewWallet().PublicKey(),
	}
}

func get(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestVault_Server_Health(t *testing.T) {
	t.Parallel()

	ready := false
	f := newFixture(t, func() bool { return ready })

	require.Equal(t, http.StatusOK, get(t, f.srv.URL+"/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, get(t, f.srv.URL+"/readyz", nil))

	ready = true
	require.Equal(t, http.StatusOK, get(t, f.srv.URL+"/readyz", nil))

	var version struct {
		Version string `json:"version"`
	}
	require.Equal(t, http.StatusOK, get(t, f.srv.URL+"/version", &version))
	require.Equal(t, "test", version.Version)

	require.Equal(t, http.StatusOK, get(t, f.srv.URL+"/metrics", nil))
}

func TestVault_Server_Global(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	_, err := f.engine.Open(context.Background(), f.owner, 1_000_000_000, 6, 1, "s1")
	require.NoError(t, err)

	var global struct {
		TotalStaked       uint64 `json:"total_staked"`
		TotalStakingPower uint64 `json:"total_staking_power"`
		Paused            bool   `json:"paused"`
	}
	require.Equal(t, http.StatusOK, get(t, f.srv.URL+"/v1/global", &global))
	require.Equal(t, uint64(1_000_000_000), global.TotalStaked)
	require.Equal(t, uint64(1_500_000_000), global.TotalStakingPower)
	require.False(t, global.Paused)
}

func TestVault_Server_Tiers(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	var tiers []struct {
		ID            uint32 `json:"id"`
		PenaltyRateBp uint64 `json:"penalty_rate_bp"`
	}
	require.Equal(t, http.StatusOK, get(t, f.srv.URL+"/v1/tiers", &tiers))
	require.Len(t, tiers, 3)
	require.Equal(t, uint32(1), tiers[0].ID)
	require.Equal(t, uint64(500), tiers[0].PenaltyRateBp)
}

func TestVault_Server_Positions(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.engine.Open(ctx, f.owner, 1_000_000_000, 6, 1, "s1")
	require.NoError(t, err)

	var positions []struct {
		Seed         string `json:"seed"`
		StakingPower uint64 `json:"staking_power"`
		Active       bool   `json:"active"`
	}
	require.Equal(t, http.StatusOK, get(t, f.srv.URL+"/v1/positions/"+f.owner.String(), &positions))
	require.Len(t, positions, 1)
	require.Equal(t, "s1", positions[0].Seed)
	require.Equal(t, uint64(1_500_000_000), positions[0].StakingPower)
	require.True(t, positions[0].Active)

	var position struct {
		Seed string `json:"seed"`
	}
	require.Equal(t, http.StatusOK, get(t, f.srv.URL+"/v1/positions/"+f.owner.String()+"/s1", &position))
	require.Equal(t, "s1", position.Seed)

	require.Equal(t, http.StatusNotFound, get(t, f.srv.URL+"/v1/positions/"+f.owner.String()+"/missing", nil))
	require.Equal(t, http.StatusBadRequest, get(t, f.srv.URL+"/v1/positions/not-a-key", nil))
}

func TestVault_Server_Receipts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil)

	var receipts []struct {
		NFTSeed string `json:"nft_seed"`
	}
	require.Equal(t, http.StatusOK, get(t, f.srv.URL+"/v1/receipts/"+f.owner.String(), &receipts))
	require.Empty(t, receipts)

	require.Equal(t, http.StatusOK, get(t, f.srv.URL+"/v1/submissions/failed", nil))
}
