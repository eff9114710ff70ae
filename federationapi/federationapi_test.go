package federationapi

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"

	"github.com/matrix-org/fedcore/event"
	"github.com/matrix-org/fedcore/federationapi/api"
	"github.com/matrix-org/fedcore/internal/sqlutil"
	roomserverAPI "github.com/matrix-org/fedcore/roomserver/api"
	"github.com/matrix-org/fedcore/setup/config"
	"github.com/matrix-org/fedcore/setup/process"
	"github.com/matrix-org/fedcore/signing"
	"github.com/matrix-org/fedcore/test"
)

type recordingInputer struct {
	mu      sync.Mutex
	origins []spec.ServerName
}

func (r *recordingInputer) InputTransaction(ctx context.Context, origin spec.ServerName, pdus []json.RawMessage) (map[string]roomserverAPI.ValidationResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.origins = append(r.origins, origin)
	return map[string]roomserverAPI.ValidationResult{}, nil
}

type noRooms struct{}

func (noRooms) Event(ctx context.Context, eventID string) (*event.Event, error) { return nil, nil }
func (noRooms) RoomVersion(ctx context.Context, roomID string) (event.RoomVersion, error) {
	return "", nil
}

type testServer struct {
	name    spec.ServerName
	fedAPI  *FederationInternalAPI
	inputer *recordingInputer
	srv     *httptest.Server
}

// newTestServers starts one federating server per name. Each can reach the
// others through a static resolver.
func newTestServers(t *testing.T, names ...spec.ServerName) map[spec.ServerName]*testServer {
	t.Helper()
	addresses := map[spec.ServerName]string{}
	resolver := api.StaticServerResolver{Servers: addresses}
	servers := map[spec.ServerName]*testServer{}
	for i, name := range names {
		cfg := &config.FedCore{}
		cfg.Defaults(config.DefaultOpts{Generate: true})
		cfg.Global.ServerName = name
		cfg.Global.KeyID = signing.KeyID("ed25519:" + string(name))
		seed := make([]byte, ed25519.SeedSize)
		seed[0] = byte(i + 1)
		cfg.Global.PrivateKey = ed25519.NewKeyFromSeed(seed)
		cfg.FederationAPI.RequestTimeout = 5 * time.Second
		cfg.FederationAPI.MaxRetries = 1
		dbOpts, closeDB := test.PrepareDBConnectionString(t, test.DBTypeSQLite)
		t.Cleanup(closeDB)
		cfg.FederationAPI.Database = dbOpts

		processCtx := process.NewProcessContext()
		t.Cleanup(func() {
			processCtx.ShutdownFedCore()
			processCtx.WaitForComponentsToFinish()
		})
		fedAPI := NewInternalAPI(processCtx, cfg, sqlutil.NewConnectionManager(processCtx), resolver)

		router := mux.NewRouter().SkipClean(true).UseEncodedPath()
		inputer := &recordingInputer{}
		fedAPI.AddPublicRoutes(
			router.PathPrefix("/_matrix/federation").Subrouter(),
			router.PathPrefix("/_matrix/key").Subrouter(),
			inputer, nil, noRooms{}, nil,
		)
		srv := httptest.NewServer(router)
		t.Cleanup(srv.Close)
		addresses[name] = srv.URL
		servers[name] = &testServer{name: name, fedAPI: fedAPI, inputer: inputer, srv: srv}
	}
	return servers
}

func TestTransactionsAreAuthenticatedWithFetchedKeys(t *testing.T) {
	servers := newTestServers(t, "alpha", "beta")
	alpha, beta := servers["alpha"], servers["beta"]

	resp, err := beta.fedAPI.Client.SendTransaction(context.Background(), api.Transaction{
		TransactionID: "t1",
		Origin:        "beta",
		Destination:   "alpha",
		PDUs:          []json.RawMessage{},
	})
	require.NoError(t, err)
	assert.NotNil(t, resp.PDUs)

	alpha.inputer.mu.Lock()
	defer alpha.inputer.mu.Unlock()
	assert.Equal(t, []spec.ServerName{"beta"}, alpha.inputer.origins)
}

func TestKeyRingRemembersFetchedKeys(t *testing.T) {
	servers := newTestServers(t, "alpha", "beta")
	alpha, beta := servers["alpha"], servers["beta"]

	message, err := signing.SignJSON(
		"alpha", alpha.fedAPI.cfg.Matrix.KeyID, alpha.fedAPI.cfg.Matrix.PrivateKey, []byte(`{"hello":"world"}`),
	)
	require.NoError(t, err)
	verify := func() error {
		results, err := beta.fedAPI.KeyRing.VerifyJSONs(context.Background(), []signing.VerifyJSONRequest{{
			ServerName: "alpha",
			AtTS:       spec.AsTimestamp(time.Now()),
			Message:    message,
		}})
		require.NoError(t, err)
		return results[0].Error
	}
	require.NoError(t, verify())

	// alpha is gone, but its key is already known
	alpha.srv.Close()
	assert.NoError(t, verify())
}
