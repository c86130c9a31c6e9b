// README: Handler tests over the full router with in-memory services.
package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "ridepool/internal/http"
	"ridepool/internal/infra"
	"ridepool/internal/modules/driver"
	"ridepool/internal/modules/pricing"
	"ridepool/internal/modules/ride"
	"ridepool/internal/modules/share"
	"ridepool/internal/modules/wallet"
	"ridepool/internal/notify"
)

// stubTokenVerifier maps bearer tokens to identities.
type stubTokenVerifier struct {
	tokens map[string]*infra.Caller
}

func (s *stubTokenVerifier) VerifyIDToken(_ context.Context, raw string) (*infra.Caller, error) {
	if tok, ok := s.tokens[raw]; ok {
		return tok, nil
	}
	return nil, errors.New("bad token")
}

func identity(uid, role string) *infra.Caller {
	return &infra.Caller{UID: uid, Role: role}
}

type testEnv struct {
	router  *gin.Engine
	rides   *ride.Service
	drivers *driver.Service
	wallets *wallet.Service
}

func newEnv(t *testing.T, verifier infra.TokenVerifier) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	drivers := driver.NewService(driver.NewMemoryStore(), nil, driver.Config{RadiusKm: 5}, nil)
	wallets := wallet.NewService(wallet.NewMemoryStore(), wallet.Config{Currency: "TWD", PlatformOwner: "platform"}, nil)
	events := notify.NewRecorder()
	rides := ride.NewService(ride.Deps{
		Store:   ride.NewMemoryStore(),
		Drivers: drivers,
		Ledger:  wallets,
		Emitter: events,
		Fares:   pricing.DefaultConfig(),
	})
	coord := share.NewCoordinator(share.NewMemoryStore(), rides, events, share.DefaultConfig(), nil)
	rides.SetPooler(coord)

	router := api.NewRouter(api.RouterDeps{
		Rides:    rides,
		Drivers:  drivers,
		Wallets:  wallets,
		Shares:   coord,
		Verifier: verifier,
	})
	return &testEnv{router: router, rides: rides, drivers: drivers, wallets: wallets}
}

func doRequest(r *gin.Engine, method, path string, body interface{}, authHeader string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func rideBody(riderID string, fare int64, mode string) map[string]any {
	return map[string]any{
		"rider_id": riderID,
		"pickup":   map[string]any{"lat": 25.0330, "lng": 121.5654},
		"dropoff":  map[string]any{"lat": 25.0478, "lng": 121.5318},
		"fare":     fare,
		"mode":     mode,
	}
}

func (e *testEnv) onlineDriver(t *testing.T, id string) {
	t.Helper()
	w := doRequest(e.router, http.MethodPost, "/api/drivers", map[string]any{
		"id": id, "name": "Driver " + id,
		"position": map[string]any{"lat": 25.0340, "lng": 121.5650},
	}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = doRequest(e.router, http.MethodPut, "/api/drivers/"+id+"/approval", map[string]any{"approval": "APPROVED"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = doRequest(e.router, http.MethodPut, "/api/drivers/"+id+"/availability", map[string]any{"online": true}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func TestRideLifecycle_OverHTTP(t *testing.T) {
	e := newEnv(t, nil)
	e.onlineDriver(t, "d1")

	w := doRequest(e.router, http.MethodPost, "/api/wallets/r1/credit", map[string]any{"amount": 5000}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(e.router, http.MethodPost, "/api/rides", rideBody("r1", 1000, "PRIVATE"), "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created ride.Ride
	decode(t, w, &created)
	assert.Equal(t, ride.StatusAssigned, created.Status)
	require.NotNil(t, created.DriverID)
	assert.EqualValues(t, "d1", *created.DriverID)

	w = doRequest(e.router, http.MethodGet, "/api/riders/r1/active-ride", nil, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(e.router, http.MethodPost, "/api/rides/"+string(created.ID)+"/start", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(e.router, http.MethodPost, "/api/rides/"+string(created.ID)+"/complete", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var done ride.Ride
	decode(t, w, &done)
	assert.Equal(t, ride.StatusCompleted, done.Status)

	w = doRequest(e.router, http.MethodGet, "/api/wallets/d1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var dw struct {
		Balance   int64 `json:"balance"`
		Available int64 `json:"available"`
	}
	decode(t, w, &dw)
	assert.Equal(t, int64(800), dw.Balance)
	assert.Equal(t, int64(800), dw.Available)

	w = doRequest(e.router, http.MethodGet, "/api/rides/"+string(created.ID)+"/events", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		Events []ride.Event `json:"events"`
	}
	decode(t, w, &hist)
	assert.Len(t, hist.Events, 4)

	w = doRequest(e.router, http.MethodGet, "/api/riders/r1/active-ride", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestErrorMapping(t *testing.T) {
	e := newEnv(t, nil)
	e.onlineDriver(t, "d1")

	w := doRequest(e.router, http.MethodPost, "/api/rides", rideBody("r1", 1000, "PRIVATE"), "")
	require.Equal(t, http.StatusCreated, w.Code)
	var r ride.Ride
	decode(t, w, &r)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown ride", http.MethodGet, "/api/rides/nope", nil, http.StatusNotFound},
		{"zero fare", http.MethodPost, "/api/rides", rideBody("r2", 0, "PRIVATE"), http.StatusBadRequest},
		{"bad mode", http.MethodPost, "/api/rides", rideBody("r2", 500, "LIMO"), http.StatusBadRequest},
		{"second active ride", http.MethodPost, "/api/rides", rideBody("r1", 500, "PRIVATE"), http.StatusConflict},
		{"start without funds", http.MethodPost, "/api/rides/" + string(r.ID) + "/start", nil, http.StatusPaymentRequired},
		{"complete before start", http.MethodPost, "/api/rides/" + string(r.ID) + "/complete", nil, http.StatusConflict},
		{"cancel by stranger", http.MethodPost, "/api/rides/" + string(r.ID) + "/cancel", map[string]any{"caller_id": "r9"}, http.StatusForbidden},
		{"unknown wallet", http.MethodGet, "/api/wallets/ghost", nil, http.StatusNotFound},
		{"negative credit", http.MethodPost, "/api/wallets/r1/credit", map[string]any{"amount": -5}, http.StatusBadRequest},
		{"duplicate driver", http.MethodPost, "/api/drivers", map[string]any{"id": "d1", "name": "again"}, http.StatusConflict},
		{"bad approval", http.MethodPut, "/api/drivers/d1/approval", map[string]any{"approval": "MAYBE"}, http.StatusBadRequest},
		{"bad location", http.MethodPut, "/api/drivers/d1/location", map[string]any{"lat": 123.0, "lng": 0}, http.StatusBadRequest},
		{"unknown share group", http.MethodGet, "/api/share-groups/nope", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doRequest(e.router, tc.method, tc.path, tc.body, "")
			assert.Equal(t, tc.want, w.Code, w.Body.String())
		})
	}
}

func TestCancel_PrivatePreStartIsFree(t *testing.T) {
	e := newEnv(t, nil)

	w := doRequest(e.router, http.MethodPost, "/api/rides", rideBody("r1", 1000, "PRIVATE"), "")
	require.Equal(t, http.StatusCreated, w.Code)
	var r ride.Ride
	decode(t, w, &r)
	assert.Equal(t, ride.StatusRequested, r.Status)

	w = doRequest(e.router, http.MethodPost, "/api/rides/"+string(r.ID)+"/cancel", map[string]any{"caller_id": "r1"}, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res ride.CancelResult
	decode(t, w, &res)
	assert.True(t, res.RideEnded)
	assert.Zero(t, res.PenaltyAmount)
	assert.Equal(t, ride.StatusCancelled, res.Ride.Status)
}

func TestShareGroup_VisibleToParticipants(t *testing.T) {
	e := newEnv(t, nil)

	w := doRequest(e.router, http.MethodPost, "/api/rides", rideBody("r1", 1500, "SHARE"), "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var r ride.Ride
	decode(t, w, &r)
	assert.Equal(t, ride.StatusSearchingShare, r.Status)
	require.NotNil(t, r.ShareGroupID)

	w = doRequest(e.router, http.MethodGet, "/api/share-groups/"+string(*r.ShareGroupID), nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var g share.Group
	decode(t, w, &g)
	assert.Equal(t, share.StatusOpen, g.Status)
	assert.Len(t, g.Participants, 1)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t, nil)
	w := doRequest(e.router, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	doRequest(e.router, http.MethodGet, "/api/rides/nope", nil, "")
	w = doRequest(e.router, http.MethodGet, "/metrics", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "ridepool_http_requests_total"))
}

func authEnv(t *testing.T) *testEnv {
	return newEnv(t, &stubTokenVerifier{tokens: map[string]*infra.Caller{
		"rider":   identity("r1", infra.RoleRider),
		"other":   identity("r2", infra.RoleRider),
		"driverA": identity("dA", infra.RoleDriver),
		"driverB": identity("dB", infra.RoleDriver),
		"admin":   identity("ops", infra.RoleAdmin),
	}})
}

// TestCreate_Unauthenticated verifies that requests without a valid token are rejected.
func TestCreate_Unauthenticated(t *testing.T) {
	e := authEnv(t)
	w := doRequest(e.router, http.MethodPost, "/api/rides", rideBody("r1", 1000, "PRIVATE"), "Bearer badtoken")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(e.router, http.MethodPost, "/api/rides", rideBody("r1", 1000, "PRIVATE"), "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Health stays public.
	w = doRequest(e.router, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestCreate_WrongRiderID verifies that a rider cannot request a ride billed to another user.
func TestCreate_WrongRiderID(t *testing.T) {
	e := authEnv(t)
	w := doRequest(e.router, http.MethodPost, "/api/rides", rideBody("r2", 1000, "PRIVATE"), "Bearer rider")
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Booking for someone else is fine when the caller pays.
	body := rideBody("guest", 1000, "PRIVATE")
	body["booked_by"] = "r1"
	w = doRequest(e.router, http.MethodPost, "/api/rides", body, "Bearer rider")
	assert.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestCreate_DefaultsRiderToCaller(t *testing.T) {
	e := authEnv(t)
	w := doRequest(e.router, http.MethodPost, "/api/rides", rideBody("", 1000, "PRIVATE"), "Bearer rider")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var r ride.Ride
	decode(t, w, &r)
	assert.EqualValues(t, "r1", r.RiderID)

	w = doRequest(e.router, http.MethodGet, "/api/rides/"+string(r.ID), nil, "Bearer other")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doRequest(e.router, http.MethodGet, "/api/rides/"+string(r.ID), nil, "Bearer admin")
	assert.Equal(t, http.StatusOK, w.Code)
}

// TestStart_RequiresAssignedDriver checks role and identity on driver-side transitions.
func TestStart_RequiresAssignedDriver(t *testing.T) {
	e := authEnv(t)
	for _, tok := range []string{"driverA", "driverB"} {
		w := doRequest(e.router, http.MethodPost, "/api/drivers", map[string]any{
			"name": tok, "position": map[string]any{"lat": 25.0340, "lng": 121.5650},
		}, "Bearer "+tok)
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	}
	w := doRequest(e.router, http.MethodPut, "/api/drivers/dA/approval", map[string]any{"approval": "APPROVED"}, "Bearer driverA")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doRequest(e.router, http.MethodPut, "/api/drivers/dA/approval", map[string]any{"approval": "APPROVED"}, "Bearer admin")
	require.Equal(t, http.StatusOK, w.Code)
	w = doRequest(e.router, http.MethodPut, "/api/drivers/dA/availability", map[string]any{"online": true}, "Bearer driverB")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doRequest(e.router, http.MethodPut, "/api/drivers/dA/availability", map[string]any{"online": true}, "Bearer driverA")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(e.router, http.MethodPost, "/api/rides", rideBody("", 1000, "PRIVATE"), "Bearer rider")
	require.Equal(t, http.StatusCreated, w.Code)
	var r ride.Ride
	decode(t, w, &r)
	require.Equal(t, ride.StatusAssigned, r.Status)

	path := "/api/rides/" + string(r.ID) + "/start"
	w = doRequest(e.router, http.MethodPost, path, nil, "Bearer rider")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doRequest(e.router, http.MethodPost, path, nil, "Bearer driverB")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doRequest(e.router, http.MethodPost, "/api/wallets/r1/credit", map[string]any{"amount": 2000}, "Bearer rider")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doRequest(e.router, http.MethodPost, "/api/wallets/r1/credit", map[string]any{"amount": 2000}, "Bearer admin")
	require.Equal(t, http.StatusOK, w.Code)

	w = doRequest(e.router, http.MethodPost, path, nil, "Bearer driverA")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = doRequest(e.router, http.MethodGet, "/api/wallets/r1", nil, "Bearer other")
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doRequest(e.router, http.MethodGet, "/api/wallets/r1", nil, "Bearer rider")
	require.Equal(t, http.StatusOK, w.Code)
	var rw struct {
		Held      int64 `json:"held"`
		Available int64 `json:"available"`
	}
	decode(t, w, &rw)
	assert.Equal(t, int64(1000), rw.Held)
	assert.Equal(t, int64(1000), rw.Available)
}
