package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/poller"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

var secret = []byte("test-secret")

type harness struct {
	t   *testing.T
	api *Server
	srv *httptest.Server
	reg *registry.Index
}

func newHarness(t *testing.T, checks map[string]Check) *harness {
	t.Helper()
	return newHarnessLoggingTo(t, checks, io.Discard)
}

func newHarnessLoggingTo(t *testing.T, checks map[string]Check, w io.Writer) *harness {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(w, nil))
	store := storage.NewMemoryStore()
	reg := registry.NewIndex()
	gate := otp.NewGate(store, otp.DefaultMaxAttempts)
	s := NewServer(Options{
		Matcher:      &matcher.Service{Registry: reg, Store: store, Codes: gate, Fares: fare.DefaultRates, Logger: logger},
		Lifecycle:    &ride.Lifecycle{Store: store, Registry: reg, Codes: gate, Logger: logger},
		Sync:         &poller.Synchronizer{Store: store, Registry: reg, Logger: logger},
		Registry:     reg,
		JWTSecret:    secret,
		PollInterval: 3 * time.Second,
		Checks:       checks,
		Logger:       logger,
	})
	srv := httptest.NewServer(s)
	t.Cleanup(srv.Close)
	return &harness{t: t, api: s, srv: srv, reg: reg}
}

func (h *harness) token(who models.Identity) string {
	h.t.Helper()
	tok, err := SignToken(secret, who, time.Hour)
	if err != nil {
		h.t.Fatal(err)
	}
	return tok
}

func (h *harness) do(method, path, token string, body any, out any) *http.Response {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, h.srv.URL+path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			h.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp
}

var (
	asha = models.Identity{ID: "u1", Role: models.RoleRequester, Name: "Asha", Phone: "555-0100"}
	ravi = models.Identity{ID: "d1", Role: models.RoleDriver}
)

func (h *harness) onboard(driverTok string) {
	h.t.Helper()
	roster := map[string]string{"vehicle_class": "bike", "name": "Ravi", "phone": "555-0199", "vehicle_reg": "KA01"}
	if resp := h.do("PUT", "/internal/drivers/d1", "", roster, nil); resp.StatusCode != http.StatusNoContent {
		h.t.Fatalf("roster: %d", resp.StatusCode)
	}
	if resp := h.do("POST", "/api/v1/drivers/me/online", driverTok, nil, nil); resp.StatusCode != http.StatusOK {
		h.t.Fatalf("online: %d", resp.StatusCode)
	}
}

func TestRideFlowOverHTTP(t *testing.T) {
	h := newHarness(t, nil)
	userTok, driverTok := h.token(asha), h.token(ravi)
	h.onboard(driverTok)

	var sum models.RideSummary
	resp := h.do("POST", "/api/v1/rides", userTok, map[string]any{
		"origin": "Station", "destination": "Market", "distance": 5, "vehicle_class": "bike", "payment_method": "cod",
	}, &sum)
	if resp.StatusCode != http.StatusCreated || sum.Fare != 50 || sum.Driver.Name != "Ravi" || len(sum.Code) != 4 {
		t.Fatalf("create: status=%d summary=%+v", resp.StatusCode, sum)
	}

	var dv models.RideView
	resp = h.do("GET", "/api/v1/rides/active", driverTok, nil, &dv)
	if resp.Header.Get("X-Poll-Interval") != "3" {
		t.Fatalf("missing poll interval header")
	}
	if dv.RideID != sum.RideID || dv.Code != "" || dv.Customer == nil || dv.Customer.Name != "Asha" {
		t.Fatalf("driver view %+v", dv)
	}

	path := "/api/v1/rides/" + sum.RideID + "/transition"
	if resp := h.do("POST", path, driverTok, map[string]string{"status": "accepted"}, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("accept: %d", resp.StatusCode)
	}
	var eb errorBody
	if resp := h.do("POST", path, driverTok, map[string]string{"status": "ongoing", "code": "xxxx"}, &eb); resp.StatusCode != http.StatusUnprocessableEntity || eb.Error.Code != "invalid_code" {
		t.Fatalf("wrong code: %d %+v", resp.StatusCode, eb)
	}
	if resp := h.do("POST", path, driverTok, map[string]string{"status": "ongoing", "code": sum.Code}, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d", resp.StatusCode)
	}
	var done models.RideView
	if resp := h.do("POST", path, driverTok, map[string]string{"status": "completed"}, &done); resp.StatusCode != http.StatusOK || done.Status != models.StatusCompleted {
		t.Fatalf("complete: %d %+v", resp.StatusCode, done)
	}

	for _, tok := range []string{userTok, driverTok} {
		var v *models.RideView
		if resp := h.do("GET", "/api/v1/rides/active", tok, nil, &v); resp.StatusCode != http.StatusOK || v != nil {
			t.Fatalf("expected null active ride, got %d %+v", resp.StatusCode, v)
		}
	}

	var hist struct {
		Rides []models.HistoryEntry `json:"rides"`
	}
	h.do("GET", "/api/v1/rides/history", userTok, nil, &hist)
	if len(hist.Rides) != 1 || hist.Rides[0].Status != models.StatusCompleted {
		t.Fatalf("history %+v", hist)
	}
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t, nil)
	userTok, driverTok := h.token(asha), h.token(ravi)
	good := map[string]any{"origin": "A", "destination": "B", "distance": 2, "vehicle_class": "bike", "payment_method": "upi"}

	cases := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		status int
		code   string
	}{
		{"no token", "GET", "/api/v1/rides/active", "", nil, 401, "auth_error"},
		{"bad token", "GET", "/api/v1/rides/active", "garbage", nil, 401, "auth_error"},
		{"driver books", "POST", "/api/v1/rides", driverTok, good, 403, "auth_error"},
		{"bad class", "POST", "/api/v1/rides", userTok, map[string]any{"origin": "A", "destination": "B", "vehicle_class": "truck", "payment_method": "upi"}, 400, "validation_error"},
		{"missing distance", "POST", "/api/v1/rides", userTok, map[string]any{"origin": "A", "destination": "B", "vehicle_class": "bike", "payment_method": "upi"}, 400, "validation_error"},
		{"negative distance", "POST", "/api/v1/rides", userTok, map[string]any{"origin": "A", "destination": "B", "distance": -1, "vehicle_class": "bike", "payment_method": "upi"}, 400, "validation_error"},
		{"no driver", "POST", "/api/v1/rides", userTok, good, 503, "no_driver_available"},
		{"unknown ride", "POST", "/api/v1/rides/nope/transition", driverTok, map[string]string{"status": "accepted"}, 404, "not_found"},
		{"unregistered driver online", "POST", "/api/v1/drivers/me/online", driverTok, nil, 404, "not_found"},
		{"bad history limit", "GET", "/api/v1/rides/history?limit=-1", userTok, nil, 400, "validation_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var eb errorBody
			resp := h.do(tc.method, tc.path, tc.token, tc.body, &eb)
			if resp.StatusCode != tc.status || string(eb.Error.Code) != tc.code {
				t.Fatalf("got %d %+v, want %d %s", resp.StatusCode, eb, tc.status, tc.code)
			}
		})
	}
}

func TestSecondBookingConflicts(t *testing.T) {
	h := newHarness(t, nil)
	userTok, driverTok := h.token(asha), h.token(ravi)
	h.onboard(driverTok)
	body := map[string]any{"origin": "A", "destination": "B", "distance": 1, "vehicle_class": "bike", "payment_method": "cod"}
	if resp := h.do("POST", "/api/v1/rides", userTok, body, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("first booking: %d", resp.StatusCode)
	}
	var eb errorBody
	if resp := h.do("POST", "/api/v1/rides", userTok, body, &eb); resp.StatusCode != http.StatusConflict || eb.Error.Code != "conflict" {
		t.Fatalf("second booking: %d %+v", resp.StatusCode, eb)
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	h := newHarness(t, nil)
	tok, err := SignToken(secret, asha, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if resp := h.do("GET", "/api/v1/rides/active", tok, nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
}

func TestReadiness(t *testing.T) {
	up := newHarness(t, map[string]Check{"redis": func(context.Context) error { return nil }})
	if resp := up.do("GET", "/ready", "", nil, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("ready: %d", resp.StatusCode)
	}
	down := newHarness(t, map[string]Check{"postgres": func(context.Context) error { return errors.New("dial tcp: refused") }})
	var body struct {
		Failed map[string]string `json:"failed"`
	}
	if resp := down.do("GET", "/ready", "", nil, &body); resp.StatusCode != http.StatusServiceUnavailable || body.Failed["postgres"] == "" {
		t.Fatalf("not ready: %d %+v", resp.StatusCode, body)
	}
}

// serve runs a request on the caller's goroutine, so the access log line is
// written before it returns.
func (h *harness) serve(method, path, token, requestID string, body any) *httptest.ResponseRecorder {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	rec := httptest.NewRecorder()
	h.api.ServeHTTP(rec, req)
	return rec
}

func accessLines(t *testing.T, logs *bytes.Buffer) map[string]map[string]any {
	t.Helper()
	out := map[string]map[string]any{}
	dec := json.NewDecoder(logs)
	for dec.More() {
		var line map[string]any
		if err := dec.Decode(&line); err != nil {
			t.Fatalf("log line: %v", err)
		}
		if line["msg"] == "http_request" {
			out[line["request_id"].(string)] = line
		}
	}
	return out
}

func TestAccessLogAttributesCallerAndRide(t *testing.T) {
	var logs bytes.Buffer
	h := newHarnessLoggingTo(t, nil, &logs)
	userTok, driverTok := h.token(asha), h.token(ravi)

	roster := map[string]string{"vehicle_class": "bike", "name": "Ravi", "phone": "555-0199", "vehicle_reg": "KA01"}
	if rec := h.serve("PUT", "/internal/drivers/d1", "", "roster", roster); rec.Code != http.StatusNoContent {
		t.Fatalf("roster: %d", rec.Code)
	}
	if rec := h.serve("POST", "/api/v1/drivers/me/online", driverTok, "online", nil); rec.Code != http.StatusOK {
		t.Fatalf("online: %d", rec.Code)
	}
	rec := h.serve("POST", "/api/v1/rides", userTok, "create", map[string]any{"origin": "A", "destination": "B", "distance": 1, "vehicle_class": "bike", "payment_method": "upi"})
	var sum models.RideSummary
	if err := json.NewDecoder(rec.Body).Decode(&sum); err != nil || rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %v", rec.Code, err)
	}
	if rec := h.serve("POST", "/api/v1/rides/"+sum.RideID+"/transition", driverTok, "accept", map[string]string{"status": "accepted"}); rec.Code != http.StatusOK {
		t.Fatalf("accept: %d", rec.Code)
	}
	if rec := h.serve("GET", "/api/v1/rides/active", "", "anonymous", nil); rec.Header().Get("X-Request-ID") != "anonymous" {
		t.Fatalf("request id not echoed: %q", rec.Header().Get("X-Request-ID"))
	}

	lines := accessLines(t, &logs)
	cases := []struct {
		requestID, caller, role, rideID string
	}{
		{"roster", "", "", ""},
		{"online", "d1", "driver", ""},
		{"create", "u1", "requester", sum.RideID},
		{"accept", "d1", "driver", sum.RideID},
		{"anonymous", "", "", ""},
	}
	for _, tc := range cases {
		line, ok := lines[tc.requestID]
		if !ok {
			t.Fatalf("no access log for %s", tc.requestID)
		}
		got := func(k string) string { s, _ := line[k].(string); return s }
		if got("caller_id") != tc.caller || got("role") != tc.role || got("ride_id") != tc.rideID {
			t.Errorf("%s: caller=%q role=%q ride=%q", tc.requestID, got("caller_id"), got("role"), got("ride_id"))
		}
	}
	if lines["accept"]["route"] != "/api/v1/rides/{ride_id}/transition" {
		t.Errorf("route %v", lines["accept"]["route"])
	}
}
