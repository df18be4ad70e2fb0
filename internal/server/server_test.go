package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tape/internal/config"
	"github.com/aristath/tape/internal/domain"
	"github.com/aristath/tape/internal/events"
	"github.com/aristath/tape/internal/repository"
	"github.com/aristath/tape/internal/system"
)

// newTestServer wires a backtest engine over a seeded sqlite store
// and returns the HTTP server around it.
func newTestServer(t *testing.T) (*Server, *system.Manager) {
	t.Helper()
	dataDir := t.TempDir()
	seedRepository(t, dataDir)

	sessionCfg := &config.SessionConfig{
		SessionName: "api",
		Mode:        "backtest",
		Exchange:    "XNYS",
		Data: config.SessionDataConfig{
			BaseInterval:     "1m",
			DerivedIntervals: []string{"5m"},
			Historical: config.HistoricalConfig{
				TrailingDays: 1,
				WarmupDays:   1,
			},
		},
		Backtest: &config.BacktestConfig{StartDate: "2025-11-04", EndDate: "2025-11-04"},
	}
	require.NoError(t, sessionCfg.Validate())

	mgr, err := system.Wire(context.Background(), &config.Config{
		DataDir:           dataDir,
		RepositoryBackend: "sqlite",
	}, sessionCfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	return New(Config{Log: zerolog.Nop(), Manager: mgr, Port: 0}), mgr
}

// seedRepository writes a handful of AAPL.US bars for the sessions
// around 2025-11-04.
func seedRepository(t *testing.T, dataDir string) {
	t.Helper()
	repo, err := repository.NewSQLite(repository.SQLiteConfig{Path: dataDir + "/bars.db"})
	require.NoError(t, err)
	defer repo.Close()

	for _, day := range []time.Time{
		time.Date(2025, 11, 3, 14, 30, 0, 0, time.UTC),
		time.Date(2025, 11, 4, 14, 30, 0, 0, time.UTC),
	} {
		bars := make([]domain.Bar, 0, 5)
		for i := 0; i < 5; i++ {
			ts := day.Add(time.Duration(i) * time.Minute)
			bars = append(bars, domain.Bar{
				Timestamp: ts, Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 1000,
			})
		}
		require.NoError(t, repo.WriteBars(context.Background(), "AAPL.US", domain.Interval1m, bars))
	}
}

func doJSON(t *testing.T, h http.Handler, method, path string, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	decoded := map[string]interface{}{}
	if rec.Body.Len() > 0 && strings.Contains(rec.Header().Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := doJSON(t, s.Router(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])

	rec, _ = doJSON(t, s.Router(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tape_")
}

func TestSystemStatusSnapshot(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := doJSON(t, s.Router(), http.MethodGet, "/api/system/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "backtest", body["mode"])
	assert.Equal(t, false, body["running"])
}

func TestSessionLifecycleEndpoints(t *testing.T) {
	s, mgr := newTestServer(t)

	rec, _ := doJSON(t, s.Router(), http.MethodPost, "/api/session/start", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body := doJSON(t, s.Router(), http.MethodPost, "/api/session/start", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["error"], "start")

	// The empty symbol universe finishes on its own
	require.Eventually(t, func() bool {
		return mgr.Coordinator().Status().State == domain.StateStopped
	}, 10*time.Second, 10*time.Millisecond)

	rec, _ = doJSON(t, s.Router(), http.MethodPost, "/api/session/stop", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, mgr.State().Running)
}

func TestModeEndpointValidation(t *testing.T) {
	s, _ := newTestServer(t)

	rec, _ := doJSON(t, s.Router(), http.MethodPost, "/api/session/mode", `{"mode":"sideways"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := doJSON(t, s.Router(), http.MethodPost, "/api/session/mode", `{"mode":"live"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "live", body["mode"])
}

func TestSymbolProvisioningEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec, body := doJSON(t, s.Router(), http.MethodPost, "/api/symbols",
		`{"symbols":["AAPL.US"],"scope":"adhoc"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "provisioned", body["status"])

	rec, body = doJSON(t, s.Router(), http.MethodGet, "/api/symbols", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
	entries := body["symbols"].([]interface{})
	first := entries[0].(map[string]interface{})
	assert.Equal(t, "AAPL.US", first["symbol"])
	assert.Equal(t, "adhoc", first["scope"])

	rec, body = doJSON(t, s.Router(), http.MethodPost, "/api/symbols/AAPL.US/upgrade", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "full", body["scope"])

	// A symbol without repository data is rejected
	rec, _ = doJSON(t, s.Router(), http.MethodPost, "/api/symbols",
		`{"symbols":["GHOST.US"]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, _ = doJSON(t, s.Router(), http.MethodDelete, "/api/symbols/AAPL.US", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	_, body = doJSON(t, s.Router(), http.MethodGet, "/api/symbols", "")
	assert.Equal(t, float64(0), body["count"])
}

func TestBarsAndQualityEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec, _ := doJSON(t, s.Router(), http.MethodPost, "/api/symbols",
		`{"symbols":["AAPL.US"],"scope":"adhoc"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, body := doJSON(t, s.Router(), http.MethodGet, "/api/bars/AAPL.US/1m?limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), body["count"])

	rec, _ = doJSON(t, s.Router(), http.MethodGet, "/api/bars/AAPL.US/2x", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, s.Router(), http.MethodGet, "/api/bars/GHOST.US/1m", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = doJSON(t, s.Router(), http.MethodGet, "/api/quality", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
	stream := body["streams"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "AAPL.US:1m", stream["stream"])
}

func TestEventsStreamDeliversBusEvents(t *testing.T) {
	s, mgr := newTestServer(t)

	srv := httptest.NewServer(s.Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	scanner := bufio.NewScanner(resp.Body)
	readData := func() map[string]interface{} {
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "data: ") {
				payload := map[string]interface{}{}
				require.NoError(t, json.Unmarshal([]byte(line[len("data: "):]), &payload))
				return payload
			}
		}
		t.Fatal("stream closed before a data line arrived")
		return nil
	}

	assert.Equal(t, "connected", readData()["type"])

	mgr.Events().Emit(events.QualityReport, "quality", map[string]interface{}{
		"stream": "AAPL.US:1m",
	})
	payload := readData()
	assert.Equal(t, "QualityReport", payload["type"])
	data := payload["data"].(map[string]interface{})
	assert.Equal(t, "AAPL.US:1m", data["stream"])
}
