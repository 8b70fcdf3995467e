package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ahmadzakiakmal/supplychain-provenance/client"
	"github.com/ahmadzakiakmal/supplychain-provenance/connection"
	"github.com/ahmadzakiakmal/supplychain-provenance/contract"
	"github.com/ahmadzakiakmal/supplychain-provenance/eventsync"
	"github.com/ahmadzakiakmal/supplychain-provenance/ledger"
	"github.com/ahmadzakiakmal/supplychain-provenance/ledger/ledgertest"
	"github.com/ahmadzakiakmal/supplychain-provenance/metrics"
	"github.com/ahmadzakiakmal/supplychain-provenance/srvreg"
	"github.com/ahmadzakiakmal/supplychain-provenance/wallet"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t testing.TB) *httptest.Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	l := ledgertest.New(t, ledgertest.WithSupplyChain())
	w := wallet.New("http://wallet", []contract.Address{ledgertest.Manufacturer}, nil)
	dial := func(string) (ledger.Ledger, error) { return l, nil }
	mgr := connection.NewManager(connection.Config{
		Deployments: map[string]contract.Address{l.ChainID(): l.Contract()},
	}, w, dial, nil, m)
	c := client.New(mgr, eventsync.New(eventsync.Config{InitialBackoff: time.Millisecond}, nil, m), nil)
	t.Cleanup(func() { c.Close() })
	_, err := c.Connect(context.Background())
	require.NoError(t, err)

	sr := srvreg.NewServiceRegistry(c, nil, nil)
	sr.RegisterDefaultServices()
	ws := NewWebServer("0", sr, reg, nil)

	ts := httptest.NewServer(ws.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func TestAPIRoundTrip(t *testing.T) {
	ts := newServer(t)

	resp, err := http.Post(ts.URL+"/items", "application/json", strings.NewReader(`{"sku":100,"name":"Poco F2 Pro","price":300}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))

	resp, err = http.Get(ts.URL + "/items/100")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Item      contract.Item `json:"item"`
		StateName string        `json:"state_name"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, ledgertest.Manufacturer, out.Item.Owner)
	assert.Equal(t, "Manufactured", out.StateName)
}

func TestRequestIDIsEchoed(t *testing.T) {
	ts := newServer(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/session", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "req-1")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-1", resp.Header.Get(RequestIDHeader))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newServer(t)

	resp, err := http.Post(ts.URL+"/items", "application/json", strings.NewReader(`{"sku":1,"name":"x","price":1}`))
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `supplychain_ledger_calls_total{op="manufacture",outcome="committed"} 1`)
}

func TestRootAndUnknownPaths(t *testing.T) {
	ts := newServer(t)

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "Not found", out["error"])
}

func TestJSONError(t *testing.T) {
	rec := httptest.NewRecorder()
	JSONError(rec, "boom", http.StatusTeapot)
	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"boom"}`, rec.Body.String())
}
