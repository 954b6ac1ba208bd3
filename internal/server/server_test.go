package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/subnet-authority/internal/cache"
	"github.com/muurk/subnet-authority/internal/metrics"
	"github.com/muurk/subnet-authority/internal/model"
)

// fakeDirectory serves canned entries and lets tests push hash changes.
type fakeDirectory struct {
	mu      sync.Mutex
	entries []*model.ServiceEntry
	hash    string
	health  cache.Health
	err     error
	subs    []chan string
}

func (d *fakeDirectory) GetAll(context.Context) ([]*model.ServiceEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.entries, d.err
}

func (d *fakeDirectory) GetByType(_ context.Context, serviceType string) ([]*model.ServiceEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*model.ServiceEntry
	for _, e := range d.entries {
		if e.ServiceType == serviceType {
			out = append(out, e)
		}
	}
	return out, d.err
}

func (d *fakeDirectory) GetOne(_ context.Context, key model.Key) (*model.ServiceEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range d.entries {
		if e.Key() == key {
			return e, d.err
		}
	}
	return nil, d.err
}

func (d *fakeDirectory) Hash(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hash, d.err
}

func (d *fakeDirectory) Health(context.Context) (cache.Health, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.health, d.err
}

func (d *fakeDirectory) Subscribe() (<-chan string, func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan string, 1)
	d.subs = append(d.subs, ch)
	return ch, func() {}
}

func (d *fakeDirectory) subscribers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.subs)
}

func (d *fakeDirectory) publish(h string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hash = h
	for _, ch := range d.subs {
		select {
		case <-ch:
		default:
		}
		ch <- h
	}
}

func testEntries() []*model.ServiceEntry {
	now := time.Unix(1700000000, 0).UTC()
	return []*model.ServiceEntry{
		{
			ServiceType: "_http._tcp", Instance: "My Printer", Hostname: "printer.local.",
			Addresses: []netip.Addr{netip.MustParseAddr("fd00::10")}, Port: 80,
			TXT: map[string]string{"path": "/"}, Alive: true, FirstSeen: now, LastSeen: now, TTL: 4500,
		},
		{
			ServiceType: "_ssh._tcp", Instance: "nas", Hostname: "nas.local.",
			Addresses: []netip.Addr{netip.MustParseAddr("fd00::20")}, Port: 22,
			Alive: false, FirstSeen: now, LastSeen: now, TTL: 4500,
		},
	}
}

func newTestServer(dir Directory, opts ...Option) *Server {
	return New(Config{
		Listen: "127.0.0.1:0",
		Info: Info{
			Zone: "home.arpa", Prefix: "fd00::/64", APIPort: 8053, AuthorityID: "b1e5c0de",
		},
	}, dir, opts...)
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Config(t *testing.T) {
	rec := get(t, newTestServer(&fakeDirectory{}).Handler(), "/v1/config")
	require.Equal(t, http.StatusOK, rec.Code)

	var info Info
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "home.arpa", info.Zone)
	assert.Equal(t, "fd00::/64", info.Prefix)
	assert.Equal(t, 8053, info.APIPort)
	assert.Equal(t, "b1e5c0de", info.AuthorityID)
}

func TestServer_ListServices(t *testing.T) {
	dir := &fakeDirectory{entries: testEntries()}
	h := newTestServer(dir).Handler()

	tests := []struct {
		name      string
		path      string
		instances []string
	}{
		{name: "all", path: "/v1/services", instances: []string{"My Printer", "nas"}},
		{name: "by type", path: "/v1/services?type=_ssh._tcp", instances: []string{"nas"}},
		{name: "unknown type", path: "/v1/services?type=_ipp._tcp", instances: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, h, tt.path)
			require.Equal(t, http.StatusOK, rec.Code)

			var got []model.ServiceEntry
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
			names := []string{}
			for _, e := range got {
				names = append(names, e.Instance)
			}
			assert.Equal(t, tt.instances, names)
		})
	}
}

func TestServer_ListServicesEmptyIsArray(t *testing.T) {
	rec := get(t, newTestServer(&fakeDirectory{}).Handler(), "/v1/services")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestServer_Hash(t *testing.T) {
	rec := get(t, newTestServer(&fakeDirectory{hash: "abc123"}).Handler(), "/v1/services/hash")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc123", rec.Body.String())
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), "text/plain"))
}

func TestServer_GetService(t *testing.T) {
	h := newTestServer(&fakeDirectory{entries: testEntries()}).Handler()

	rec := get(t, h, "/v1/services/_http._tcp/My%20Printer")
	require.Equal(t, http.StatusOK, rec.Code)
	var got model.ServiceEntry
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, "printer.local.", got.Hostname)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("fd00::10")}, got.Addresses)

	rec = get(t, h, "/v1/services/_http._tcp/absent")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "absent._http._tcp.local.")
}

func TestServer_Healthz(t *testing.T) {
	tests := []struct {
		name   string
		health cache.Health
		status int
		want   string
	}{
		{name: "ok", health: cache.Health{Entries: 2, Alive: 1}, status: http.StatusOK, want: "ok"},
		{name: "degraded", health: cache.Health{Entries: 2, PendingWrites: 1, Degraded: true}, status: http.StatusServiceUnavailable, want: "degraded"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, newTestServer(&fakeDirectory{health: tt.health}).Handler(), "/healthz")
			require.Equal(t, tt.status, rec.Code)

			var body map[string]any
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.want, body["status"])
			assert.EqualValues(t, tt.health.Entries, body["entries"])
		})
	}
}

func TestServer_ClosedCacheIsUnavailable(t *testing.T) {
	h := newTestServer(&fakeDirectory{err: cache.ErrClosed}).Handler()
	for _, path := range []string{"/v1/services", "/v1/services/hash", "/healthz"} {
		rec := get(t, h, path)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestServer_NoMutationRoutes(t *testing.T) {
	h := newTestServer(&fakeDirectory{entries: testEntries()}).Handler()
	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		req := httptest.NewRequest(method, "/v1/services", nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code, method)
	}
}

func TestServer_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Entries.Set(3)

	s := New(Config{Gatherer: reg}, &fakeDirectory{}, WithMetrics(m))
	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "subnet_authority_cache_entries 3")
}

func dialWatch(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/watch"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readHash(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg watchMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg.Hash
}

func TestServer_Watch(t *testing.T) {
	dir := &fakeDirectory{hash: "h1"}
	m := metrics.New(nil)
	ts := httptest.NewServer(newTestServer(dir, WithMetrics(m)).Handler())
	defer ts.Close()

	conn := dialWatch(t, ts)
	assert.Equal(t, "h1", readHash(t, conn))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WatchClients))

	dir.publish("h2")
	assert.Equal(t, "h2", readHash(t, conn))

	// Unchanged digests are not resent.
	dir.publish("h2")
	dir.publish("h3")
	assert.Equal(t, "h3", readHash(t, conn))

	conn.Close()
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.WatchClients) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_RunServesAndStops(t *testing.T) {
	dir := &fakeDirectory{hash: "h1"}
	s := newTestServer(dir)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	var addr string
	require.Eventually(t, func() bool {
		if a := s.Addr(); a != nil {
			addr = a.String()
		}
		return addr != ""
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/v1/services/hash")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/v1/watch", nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "h1", readHash(t, conn))
	require.Eventually(t, func() bool { return dir.subscribers() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}

	// The watch connection is closed with a going-away frame.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}
