package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muurk/subnet-authority/internal/metrics"
)

type fakeAnnouncer struct {
	mu       sync.Mutex
	texts    [][]string
	ttl      uint32
	shutdown bool
}

func (a *fakeAnnouncer) SetText(text []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.texts = append(a.texts, text)
}

func (a *fakeAnnouncer) TTL(ttl uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ttl = ttl
}

func (a *fakeAnnouncer) Shutdown() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.shutdown = true
}

func (a *fakeAnnouncer) state() (texts int, ttl uint32, shutdown bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.texts), a.ttl, a.shutdown
}

type registration struct {
	instance, service, domain string
	port                      int
	text                      []string
}

type fakeRegistrar struct {
	mu        sync.Mutex
	failures  int
	calls     []registration
	announcer *fakeAnnouncer
}

func (r *fakeRegistrar) register(instance, service, domain string, port int, text []string, _ []net.Interface) (Announcer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, registration{instance, service, domain, port, text})
	if r.failures > 0 {
		r.failures--
		return nil, errors.New("address in use")
	}
	r.announcer = &fakeAnnouncer{}
	return r.announcer, nil
}

func (r *fakeRegistrar) snapshot() ([]registration, *fakeAnnouncer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]registration(nil), r.calls...), r.announcer
}

func testAdvertiserConfig() AdvertiserConfig {
	return AdvertiserConfig{
		Instance:        "authority-fd00",
		Zone:            "home.arpa.",
		Prefix:          "fd00::/64",
		APIPort:         8053,
		AuthorityID:     "b1e5c0de",
		Version:         "1.2.0",
		TTL:             90 * time.Second,
		RefreshInterval: time.Minute,
	}
}

func TestAdvertiser_TXT(t *testing.T) {
	a := NewAdvertiser(testAdvertiserConfig())
	assert.Equal(t, []string{
		"zone=home.arpa.",
		"prefix=fd00::/64",
		"api=8053",
		"id=b1e5c0de",
		"vers=1.2.0",
	}, a.TXT())

	cfg := testAdvertiserConfig()
	cfg.AuthorityID, cfg.Version = "", ""
	assert.Equal(t, []string{"zone=home.arpa.", "prefix=fd00::/64", "api=8053"}, NewAdvertiser(cfg).TXT())
}

func TestAdvertiser_RegistersAndReannounces(t *testing.T) {
	reg := &fakeRegistrar{}
	mock := clock.NewMock()
	m := metrics.New(nil)
	a := NewAdvertiser(testAdvertiserConfig(), WithRegisterFunc(reg.register), WithClock(mock), WithMetrics(m))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		calls, _ := reg.snapshot()
		return len(calls) == 1
	}, 2*time.Second, 5*time.Millisecond)

	calls, ann := reg.snapshot()
	assert.Equal(t, "authority-fd00", calls[0].instance)
	assert.Equal(t, AuthorityServiceType, calls[0].service)
	assert.Equal(t, "local.", calls[0].domain)
	assert.Equal(t, 8053, calls[0].port)
	assert.Contains(t, calls[0].text, "zone=home.arpa.")

	require.Eventually(t, func() bool {
		_, ttl, _ := ann.state()
		return ttl == 90
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		texts, _, _ := ann.state()
		return texts >= 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
	_, _, shutdown := ann.state()
	assert.True(t, shutdown)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.Announcements), 2.0)
}

func TestAdvertiser_RetriesFailedRegistration(t *testing.T) {
	reg := &fakeRegistrar{failures: 1}
	mock := clock.NewMock()
	a := NewAdvertiser(testAdvertiserConfig(), WithRegisterFunc(reg.register), WithClock(mock))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		calls, _ := reg.snapshot()
		return len(calls) == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The ticker is created after the first attempt; keep advancing until
	// the retry lands.
	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		_, ann := reg.snapshot()
		return ann != nil
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-errc)
	_, ann := reg.snapshot()
	_, _, shutdown := ann.state()
	assert.True(t, shutdown)
}

func TestAdvertiser_UnknownInterface(t *testing.T) {
	cfg := testAdvertiserConfig()
	cfg.Interface = "does-not-exist0"
	a := NewAdvertiser(cfg, WithRegisterFunc((&fakeRegistrar{}).register))
	require.Error(t, a.Run(context.Background()))
}
