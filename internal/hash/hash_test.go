package hash

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/muurk/subnet-authority/internal/model"
)

func entry(serviceType, instance string, port uint16) *model.ServiceEntry {
	now := time.Unix(1700000000, 0)
	return &model.ServiceEntry{
		ServiceType: serviceType,
		Instance:    instance,
		Hostname:    instance + ".local.",
		Addresses:   []netip.Addr{netip.MustParseAddr("fd00::1")},
		Port:        port,
		TXT:         map[string]string{"a": "1", "b": "2"},
		Alive:       true,
		FirstSeen:   now,
		LastSeen:    now,
		TTL:         120,
	}
}

func TestCompute_Format(t *testing.T) {
	h := Compute([]*model.ServiceEntry{entry("_http._tcp", "a", 80)})
	assert.Len(t, h, 64)
	assert.Regexp(t, "^[0-9a-f]{64}$", h)
}

func TestCompute_Empty(t *testing.T) {
	// SHA-256 of zero bytes
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Empty)
	assert.Equal(t, Empty, Compute([]*model.ServiceEntry{}))
}

func TestCompute_OrderIndependent(t *testing.T) {
	a := entry("_http._tcp", "a", 80)
	b := entry("_http._tcp", "b", 80)
	c := entry("_ipp._tcp", "a", 631)

	in := []*model.ServiceEntry{c, a, b}
	h1 := Compute(in)
	h2 := Compute([]*model.ServiceEntry{b, c, a})

	assert.Equal(t, h1, h2)
	// input order is left untouched
	assert.Same(t, c, in[0])
	assert.Same(t, a, in[1])
}

func TestCompute_IgnoresObservationFields(t *testing.T) {
	a := entry("_http._tcp", "a", 80)
	b := a.Clone()
	b.FirstSeen = b.FirstSeen.Add(-time.Hour)
	b.LastSeen = b.LastSeen.Add(time.Hour)
	b.TTL = 4500

	assert.Equal(t, Compute([]*model.ServiceEntry{a}), Compute([]*model.ServiceEntry{b}))
}

func TestCompute_DetectsContentChanges(t *testing.T) {
	base := entry("_http._tcp", "a", 80)
	baseHash := Compute([]*model.ServiceEntry{base})

	tests := []struct {
		name   string
		mutate func(e *model.ServiceEntry)
	}{
		{"port", func(e *model.ServiceEntry) { e.Port = 8080 }},
		{"hostname", func(e *model.ServiceEntry) { e.Hostname = "other.local." }},
		{"alive", func(e *model.ServiceEntry) { e.Alive = false }},
		{"address", func(e *model.ServiceEntry) { e.Addresses = []netip.Addr{netip.MustParseAddr("fd00::2")} }},
		{"txt", func(e *model.ServiceEntry) { e.TXT["a"] = "changed" }},
		{"instance", func(e *model.ServiceEntry) { e.Instance = "renamed" }},
		{"service type", func(e *model.ServiceEntry) { e.ServiceType = "_ipp._tcp" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := base.Clone()
			tt.mutate(e)
			assert.NotEqual(t, baseHash, Compute([]*model.ServiceEntry{e}))
		})
	}
}

func TestCompute_NilAndEmptyTXT(t *testing.T) {
	a := entry("_http._tcp", "a", 80)
	a.TXT = nil
	b := a.Clone()
	b.TXT = map[string]string{}

	assert.Equal(t, Compute([]*model.ServiceEntry{a}), Compute([]*model.ServiceEntry{b}))
}

func TestCompute_TXTInsertionOrder(t *testing.T) {
	a := entry("_http._tcp", "a", 80)
	a.TXT = map[string]string{}
	a.TXT["x"] = "1"
	a.TXT["y"] = "2"
	b := a.Clone()
	b.TXT = map[string]string{}
	b.TXT["y"] = "2"
	b.TXT["x"] = "1"

	for i := 0; i < 10; i++ {
		assert.Equal(t, Compute([]*model.ServiceEntry{a}), Compute([]*model.ServiceEntry{b}))
	}
}
