package hash

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"slices"

	"github.com/fxamacker/cbor/v2"
	sha256 "github.com/minio/sha256-simd"

	"github.com/muurk/subnet-authority/internal/model"
)

var encMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	// nil and empty collections must hash the same, matching SameContent
	opts.NilContainers = cbor.NilContainerAsEmpty
	em, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("hash: invalid cbor options: %v", err))
	}
	return em
}

// view is the hashed projection of a ServiceEntry. It references the entry's
// slices and maps rather than copying them.
type view struct {
	_           struct{} `cbor:",toarray"`
	ServiceType string
	Instance    string
	Hostname    string
	Addresses   []netip.Addr
	Port        uint16
	TXT         map[string]string
	Alive       bool
}

// Empty is the digest of a cache with no entries.
var Empty = Compute(nil)

// Compute returns the lowercase hex digest of entries. The slice is not
// reordered.
func Compute(entries []*model.ServiceEntry) string {
	order := make([]int, len(entries))
	for i := range order {
		order[i] = i
	}
	slices.SortFunc(order, func(a, b int) int {
		return entries[a].Key().Compare(entries[b].Key())
	})

	h := sha256.New()
	enc := encMode.NewEncoder(h)
	for _, i := range order {
		e := entries[i]
		v := view{
			ServiceType: e.ServiceType,
			Instance:    e.Instance,
			Hostname:    e.Hostname,
			Addresses:   e.Addresses,
			Port:        e.Port,
			TXT:         e.TXT,
			Alive:       e.Alive,
		}
		// Encoding into a hash cannot fail for these field types.
		if err := enc.Encode(v); err != nil {
			panic(fmt.Sprintf("hash: encode %s: %v", e.Key(), err))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
