// Package store holds content-addressed blobs. Keys are content hashes, so a
// key is written at most once and any two writers for it carry identical bytes.
package store

import (
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// Store is the explicit cache contract used by every tier.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte) error
}

// Hash returns the CIDv1 (raw codec, sha2-256) of data in its default string form.
func Hash(data []byte) string {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		// sha2-256 is always registered with go-multihash.
		panic(fmt.Sprintf("store: hashing failed: %v", err))
	}
	return cid.NewCidV1(cid.Raw, sum).String()
}

// Verify checks that data hashes to key.
func Verify(key string, data []byte) error {
	if got := Hash(data); got != key {
		return fmt.Errorf("content hash mismatch: want %s, got %s", key, got)
	}
	return nil
}
