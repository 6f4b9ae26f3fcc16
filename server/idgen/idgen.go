// Package idgen generates compact, roughly time-ordered identifiers for
// sessions and quarantine records.
package idgen

import (
	"crypto/rand"
	"encoding/base32"
	"os"
	"strings"
	"sync/atomic"
	"time"
)

var (
	// nodeID distinguishes proxy instances sharing a store.
	nodeID   [2]byte
	sequence uint32

	encoding = base32.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZ234567").WithPadding(base32.NoPadding)
)

func init() {
	if _, err := rand.Read(nodeID[:]); err != nil {
		// Weak fallback, still unique enough per host.
		host, _ := os.Hostname()
		for i, b := range []byte(host) {
			nodeID[i%2] ^= b
		}
	}
}

// New returns a 10-byte identifier encoded as 16 lowercase base32
// characters: 4 bytes of unix-seconds timestamp, 2 bytes of node id,
// 2 bytes of sequence and 2 bytes of randomness. Timestamp-first keeps
// ids sortable by creation time.
func New() string {
	ts := uint32(time.Now().Unix())
	seq := uint16(atomic.AddUint32(&sequence, 1))

	var rnd [2]byte
	_, _ = rand.Read(rnd[:])

	var id [10]byte
	id[0] = byte(ts >> 24)
	id[1] = byte(ts >> 16)
	id[2] = byte(ts >> 8)
	id[3] = byte(ts)
	copy(id[4:6], nodeID[:])
	id[6] = byte(seq >> 8)
	id[7] = byte(seq)
	copy(id[8:10], rnd[:])

	return strings.ToLower(encoding.EncodeToString(id[:]))
}
