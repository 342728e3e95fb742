package sharding

import (
	"strconv"

	"github.com/buraksezer/consistent"
	"github.com/cespare/xxhash/v2"
)

type shardMember int

func (m shardMember) String() string { return "shard-" + strconv.Itoa(int(m)) }

type hasher struct{}

func (hasher) Sum64(data []byte) uint64 { return xxhash.Sum64(data) }

func newRing(shards int) *consistent.Consistent {
	cfg := consistent.Config{
		PartitionCount:    271,
		ReplicationFactor: 20,
		Load:              1.25,
		Hasher:            hasher{},
	}
	members := make([]consistent.Member, shards)
	for i := range members {
		members[i] = shardMember(i)
	}
	return consistent.New(members, cfg)
}

// initialAssignment maps every pair to a shard through the consistent ring.
func initialAssignment(pairs []string, shards int) map[string]int {
	ring := newRing(shards)
	out := make(map[string]int, len(pairs))
	for _, p := range pairs {
		out[p] = int(ring.LocateKey([]byte(p)).(shardMember))
	}
	return out
}
