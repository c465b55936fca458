package cluster

import (
	"cmp"
	"encoding/binary"
	"slices"

	"github.com/zeebo/blake3"

	"graphgo/protocol"
)

// primaryOf picks the leader with the highest term. A deposed leader may
// still claim the role for a while; its term gives it away.
func primaryOf(replicas []protocol.Replica) (protocol.Replica, bool) {
	var best protocol.Replica
	found := false
	for _, r := range replicas {
		if !r.IsPrimary() {
			continue
		}
		if !found || r.Term > best.Term {
			best = r
			found = true
		}
	}
	return best, found
}

// rendezvousScore ranks addr for this client. Each client prefers a
// different replica, so reads spread over the cluster without coordination.
func rendezvousScore(clientID []byte, addr string) uint64 {
	h := blake3.New()
	h.Write(clientID)
	h.Write([]byte(addr))
	sum := h.Sum(nil)
	return binary.BigEndian.Uint64(sum[:8])
}

// readOrder sorts replicas for RunAnyReplica: those the server marked
// preferred first, then secondaries by rendezvous score, the primary last.
func readOrder(clientID []byte, replicas []protocol.Replica) []protocol.Replica {
	primary, hasPrimary := primaryOf(replicas)
	tier := func(r protocol.Replica) int {
		switch {
		case r.Preferred:
			return 0
		case hasPrimary && r.Address == primary.Address:
			return 2
		default:
			return 1
		}
	}

	out := slices.Clone(replicas)
	slices.SortStableFunc(out, func(a, b protocol.Replica) int {
		if c := cmp.Compare(tier(a), tier(b)); c != 0 {
			return c
		}
		return cmp.Compare(rendezvousScore(clientID, b.Address), rendezvousScore(clientID, a.Address))
	})
	return out
}

func addresses(replicas []protocol.Replica) []string {
	out := make([]string, 0, len(replicas))
	for _, r := range replicas {
		out = append(out, r.Address)
	}
	return out
}
