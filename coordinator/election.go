package coordinator

import (
	"encoding/binary"
	"math/big"
	"slices"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ruteri/threshold-key-custody/interfaces"
)

// Elect picks the coordinator of a round: keccak256(seed) mod N over the
// lexicographically sorted members. Every node computing it over the same
// membership and seed agrees on the result.
func Elect(members []interfaces.NodeID, seed []byte) interfaces.NodeID {
	if len(members) == 0 {
		return ""
	}
	sorted := slices.Clone(members)
	slices.Sort(sorted)

	h := new(big.Int).SetBytes(crypto.Keccak256(seed))
	idx := h.Mod(h, big.NewInt(int64(len(sorted)))).Int64()
	return sorted[idx]
}

// ElectionSeed is the seed of the round refreshing or backing up epoch of group.
func ElectionSeed(group interfaces.GroupID, epoch interfaces.Epoch) []byte {
	seed := make([]byte, 0, len(group)+8)
	seed = append(seed, group...)
	return binary.BigEndian.AppendUint64(seed, uint64(epoch))
}

// ClusterName names the local cluster of a group: <base>_cluster_<id[2:10]>,
// where id is the hex group ID.
func ClusterName(base string, group interfaces.GroupID) string {
	id := string(group)
	start, end := 2, 10
	if len(id) < end {
		end = len(id)
	}
	if start > end {
		start = end
	}
	return base + "_cluster_" + id[start:end]
}
