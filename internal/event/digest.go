package event

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
)

// IDVersion is the (id, version) pair a log digest is computed from. The
// digest deliberately ignores payload bytes so it stays cheap to compute
// and compare.
type IDVersion struct {
	ID      string
	Version int64
}

// Digest returns the hex SHA-256 of the pairs sorted ascending by id, each
// contributing "id:version\n". Sorting makes the digest stable under any
// arrival reordering from network transport: two logs with the same event
// set always report the same digest.
func Digest(pairs []IDVersion) string {
	sorted := make([]IDVersion, len(pairs))
	copy(sorted, pairs)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	h := sha256.New()
	for _, p := range sorted {
		h.Write([]byte(p.ID))
		h.Write([]byte{':'})
		h.Write([]byte(strconv.FormatInt(p.Version, 10)))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
