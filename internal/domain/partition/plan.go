package partition

import (
	"hash/fnv"
	"math"
	"strconv"
	"strings"
)

// Plan returns how many of n files are sampled for a client and how many of
// those go to training. Both floors are clamped to at least one file when n
// is positive.
func Plan(n int, fraction, trainRatio float64) (k, nTrain int) {
	if n <= 0 {
		return 0, 0
	}
	k = max(1, int(math.Floor(float64(n)*fraction)))
	k = min(k, n)
	nTrain = max(1, int(math.Floor(float64(k)*trainRatio)))
	return k, min(nTrain, k)
}

// Seed derives the sampling seed from a client id: its integer value when
// numeric, otherwise the FNV-64a hash of the id.
func Seed(clientID string) int64 {
	id := strings.TrimSpace(clientID)
	if v, err := strconv.ParseInt(id, 10, 64); err == nil {
		return v
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64()) //nolint:gosec // wrap-around is fine for a seed
}
