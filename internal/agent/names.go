package agent

import (
	"fmt"
	"hash/fnv"
)

// namePool is the fixed pool of agent display names. The list must not be
// reordered: an agent id always maps to the same name across restarts.
var namePool = []string{
	"godel", "turing", "church", "curry", "kleene",
	"hilbert", "noether", "euler", "gauss", "riemann",
	"cantor", "frege", "peano", "tarski", "post",
	"hamming", "hopper", "lovelace", "babbage", "boole",
	"shannon", "erdos", "ramanujan", "galois", "abel",
	"banach", "borel", "cauchy", "dirichlet", "fermat",
	"hardy", "jacobi", "kolmogorov", "lagrange", "laplace",
	"markov", "pascal", "poincare", "turan", "weyl",
}

// DeriveName returns a deterministic display name for an agent id. A short
// hash suffix keeps names distinguishable when the pool collides.
func DeriveName(agentID string) string {
	hash := fnv32a(agentID)
	return fmt.Sprintf("%s-%04x", namePool[int(hash)%len(namePool)], hash&0xffff)
}

func fnv32a(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
