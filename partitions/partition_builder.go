package partitions

import (
	"fmt"
	"math"
	"sort"

	"github.com/notargets/DGHalo/halo"
)

// GridBuilder decomposes a structured nx × ny node grid into px × py
// blocks of quadrilateral elements. Nodes on block boundaries belong to
// every block touching them, corners included.
type GridBuilder struct {
	NX, NY int // Nodes per direction
	PX, PY int // Blocks per direction
}

// BlockGrid is shorthand for GridBuilder{nx, ny, px, py}.Build()
func BlockGrid(nx, ny, px, py int) (*Decomposition, error) {
	gb := &GridBuilder{NX: nx, NY: ny, PX: px, PY: py}
	return gb.Build()
}

// StripGrid splits the grid into nparts vertical strips
func StripGrid(nx, ny, nparts int) (*Decomposition, error) {
	return BlockGrid(nx, ny, nparts, 1)
}

// Build creates the per-rank interfaces. Rank r = bx + by*PX. Interface
// nodes for every neighbor are ordered by global node id, so the lists of
// two neighbors mirror each other.
func (gb *GridBuilder) Build() (*Decomposition, error) {
	if gb.NX < 2 || gb.NY < 2 {
		return nil, fmt.Errorf("grid needs at least 2x2 nodes, got %dx%d", gb.NX, gb.NY)
	}
	if gb.PX < 1 || gb.PY < 1 || gb.PX > gb.NX-1 || gb.PY > gb.NY-1 {
		return nil, fmt.Errorf("cannot split %dx%d elements into %dx%d blocks",
			gb.NX-1, gb.NY-1, gb.PX, gb.PY)
	}

	xCuts := blockCuts(gb.NX-1, gb.PX)
	yCuts := blockCuts(gb.NY-1, gb.PY)
	numRanks := gb.PX * gb.PY

	// Global nodes of every rank, in ascending global id
	rankNodes := make([][]int, numRanks)
	owners := make([][]int, gb.NX*gb.NY) // global node -> ranks holding it
	for by := 0; by < gb.PY; by++ {
		for bx := 0; bx < gb.PX; bx++ {
			r := bx + by*gb.PX
			for j := yCuts[by]; j <= yCuts[by+1]; j++ {
				for i := xCuts[bx]; i <= xCuts[bx+1]; i++ {
					g := i + j*gb.NX
					rankNodes[r] = append(rankNodes[r], g)
					owners[g] = append(owners[g], r)
				}
			}
		}
	}

	d := &Decomposition{
		GlobalNodes: gb.NX * gb.NY,
		Ranks:       make([]RankInterface, numRanks),
	}

	for r := 0; r < numRanks; r++ {
		globalToLocal := make(map[int]int, len(rankNodes[r]))
		for l, g := range rankNodes[r] {
			globalToLocal[g] = l
		}

		shared := make(map[int][]int) // neighbor rank -> 1-based local nodes
		for _, g := range rankNodes[r] {
			for _, q := range owners[g] {
				if q != r {
					shared[q] = append(shared[q], globalToLocal[g]+1)
				}
			}
		}

		neighborRanks := make([]int, 0, len(shared))
		for q := range shared {
			neighborRanks = append(neighborRanks, q)
		}
		sort.Ints(neighborRanks)

		in := &halo.Interface{
			Index:     make([]int, 1, len(neighborRanks)+1),
			Neighbors: make([]int, 0, len(neighborRanks)),
		}
		for _, q := range neighborRanks {
			in.Neighbors = append(in.Neighbors, q+1)
			in.Nodes = append(in.Nodes, shared[q]...)
			in.Index = append(in.Index, len(in.Nodes))
		}

		d.Ranks[r] = RankInterface{
			Rank:          r,
			LocalNodes:    len(rankNodes[r]),
			Interface:     in,
			LocalToGlobal: rankNodes[r],
		}
	}

	if err := d.ValidateSymmetry(); err != nil {
		return nil, fmt.Errorf("invalid decomposition: %w", err)
	}

	return d, nil
}

// blockCuts splits n elements into parts consecutive blocks and returns
// the parts+1 node-line positions bounding them
func blockCuts(n, parts int) []int {
	cuts := make([]int, parts+1)
	perBlock := int(math.Ceil(float64(n) / float64(parts)))
	for b := 1; b < parts; b++ {
		cuts[b] = b * perBlock
		if cuts[b] > n-(parts-b) {
			cuts[b] = n - (parts - b)
		}
	}
	cuts[parts] = n
	return cuts
}
