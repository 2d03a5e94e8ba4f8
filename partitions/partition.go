package partitions

import (
	"fmt"

	"github.com/notargets/DGHalo/halo"
	"gonum.org/v1/gonum/floats"
)

// RankInterface is the halo description handed to one process
type RankInterface struct {
	Rank       int // 0-based process rank
	LocalNodes int // Nodes owned by this rank, interface nodes included

	// Interface lists the shared nodes per neighbor. Neighbor ids are
	// 1-based ranks and node ids are 1-based local nodes.
	Interface *halo.Interface

	// LocalToGlobal maps a 0-based local node to its global node id
	LocalToGlobal []int
}

// Decomposition is the set of rank interfaces of one decomposed mesh
type Decomposition struct {
	GlobalNodes int
	Ranks       []RankInterface
}

// NumRanks returns the number of processes in the decomposition
func (d *Decomposition) NumRanks() int {
	return len(d.Ranks)
}

// Multiplicity returns, per global node, the number of ranks holding it
func (d *Decomposition) Multiplicity() []int {
	mult := make([]int, d.GlobalNodes)
	for _, r := range d.Ranks {
		for _, g := range r.LocalToGlobal {
			mult[g]++
		}
	}
	return mult
}

// Restrict copies the entries of a scalar global field owned by rank r
func (d *Decomposition) Restrict(global []float64, r int) []float64 {
	ri := d.Ranks[r]
	local := make([]float64, ri.LocalNodes)
	for l, g := range ri.LocalToGlobal {
		local[l] = global[g]
	}
	return local
}

// ValidateSymmetry checks the mirror property the exchange relies on:
// if rank P lists Q as a neighbor then Q lists P, with the same number of
// shared nodes
func (d *Decomposition) ValidateSymmetry() error {
	size := len(d.Ranks)

	// Build send expectations
	sendMap := make(map[[2]int]int) // {sender, receiver} -> count
	for p, r := range d.Ranks {
		if r.Rank != p {
			return fmt.Errorf("rank %d stored at position %d", r.Rank, p)
		}
		in := r.Interface
		if err := in.Validate(r.LocalNodes); err != nil {
			return fmt.Errorf("rank %d: %w", p, err)
		}
		for i, q := range in.Neighbors {
			if q < 1 || q > size {
				return fmt.Errorf("rank %d lists neighbor %d outside [1,%d]", p, q, size)
			}
			if q-1 == p {
				return fmt.Errorf("rank %d lists itself as a neighbor", p)
			}
			k := [2]int{p, q - 1}
			if _, dup := sendMap[k]; dup {
				return fmt.Errorf("rank %d lists neighbor %d twice", p, q)
			}
			start, end := in.Range(i)
			sendMap[k] = end - start
		}
	}

	// Verify receive expectations match
	for k, count := range sendMap {
		back, exists := sendMap[[2]int{k[1], k[0]}]
		if !exists {
			return fmt.Errorf("rank %d expects to exchange with %d, but %d doesn't list it",
				k[0], k[1], k[1])
		}
		if back != count {
			return fmt.Errorf("count mismatch: rank %d shares %d nodes with %d, but %d shares %d",
				k[0], count, k[1], k[1], back)
		}
	}

	return nil
}

// Stats summarizes the communication load of a decomposition
type Stats struct {
	NumRanks     int
	MinNeighbors int
	MaxNeighbors int
	MinInterface int
	MaxInterface int
	AvgInterface float64
	TotalVolume  int     // Interface nodes summed over ranks
	Imbalance    float64 // MaxInterface / AvgInterface
}

// Statistics computes communication balance metrics
func (d *Decomposition) Statistics() Stats {
	stats := Stats{NumRanks: len(d.Ranks)}
	if len(d.Ranks) == 0 {
		return stats
	}

	neighbors := make([]float64, len(d.Ranks))
	volume := make([]float64, len(d.Ranks))
	for i, r := range d.Ranks {
		neighbors[i] = float64(r.Interface.NumNeighbors())
		volume[i] = float64(r.Interface.NumNodes())
	}

	stats.MinNeighbors = int(floats.Min(neighbors))
	stats.MaxNeighbors = int(floats.Max(neighbors))
	stats.MinInterface = int(floats.Min(volume))
	stats.MaxInterface = int(floats.Max(volume))
	stats.TotalVolume = int(floats.Sum(volume))
	stats.AvgInterface = floats.Sum(volume) / float64(len(volume))

	stats.Imbalance = 1
	if stats.AvgInterface > 0 {
		stats.Imbalance = float64(stats.MaxInterface) / stats.AvgInterface
	}

	return stats
}
