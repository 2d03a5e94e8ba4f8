package halo

// Interface describes which local nodes this process shares with each
// neighbor. Neighbor i owns Nodes[Index[i]:Index[i+1]].
type Interface struct {
	Index     []int // Length len(Neighbors)+1, non-decreasing, Index[0] = 0
	Nodes     []int // 1-based local node ids, concatenated per neighbor
	Neighbors []int // 1-based process ids
}

// NumNeighbors returns the number of adjacent processes
func (in *Interface) NumNeighbors() int {
	return len(in.Neighbors)
}

// NumNodes returns the total interface node count across all neighbors
func (in *Interface) NumNodes() int {
	return len(in.Nodes)
}

// Range returns the half-open slice of Nodes owned by neighbor i
func (in *Interface) Range(i int) (start, end int) {
	return in.Index[i], in.Index[i+1]
}

// Validate checks the interface tables against the local mesh size
func (in *Interface) Validate(localNodes int) error {
	// A process without neighbors may leave every table empty
	if len(in.Index) == 0 && len(in.Neighbors) == 0 && len(in.Nodes) == 0 {
		return nil
	}

	// Verify 1: table shape
	if len(in.Index) != len(in.Neighbors)+1 {
		return configErrorf("interface index", ErrInvalidInterface,
			"index length %d, expected %d", len(in.Index), len(in.Neighbors)+1)
	}
	if in.Index[0] != 0 {
		return configErrorf("interface index", ErrInvalidInterface,
			"index[0] = %d, expected 0", in.Index[0])
	}

	// Verify 2: monotone ranges
	for i := 0; i < len(in.Neighbors); i++ {
		if in.Index[i+1] < in.Index[i] {
			return configErrorf("interface index", ErrInvalidInterface,
				"range %d decreases: [%d,%d)", i, in.Index[i], in.Index[i+1])
		}
	}

	// Verify 3: conservation - ranges cover the node list exactly
	if last := in.Index[len(in.Neighbors)]; last != len(in.Nodes) {
		return configErrorf("interface index", ErrInvalidInterface,
			"index[last] = %d, interface has %d nodes", last, len(in.Nodes))
	}

	for i, q := range in.Neighbors {
		if q < 1 {
			return configErrorf("neighbors", ErrInvalidInterface,
				"neighbor %d has process id %d, ids are 1-based", i, q)
		}
	}

	// Verify 4: local validity - node ids within the local mesh
	for j, n := range in.Nodes {
		if n < 1 || n > localNodes {
			return configErrorf("interface nodes", ErrInvalidInterface,
				"node %d at position %d outside [1,%d]", n, j, localNodes)
		}
	}

	return nil
}
