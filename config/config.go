// Package config loads the run file describing one rank of a halo
// exchange job: its sizes, its interface tables and where its peers listen.
//
//	rank         = 1
//	listen       = "127.0.0.1:7001"
//	layout       = "node-major"
//	components   = 2
//	local_nodes  = 4
//	iterations   = 10
//	wait_timeout = "30s"
//
//	peer {
//	  rank    = 0
//	  address = "127.0.0.1:7000"
//	}
//
//	interface {
//	  neighbor = 1       # 1-based process id
//	  nodes    = [1, 3]  # 1-based local nodes
//	}
package config

import (
	"fmt"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/notargets/DGHalo/halo"
)

// Run is the decoded run file of one rank
type Run struct {
	Rank           int        `hcl:"rank"`
	Listen         string     `hcl:"listen,optional"`
	Layout         string     `hcl:"layout,optional"`
	Components     int        `hcl:"components,optional"`
	LocalNodes     int        `hcl:"local_nodes"`
	Iterations     int        `hcl:"iterations,optional"`
	WaitTimeoutRaw string     `hcl:"wait_timeout,optional"`
	Values         []float64  `hcl:"values,optional"`
	Peers          []Peer     `hcl:"peer,block"`
	Interfaces     []Neighbor `hcl:"interface,block"`

	layout      halo.Layout
	waitTimeout time.Duration
}

// Peer is the listen address of another rank
type Peer struct {
	Rank    int    `hcl:"rank"`
	Address string `hcl:"address"`
}

// Neighbor lists the local nodes shared with one neighboring process
type Neighbor struct {
	Neighbor int   `hcl:"neighbor"`
	Nodes    []int `hcl:"nodes"`
}

// Load parses and validates the run file at path
func Load(path string) (*Run, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse run file %s: %w", path, diags)
	}
	return decode(file.Body, path)
}

// Parse parses and validates run file source; filename is used in diagnostics
func Parse(src []byte, filename string) (*Run, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse run file %s: %w", filename, diags)
	}
	return decode(file.Body, filename)
}

func decode(body hcl.Body, filename string) (*Run, error) {
	var run Run
	if diags := gohcl.DecodeBody(body, nil, &run); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode run file %s: %w", filename, diags)
	}
	run.applyDefaults()
	if err := run.Validate(); err != nil {
		return nil, fmt.Errorf("run file %s: %w", filename, err)
	}
	return &run, nil
}

func (r *Run) applyDefaults() {
	if r.Layout == "" {
		r.Layout = halo.ComponentMajor.String()
	}
	if r.Components == 0 {
		r.Components = 1
	}
	if r.Iterations == 0 {
		r.Iterations = 1
	}
}

// Validate checks the run file for internal consistency. The interface
// tables go through the same checks the exchange applies.
func (r *Run) Validate() error {
	layout, err := halo.ParseLayout(r.Layout)
	if err != nil {
		return err
	}
	r.layout = layout

	if r.WaitTimeoutRaw != "" {
		d, err := time.ParseDuration(r.WaitTimeoutRaw)
		if err != nil {
			return fmt.Errorf("invalid wait_timeout %q: %w", r.WaitTimeoutRaw, err)
		}
		if d < 0 {
			return fmt.Errorf("negative wait_timeout %s", d)
		}
		r.waitTimeout = d
	}

	if r.Iterations < 1 {
		return fmt.Errorf("iterations must be >= 1, got %d", r.Iterations)
	}
	if err := r.Params().Validate(); err != nil {
		return err
	}
	if err := r.Interface().Validate(r.LocalNodes); err != nil {
		return err
	}

	if len(r.Values) > 0 && len(r.Values) != r.Params().ValueCount() {
		return fmt.Errorf("values has %d entries, expected local_nodes*components = %d",
			len(r.Values), r.Params().ValueCount())
	}

	peers := make(map[int]bool, len(r.Peers))
	for _, p := range r.Peers {
		if p.Rank == r.Rank {
			return fmt.Errorf("peer block for own rank %d", p.Rank)
		}
		if peers[p.Rank] {
			return fmt.Errorf("duplicate peer block for rank %d", p.Rank)
		}
		peers[p.Rank] = true
	}
	seen := make(map[int]bool, len(r.Interfaces))
	for _, in := range r.Interfaces {
		if seen[in.Neighbor] {
			return fmt.Errorf("duplicate interface block for neighbor %d", in.Neighbor)
		}
		seen[in.Neighbor] = true
		if rank := in.Neighbor - 1; rank != r.Rank && !peers[rank] {
			return fmt.Errorf("interface with neighbor %d has no peer block for rank %d", in.Neighbor, rank)
		}
	}

	return nil
}

// Params returns the exchange parameters of the rank
func (r *Run) Params() halo.Params {
	return halo.Params{
		LocalNodes: r.LocalNodes,
		Components: r.Components,
		Layout:     r.layout,
		Rank:       r.Rank,
	}
}

// Interface assembles the interface tables in block order
func (r *Run) Interface() *halo.Interface {
	in := &halo.Interface{
		Index:     make([]int, 1, len(r.Interfaces)+1),
		Neighbors: make([]int, 0, len(r.Interfaces)),
	}
	for _, nb := range r.Interfaces {
		in.Neighbors = append(in.Neighbors, nb.Neighbor)
		in.Nodes = append(in.Nodes, nb.Nodes...)
		in.Index = append(in.Index, len(in.Nodes))
	}
	return in
}

// WaitTimeout returns the parsed wait_timeout, zero if unset
func (r *Run) WaitTimeout() time.Duration {
	return r.waitTimeout
}

// InitialValues returns the configured values, or ones if none were given
func (r *Run) InitialValues() []float64 {
	values := make([]float64, r.Params().ValueCount())
	if len(r.Values) > 0 {
		copy(values, r.Values)
		return values
	}
	for i := range values {
		values[i] = 1
	}
	return values
}
