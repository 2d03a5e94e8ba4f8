package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/notargets/DGHalo/halo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Local(t *testing.T) {
	for _, layout := range []string{"component-major", "node-major"} {
		t.Run(layout, func(t *testing.T) {
			var out bytes.Buffer
			err := run([]string{
				"-local", "-nx", "9", "-ny", "7", "-px", "2", "-py", "2",
				"-components", "2", "-layout", layout, "-iterations", "3",
				"-log-format", "json",
			}, &out)
			require.NoError(t, err)
			assert.Contains(t, out.String(), `"msg":"local run verified"`)
		})
	}
}

func TestRun_FlagErrors(t *testing.T) {
	testCases := []struct {
		name string
		args []string
	}{
		{"no mode", nil},
		{"bad iterations", []string{"-local", "-iterations", "0"}},
		{"bad log level", []string{"-local", "-log-level", "loud"}},
		{"bad log format", []string{"-local", "-log-format", "xml"}},
		{"bad layout", []string{"-local", "-layout", "diagonal"}},
		{"bad grid", []string{"-local", "-nx", "2", "-px", "3"}},
		{"unknown flag", []string{"-frobnicate"}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := run(tc.args, io.Discard)
			var exitErr *ExitError
			require.True(t, errors.As(err, &exitErr), "got %v", err)
			assert.Equal(t, 2, exitErr.Code)
		})
	}
}

func TestRun_Help(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"-h"}, &out))
	assert.Contains(t, out.String(), "-config")
}

func TestRun_ConfigSingleRank(t *testing.T) {
	// A rank with no neighbors completes without any transport traffic
	path := filepath.Join(t.TempDir(), "rank0.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
rank        = 0
local_nodes = 3
iterations  = 2
values      = [1, 2, 3]
`), 0o644))

	var out bytes.Buffer
	require.NoError(t, run([]string{"-config", path}, &out))
	assert.Contains(t, out.String(), "run complete")
}

func TestRun_ConfigMissingFile(t *testing.T) {
	err := run([]string{"-config", filepath.Join(t.TempDir(), "missing.hcl")}, io.Discard)
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 2, exitErr.Code)
}

func TestLocalMultiplicity(t *testing.T) {
	in := &halo.Interface{
		Index:     []int{0, 2, 3},
		Nodes:     []int{1, 3, 3},
		Neighbors: []int{2, 3},
	}
	assert.Equal(t, []float64{2, 1, 3, 1}, localMultiplicity(in, 4))
}

// freeAddr reserves a loopback port and releases it for the caller
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRun_ConfigTwoRanks(t *testing.T) {
	dir := t.TempDir()
	addrs := []string{freeAddr(t), freeAddr(t)}

	// Node 3 of rank 0 is node 1 of rank 1
	shared := [][]int{{3}, {1}}
	paths := make([]string, 2)
	for r := range paths {
		peer := 1 - r
		src := fmt.Sprintf(`
rank         = %d
listen       = %q
layout       = "node-major"
components   = 2
local_nodes  = 3
iterations   = 5
wait_timeout = "10s"

peer {
  rank    = %d
  address = %q
}

interface {
  neighbor = %d
  nodes    = [%d]
}
`, r, addrs[r], peer, addrs[peer], peer+1, shared[r][0])
		paths[r] = filepath.Join(dir, fmt.Sprintf("rank%d.hcl", r))
		require.NoError(t, os.WriteFile(paths[r], []byte(src), 0o644))
	}

	outs := make([]bytes.Buffer, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for r := range paths {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			errs[r] = run([]string{"-config", paths[r], "-log-level", "debug"}, &outs[r])
		}(r)
	}
	wg.Wait()

	for r := range paths {
		require.NoError(t, errs[r], "rank %d", r)
		out := outs[r].String()
		assert.Contains(t, out, "run complete")
		assert.Equal(t, 5, strings.Count(out, "msg=\"exchange complete\""), "rank %d", r)
		// Ones summed over two ranks: 4 unshared entries plus 2 shared entries of 2
		assert.Contains(t, out, "sum=8", "rank %d", r)
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			assert.Equal(t, 1, strings.Count(line, "rank="), line)
		}
	}
}
