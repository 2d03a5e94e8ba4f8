package wsnet

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/notargets/DGHalo/halo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startNodes serves n nodes on loopback sockets and wires every node to
// every other one
func startNodes(t *testing.T, n int) []*Node {
	t.Helper()
	nodes := make([]*Node, n)
	addrs := make([]string, n)
	for r := 0; r < n; r++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		nodes[r] = NewNode(r, Options{HandshakeTimeout: 5 * time.Second, MaxMessageSize: 1 << 20})
		addrs[r] = ln.Addr().String()
		go func(node *Node, ln net.Listener) {
			_ = node.Serve(ln)
		}(nodes[r], ln)
	}
	for r, node := range nodes {
		for q, addr := range addrs {
			if q != r {
				node.AddPeer(q, addr)
			}
		}
	}
	t.Cleanup(func() {
		for _, node := range nodes {
			_ = node.Close()
		}
	})
	return nodes
}

func TestNode_SendReceive(t *testing.T) {
	nodes := startNodes(t, 2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	buf := make([]float64, 3)
	req, err := nodes[1].PostReceive(buf, 0, 101)
	require.NoError(t, err)

	require.NoError(t, nodes[0].Send(ctx, []float64{1, 2, 3}, 1, 101))
	require.NoError(t, req.Wait(ctx))
	assert.Equal(t, []float64{1, 2, 3}, buf)

	// Message before receive is queued and matched later
	require.NoError(t, nodes[0].Send(ctx, []float64{4, 5, 6}, 1, 101))
	require.Eventually(t, func() bool { return nodes[1].box.Queued() == 1 }, 5*time.Second, 5*time.Millisecond)
	req, err = nodes[1].PostReceive(buf, 0, 101)
	require.NoError(t, err)
	require.NoError(t, req.Wait(ctx))
	assert.Equal(t, []float64{4, 5, 6}, buf)
}

func TestNode_SendToSelf(t *testing.T) {
	node := NewNode(0, Options{})
	defer node.Close()

	buf := make([]float64, 1)
	req, err := node.PostReceive(buf, 0, 101)
	require.NoError(t, err)
	require.NoError(t, node.Send(context.Background(), []float64{9}, 0, 101))
	require.NoError(t, req.Wait(context.Background()))
	assert.Equal(t, []float64{9}, buf)
}

func TestNode_UnknownPeer(t *testing.T) {
	node := NewNode(0, Options{})
	defer node.Close()
	require.ErrorIs(t, node.Send(context.Background(), []float64{1}, 4, 101), ErrUnknownPeer)
}

func TestNode_Close(t *testing.T) {
	node := NewNode(0, Options{})
	req, err := node.PostReceive(make([]float64, 1), 1, 102)
	require.NoError(t, err)
	require.NoError(t, node.Close())
	require.ErrorIs(t, req.Wait(context.Background()), ErrNodeClosed)
	require.ErrorIs(t, node.Send(context.Background(), []float64{1}, 1, 101), ErrNodeClosed)
	require.NoError(t, node.Close())
}

func TestNode_HaloExchange(t *testing.T) {
	nodes := startNodes(t, 3)

	// Three ranks on a line, each sharing one node with the next
	ifaces := []*halo.Interface{
		{Index: []int{0, 1}, Nodes: []int{2}, Neighbors: []int{2}},
		{Index: []int{0, 1, 2}, Nodes: []int{1, 2}, Neighbors: []int{1, 3}},
		{Index: []int{0, 1}, Nodes: []int{1}, Neighbors: []int{2}},
	}
	values := [][]float64{{1, 2}, {3, 4}, {5, 6}}

	var wg sync.WaitGroup
	errs := make([]error, len(nodes))
	for r := range nodes {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			p := halo.Params{LocalNodes: 2, Components: 1, Layout: halo.ComponentMajor, Rank: r}
			errs[r] = halo.Exchange(context.Background(), nodes[r], values[r], ifaces[r], p,
				halo.WithWaitTimeout(10*time.Second))
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		require.NoError(t, err, "rank %d", r)
	}

	assert.Equal(t, []float64{1, 5}, values[0])
	assert.Equal(t, []float64{5, 9}, values[1])
	assert.Equal(t, []float64{9, 6}, values[2])
}

func TestNode_CloseBeforeDial(t *testing.T) {
	nodes := startNodes(t, 2)

	// A send that looked up its peer before Close must not open a connection
	pc, url, err := nodes[0].peer(1)
	require.NoError(t, err)
	require.NoError(t, nodes[0].Close())

	msg := AppendFrame(nil, Frame{Source: 0, Tag: 101, Values: []float64{1}})
	err = nodes[0].write(context.Background(), pc, 1, url, msg)
	require.ErrorIs(t, err, ErrNodeClosed)
	assert.Nil(t, pc.conn)
	assert.Zero(t, nodes[1].box.Queued())
}
