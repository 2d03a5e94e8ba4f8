// Package wsnet implements halo.Transport between processes over
// websocket connections. Each node serves /halo for incoming traffic and
// dials one outgoing connection per destination on first send.
package wsnet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/notargets/DGHalo/halo"
	"github.com/notargets/DGHalo/mailbox"
)

// Path is the HTTP path incoming halo traffic is upgraded on
const Path = "/halo"

var (
	// ErrUnknownPeer is returned when sending to a rank without an address
	ErrUnknownPeer = errors.New("wsnet: unknown peer")
	// ErrNodeClosed is returned by operations on a closed node
	ErrNodeClosed = errors.New("wsnet: node closed")
)

// Options configures a Node
type Options struct {
	HandshakeTimeout time.Duration // Dial handshake limit, 0 for the library default
	MaxMessageSize   int64         // Read limit per frame in bytes, 0 for no limit
	Logger           *slog.Logger  // Used as is; the node adds no rank attribute
}

// Node is the websocket transport of one rank
type Node struct {
	rank     int
	opts     Options
	logger   *slog.Logger
	box      *mailbox.Mailbox
	upgrader websocket.Upgrader
	dialer   websocket.Dialer

	mu       sync.Mutex
	peers    map[int]string
	outgoing map[int]*peerConn
	incoming map[*websocket.Conn]struct{}
	server   *http.Server
	closed   bool

	wg sync.WaitGroup
}

type peerConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

var _ halo.Transport = (*Node)(nil)

// NewNode creates the transport of rank. It does not listen until Serve.
func NewNode(rank int, opts Options) *Node {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Node{
		rank:   rank,
		opts:   opts,
		logger: logger,
		box:    mailbox.New(),
		dialer: websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		peers:    make(map[int]string),
		outgoing: make(map[int]*peerConn),
		incoming: make(map[*websocket.Conn]struct{}),
	}
}

// Rank returns the rank of the node
func (n *Node) Rank() int {
	return n.rank
}

// AddPeer records the address ("host:port" or a ws:// URL) of rank
func (n *Node) AddPeer(rank int, address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers[rank] = address
}

// Handler returns the HTTP handler accepting incoming peer connections
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(Path, n.serveWS)
	return mux
}

// Serve accepts peer connections on ln until Close
func (n *Node) Serve(ln net.Listener) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = ln.Close()
		return ErrNodeClosed
	}
	srv := &http.Server{Handler: n.Handler()}
	n.server = srv
	n.mu.Unlock()

	n.logger.Info("serving halo transport", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("wsnet: serve: %w", err)
	}
	return nil
}

// ListenAndServe listens on addr and calls Serve
func (n *Node) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("wsnet: listen %s: %w", addr, err)
	}
	return n.Serve(ln)
}

// PostReceive implements halo.Transport
func (n *Node) PostReceive(buf []float64, source, tag int) (halo.Request, error) {
	return n.box.Post(buf, source, tag), nil
}

// Send implements halo.Transport
func (n *Node) Send(ctx context.Context, buf []float64, dest, tag int) error {
	if dest == n.rank {
		return n.box.Deliver(n.rank, tag, buf)
	}

	pc, url, err := n.peer(dest)
	if err != nil {
		return err
	}
	return n.write(ctx, pc, dest, url, AppendFrame(nil, Frame{Source: n.rank, Tag: tag, Values: buf}))
}

// write sends msg on the connection to dest, dialing url first if the
// connection is not open yet
func (n *Node) write(ctx context.Context, pc *peerConn, dest int, url string, msg []byte) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.conn == nil {
		// Close may have drained pc after peer returned it
		if n.isClosed() {
			return ErrNodeClosed
		}
		conn, _, err := n.dialer.DialContext(ctx, url, nil)
		if err != nil {
			return fmt.Errorf("wsnet: dial rank %d at %s: %w", dest, url, err)
		}
		pc.conn = conn
		n.logger.Debug("connected to peer", "peer", dest, "url", url)
	}

	deadline, _ := ctx.Deadline()
	if err := pc.conn.SetWriteDeadline(deadline); err != nil {
		return n.dropOutgoing(pc, dest, err)
	}
	if err := pc.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return n.dropOutgoing(pc, dest, err)
	}
	return nil
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Close stops serving, closes every connection and fails pending receives
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	srv := n.server
	outgoing := n.outgoing
	n.outgoing = make(map[int]*peerConn)
	incoming := make([]*websocket.Conn, 0, len(n.incoming))
	for c := range n.incoming {
		incoming = append(incoming, c)
	}
	n.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Close()
	}
	for _, pc := range outgoing {
		pc.mu.Lock()
		if pc.conn != nil {
			_ = pc.conn.Close()
			pc.conn = nil
		}
		pc.mu.Unlock()
	}
	for _, c := range incoming {
		_ = c.Close()
	}
	n.wg.Wait()
	n.box.Close(ErrNodeClosed)
	return err
}

func (n *Node) peer(dest int) (*peerConn, string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, "", ErrNodeClosed
	}
	addr, ok := n.peers[dest]
	if !ok {
		return nil, "", fmt.Errorf("%w: rank %d", ErrUnknownPeer, dest)
	}
	pc, ok := n.outgoing[dest]
	if !ok {
		pc = &peerConn{}
		n.outgoing[dest] = pc
	}
	return pc, peerURL(addr), nil
}

// dropOutgoing closes a broken connection so the next send redials.
// The caller holds pc.mu.
func (n *Node) dropOutgoing(pc *peerConn, dest int, cause error) error {
	_ = pc.conn.Close()
	pc.conn = nil
	n.logger.Warn("dropped peer connection", "peer", dest, "error", cause)
	return fmt.Errorf("wsnet: send to rank %d: %w", dest, cause)
}

func (n *Node) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		_ = conn.Close()
		return
	}
	n.incoming[conn] = struct{}{}
	n.wg.Add(1)
	n.mu.Unlock()

	defer func() {
		n.mu.Lock()
		delete(n.incoming, conn)
		n.mu.Unlock()
		_ = conn.Close()
		n.wg.Done()
	}()

	if n.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(n.opts.MaxMessageSize)
	}
	n.readLoop(conn)
}

func (n *Node) readLoop(conn *websocket.Conn) {
	for {
		typ, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				n.logger.Debug("peer connection ended", "remote", conn.RemoteAddr().String(), "error", err)
			}
			return
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		f, err := DecodeFrame(data)
		if err != nil {
			n.logger.Warn("discarding connection", "remote", conn.RemoteAddr().String(), "error", err)
			return
		}
		if err := n.box.Deliver(f.Source, f.Tag, f.Values); err != nil {
			return
		}
	}
}

func peerURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "ws://" + addr + Path
}
