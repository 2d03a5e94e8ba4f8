// Command halorank runs halo exchanges, either as one rank of a
// multi-process job described by a run file, or as a whole in-process job
// over a generated block grid.
//
//	halorank -config rank0.hcl
//	halorank -local -nx 65 -ny 33 -px 4 -py 2 -iterations 10
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/notargets/DGHalo/config"
	"github.com/notargets/DGHalo/halo"
	"github.com/notargets/DGHalo/loopback"
	"github.com/notargets/DGHalo/partitions"
	"github.com/notargets/DGHalo/wsnet"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

// ExitError carries the process exit code of a failed run
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

type options struct {
	configPath string
	local      bool
	nx, ny     int
	px, py     int
	components int
	layout     string
	iterations int
	timeout    time.Duration
	logFormat  string
	logLevel   string
}

func main() {
	if err := run(os.Args[1:], os.Stderr); err != nil {
		code := 1
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.Code
		}
		fmt.Fprintln(os.Stderr, "halorank:", err)
		os.Exit(code)
	}
}

func run(args []string, output io.Writer) error {
	opts, help, err := parseFlags(args, output)
	if err != nil || help {
		return err
	}

	logger, err := newLogger(output, opts.logFormat, opts.logLevel)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}

	ctx := context.Background()
	if opts.local {
		return runLocal(ctx, opts, logger)
	}
	return runConfig(ctx, opts, logger)
}

func parseFlags(args []string, output io.Writer) (*options, bool, error) {
	flagSet := flag.NewFlagSet("halorank", flag.ContinueOnError)
	flagSet.SetOutput(output)

	opts := &options{}
	flagSet.StringVar(&opts.configPath, "config", "", "Path to the run file of this rank.")
	flagSet.BoolVar(&opts.local, "local", false, "Run every rank in-process over a generated block grid.")
	flagSet.IntVar(&opts.nx, "nx", 17, "Grid nodes in x (local mode).")
	flagSet.IntVar(&opts.ny, "ny", 9, "Grid nodes in y (local mode).")
	flagSet.IntVar(&opts.px, "px", 2, "Blocks in x (local mode).")
	flagSet.IntVar(&opts.py, "py", 1, "Blocks in y (local mode).")
	flagSet.IntVar(&opts.components, "components", 1, "Components per node (local mode).")
	flagSet.StringVar(&opts.layout, "layout", "component-major", "Value layout: 'component-major' or 'node-major' (local mode).")
	flagSet.IntVar(&opts.iterations, "iterations", 3, "Exchanges to perform (local mode).")
	flagSet.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Wait timeout per exchange (local mode).")
	flagSet.StringVar(&opts.logFormat, "log-format", "text", "Log output format. Options: 'text' or 'json'.")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}
	if !opts.local && opts.configPath == "" {
		flagSet.Usage()
		return nil, false, &ExitError{Code: 2, Message: "either -config or -local is required"}
	}
	if opts.iterations < 1 {
		return nil, false, &ExitError{Code: 2, Message: "iterations must be >= 1"}
	}
	return opts, false, nil
}

func newLogger(output io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log-level %q: must be 'debug', 'info', 'warn', or 'error'", level)
	}

	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(output, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(output, handlerOpts)), nil
	}
	return nil, fmt.Errorf("invalid log-format %q: must be 'text' or 'json'", format)
}

// localMultiplicity counts the processes holding each local node: the
// owner plus one per neighbor listing it
func localMultiplicity(in *halo.Interface, localNodes int) []float64 {
	mult := make([]float64, localNodes)
	for i := range mult {
		mult[i] = 1
	}
	for _, n := range in.Nodes {
		mult[n-1]++
	}
	return mult
}

// iterate performs the exchanges of one rank. The first exchange sums a
// consistent field across ranks; every later one first divides shared
// entries by their multiplicity, which leaves a consistent field unchanged.
func iterate(ctx context.Context, ex *halo.Exchanger, p halo.Params, values, mult []float64,
	iterations int, logger *slog.Logger) error {

	for it := 0; it < iterations; it++ {
		if it > 0 {
			for n, m := range mult {
				for k := 0; k < p.Components; k++ {
					off := n*p.Components + k
					if p.Layout == halo.ComponentMajor {
						off = k*p.LocalNodes + n
					}
					values[off] /= m
				}
			}
		}
		if err := ex.Exchange(ctx, values); err != nil {
			return fmt.Errorf("iteration %d: %w", it, err)
		}
		st := ex.LastStats()
		logger.Info("exchange complete",
			"iteration", it,
			"sum", floats.Sum(values),
			"norm", mat.Norm(mat.NewVecDense(len(values), values), 2),
			"messages", st.MessagesSent,
			"values", st.ValuesSent,
			"wait", st.Wait)
	}
	return nil
}

func runLocal(ctx context.Context, opts *options, logger *slog.Logger) error {
	layout, err := halo.ParseLayout(opts.layout)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	d, err := partitions.BlockGrid(opts.nx, opts.ny, opts.px, opts.py)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}

	stats := d.Statistics()
	logger.Info("decomposition built",
		"ranks", stats.NumRanks,
		"max_neighbors", stats.MaxNeighbors,
		"interface_nodes", stats.TotalVolume,
		"imbalance", stats.Imbalance)

	world := loopback.NewWorld(d.NumRanks())
	defer world.Close()

	errs := make([]error, d.NumRanks())
	values := make([][]float64, d.NumRanks())
	var wg sync.WaitGroup
	for r := range d.Ranks {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			ri := d.Ranks[r]
			p := halo.Params{LocalNodes: ri.LocalNodes, Components: opts.components, Layout: layout, Rank: r}
			pl, err := halo.NewPlan(ri.Interface, p)
			if err != nil {
				errs[r] = err
				return
			}
			ep, err := world.Endpoint(r)
			if err != nil {
				errs[r] = err
				return
			}
			rankLogger := logger.With("rank", r)
			ex := halo.NewExchanger(ep, pl, halo.WithLogger(rankLogger), halo.WithWaitTimeout(opts.timeout))

			values[r] = make([]float64, p.ValueCount())
			for i := range values[r] {
				values[r][i] = 1
			}
			mult := localMultiplicity(ri.Interface, ri.LocalNodes)
			errs[r] = iterate(ctx, ex, p, values[r], mult, opts.iterations, rankLogger)
		}(r)
	}
	wg.Wait()
	if err := errors.Join(errs...); err != nil {
		return err
	}

	// A field of ones summed across ranks is the node multiplicity
	global := d.Multiplicity()
	for r, ri := range d.Ranks {
		for l, g := range ri.LocalToGlobal {
			for k := 0; k < opts.components; k++ {
				off := l*opts.components + k
				if layout == halo.ComponentMajor {
					off = k*ri.LocalNodes + l
				}
				if got := values[r][off]; !scalar.EqualWithinAbsOrRel(got, float64(global[g]), 1e-12, 1e-12) {
					return fmt.Errorf("rank %d node %d component %d: got %g, want %d", r, l, k, got, global[g])
				}
			}
		}
	}

	receives, messages := world.Pending()
	logger.Info("local run verified", "ranks", d.NumRanks(), "iterations", opts.iterations,
		"pending_receives", receives, "pending_messages", messages)
	return nil
}

func runConfig(ctx context.Context, opts *options, logger *slog.Logger) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return &ExitError{Code: 2, Message: err.Error()}
	}
	logger = logger.With("rank", cfg.Rank)

	node := wsnet.NewNode(cfg.Rank, wsnet.Options{
		HandshakeTimeout: 10 * time.Second,
		Logger:           logger,
	})
	defer node.Close()

	addrs := make([]string, 0, len(cfg.Peers))
	for _, p := range cfg.Peers {
		node.AddPeer(p.Rank, p.Address)
		addrs = append(addrs, p.Address)
	}

	serveErr := make(chan error, 1)
	if cfg.Listen != "" {
		go func() { serveErr <- node.ListenAndServe(cfg.Listen) }()
	}

	readyCtx, cancel := context.WithTimeout(ctx, startupTimeout(cfg.WaitTimeout()))
	defer cancel()
	if err := waitForPeers(readyCtx, addrs, serveErr); err != nil {
		return err
	}

	pl, err := halo.NewPlan(cfg.Interface(), cfg.Params())
	if err != nil {
		return err
	}
	ex := halo.NewExchanger(node, pl, halo.WithLogger(logger), halo.WithWaitTimeout(cfg.WaitTimeout()))

	values := cfg.InitialValues()
	mult := localMultiplicity(cfg.Interface(), cfg.LocalNodes)
	if err := iterate(ctx, ex, cfg.Params(), values, mult, cfg.Iterations, logger); err != nil {
		return err
	}
	logger.Info("run complete", "iterations", ex.Calls())
	return nil
}

func startupTimeout(wait time.Duration) time.Duration {
	if wait > 0 {
		return wait
	}
	return time.Minute
}

// waitForPeers polls every peer address until it accepts TCP connections
func waitForPeers(ctx context.Context, addrs []string, serveErr <-chan error) error {
	for _, addr := range addrs {
		for {
			conn, err := net.DialTimeout("tcp", addr, time.Second)
			if err == nil {
				_ = conn.Close()
				break
			}
			select {
			case err := <-serveErr:
				return fmt.Errorf("listener stopped: %w", err)
			case <-ctx.Done():
				return fmt.Errorf("peer %s not reachable: %w", addr, ctx.Err())
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
	return nil
}
