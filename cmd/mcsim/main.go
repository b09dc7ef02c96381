// Command mcsim runs the mode-decision controller over synthetic or raw
// pictures with a synthetic cost model and prints what it decided.
//
// Usage:
//
//	mcsim search [options]    One pass over a picture
//	mcsim twopass [options]   Two passes, the second restoring the first pass's cached results
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"time"

	"github.com/deepteams/modectrl"
	"github.com/deepteams/modectrl/internal/cu"
	"github.com/deepteams/modectrl/internal/mode"
	"github.com/deepteams/modectrl/internal/sim"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if errors.Is(err, errUsage) {
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "mcsim: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) < 1 {
		printUsage(stderr)
		return errUsage
	}
	switch args[0] {
	case "search":
		return runSearch(ctx, args[1:], stdin, stdout, stderr)
	case "twopass":
		return runTwoPass(ctx, args[1:], stdin, stdout, stderr)
	case "-h", "-help", "--help", "help":
		printUsage(stdout)
		return nil
	}
	fmt.Fprintf(stderr, "mcsim: unknown command %q\n\n", args[0])
	printUsage(stderr)
	return errUsage
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `Usage:
  mcsim search [options]    Search one picture and print the decisions
  mcsim twopass [options]   Search twice, reusing the first pass's cached results

Without -i a synthetic picture is generated from -seed. Use "-i -" to read
raw 8-bit luma from stdin.

Run "mcsim <command> -h" for command-specific options.
`)
}

// common holds the flags shared by every subcommand.
type common struct {
	width, height int
	seed          uint64
	input, ref    string
	preset        string
	qp, poc       int
	sliceType     string
	ctu           int
	threads       int
	maxDQP        int
	adaptiveQP    bool
	lossless      bool
	verbose       bool
	logFormat     string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.IntVar(&c.width, "width", 128, "picture width")
	fs.IntVar(&c.height, "height", 128, "picture height")
	fs.Uint64Var(&c.seed, "seed", 1, "seed of the synthetic picture")
	fs.StringVar(&c.input, "i", "", `raw 8-bit luma input ("-" for stdin)`)
	fs.StringVar(&c.ref, "r", "", "raw 8-bit luma reference (default: the input)")
	fs.StringVar(&c.preset, "preset", "default", "preset: default/fast/thorough")
	fs.IntVar(&c.qp, "qp", 32, "slice QP")
	fs.IntVar(&c.poc, "poc", 8, "picture order count")
	fs.StringVar(&c.sliceType, "slice", "B", "slice type: B/P/I")
	fs.IntVar(&c.ctu, "ctu", 128, "CTU size: 32, 64 or 128")
	fs.IntVar(&c.threads, "threads", 1, "parallel split workers")
	fs.IntVar(&c.maxDQP, "dqp", 0, "maximum CU delta QP (enables delta QP)")
	fs.BoolVar(&c.adaptiveQP, "aq", false, "activity-based adaptive QP")
	fs.BoolVar(&c.lossless, "lossless", false, "also search lossless coding")
	fs.BoolVar(&c.verbose, "v", false, "log controller decisions")
	fs.StringVar(&c.logFormat, "log-format", "text", "log format: text/json")
}

func (c *common) logger(stderr io.Writer) (*modectrl.Logger, error) {
	level := slog.LevelInfo
	if c.verbose {
		level = slog.LevelDebug
	}
	switch strings.ToLower(c.logFormat) {
	case "text":
		return modectrl.NewTextLogger(stderr, level), nil
	case "json":
		return modectrl.NewJSONLogger(stderr, level), nil
	}
	return nil, fmt.Errorf("unknown log format %q", c.logFormat)
}

func (c *common) options(log *modectrl.Logger) (*modectrl.Options, error) {
	p, err := modectrl.ParsePreset(strings.ToLower(c.preset))
	if err != nil {
		return nil, err
	}
	opts := modectrl.OptionsForPreset(p)
	opts.NumSplitThreads = c.threads
	opts.MaxDeltaQP = c.maxDQP
	opts.AdaptiveQP = c.adaptiveQP
	opts.Lossless = c.lossless
	opts.Logger = log
	return opts, opts.Validate()
}

func (c *common) slice() (*modectrl.Slice, error) {
	var st cu.SliceType
	switch strings.ToUpper(c.sliceType) {
	case "B":
		st = cu.BSlice
	case "P":
		st = cu.PSlice
	case "I":
		st = cu.ISlice
	default:
		return nil, fmt.Errorf("unknown slice type %q (use B/P/I)", c.sliceType)
	}
	switch c.ctu {
	case 32, 64, 128:
	default:
		return nil, fmt.Errorf("unsupported CTU size %d", c.ctu)
	}
	if c.qp < 0 || c.qp > cu.MaxQP {
		return nil, fmt.Errorf("QP %d out of range 0-%d", c.qp, cu.MaxQP)
	}
	sps := cu.DefaultSPS(c.width, c.height)
	sps.CTUSize = c.ctu
	sps.MaxBTSize = min(sps.MaxBTSize, c.ctu)
	sps.MaxTTSize = min(sps.MaxTTSize, c.ctu/2)
	pps := &modectrl.PPS{
		UseDQP:                  c.maxDQP > 0 || c.adaptiveQP,
		TransquantBypassEnabled: c.lossless,
	}
	if pps.UseDQP {
		pps.MaxCuDQPDepth = 1
	}
	return &modectrl.Slice{
		POC:        c.poc,
		Type:       st,
		QP:         c.qp,
		RateCtrlQP: -1,
		NumRefIdx:  [cu.NumRefLists]int{1, 1},
		SPS:        sps,
		PPS:        pps,
	}, nil
}

// openInput returns the reader for path. "-" is stdin, which the caller
// must not close.
func openInput(path string, stdin io.Reader) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(stdin), nil
	}
	return os.Open(path)
}

func readPlane(path string, stdin io.Reader, w, h int) ([]int16, error) {
	in, err := openInput(path, stdin)
	if err != nil {
		return nil, err
	}
	defer in.Close()
	buf := make([]byte, w*h)
	if _, err := io.ReadFull(in, buf); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	plane := make([]int16, w*h)
	for i, v := range buf {
		plane[i] = int16(v)
	}
	return plane, nil
}

func (c *common) picture(stdin io.Reader) (*sim.Picture, error) {
	if c.input == "" {
		return sim.Generate(c.width, c.height, c.seed), nil
	}
	org, err := readPlane(c.input, stdin, c.width, c.height)
	if err != nil {
		return nil, err
	}
	ref := org
	if c.ref != "" {
		if ref, err = readPlane(c.ref, stdin, c.width, c.height); err != nil {
			return nil, err
		}
	}
	return sim.NewPicture(c.width, c.height, org, ref)
}

// setup parses the shared flags into a slice and a picture.
type setup struct {
	log   *modectrl.Logger
	opts  *modectrl.Options
	slice *modectrl.Slice
	pic   *sim.Picture
}

func (c *common) setup(stdin io.Reader, stderr io.Writer) (*setup, error) {
	log, err := c.logger(stderr)
	if err != nil {
		return nil, err
	}
	opts, err := c.options(log)
	if err != nil {
		return nil, err
	}
	slice, err := c.slice()
	if err != nil {
		return nil, err
	}
	pic, err := c.picture(stdin)
	if err != nil {
		return nil, err
	}
	return &setup{log: log, opts: opts, slice: slice, pic: pic}, nil
}

func (s *setup) pass(ctx context.Context, c *modectrl.Controller) (*sim.Stats, error) {
	d, err := sim.NewDriver(c, sim.NewSynthetic(s.pic), s.pic, s.slice.SPS)
	if err != nil {
		return nil, err
	}
	st, err := d.CompressSlice(ctx, s.slice)
	if err != nil {
		s.log.LogPass(ctx, s.slice.POC, 0, 0, err)
		return nil, err
	}
	s.log.LogPass(ctx, s.slice.POC, st.CTUs, st.Cost, nil)
	return st, nil
}

// --- search ---

func runSearch(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("search", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	s, err := c.setup(stdin, stderr)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	ctl, err := modectrl.New(s.opts)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	st, err := s.pass(ctx, ctl)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	printStats(stdout, "search", st)
	return nil
}

// --- twopass ---

func runTwoPass(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("twopass", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var c common
	c.register(fs)
	compression := fs.String("c", "zstd", "cache compression: none/lz4/zstd")
	cachePath := fs.String("cache", "", "also write the first pass's cache to this file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ct, err := parseCompression(*compression)
	if err != nil {
		return fmt.Errorf("twopass: %w", err)
	}
	s, err := c.setup(stdin, stderr)
	if err != nil {
		return fmt.Errorf("twopass: %w", err)
	}

	first, err := modectrl.New(s.opts)
	if err != nil {
		return fmt.Errorf("twopass: %w", err)
	}
	st1, err := s.pass(ctx, first)
	if err != nil {
		return fmt.Errorf("twopass: first pass: %w", err)
	}
	var cache bytes.Buffer
	if err := modectrl.ExportBestCache(first, &cache, ct); err != nil {
		return fmt.Errorf("twopass: %w", err)
	}
	s.log.Info("cache exported", "bytes", cache.Len(), "compression", *compression)
	if *cachePath != "" {
		if err := os.WriteFile(*cachePath, cache.Bytes(), 0o644); err != nil {
			return fmt.Errorf("twopass: %w", err)
		}
	}

	second, err := modectrl.New(s.opts)
	if err != nil {
		return fmt.Errorf("twopass: %w", err)
	}
	if err := modectrl.ImportBestCache(second, &cache); err != nil {
		return fmt.Errorf("twopass: %w", err)
	}
	st2, err := s.pass(ctx, second)
	if err != nil {
		return fmt.Errorf("twopass: second pass: %w", err)
	}
	printStats(stdout, "pass 1", st1)
	printStats(stdout, "pass 2", st2)
	return nil
}

func parseCompression(s string) (modectrl.Compression, error) {
	switch strings.ToLower(s) {
	case "none":
		return modectrl.CompressionNone, nil
	case "lz4":
		return modectrl.CompressionLZ4, nil
	case "zstd":
		return modectrl.CompressionZSTD, nil
	}
	return 0, fmt.Errorf("unknown compression %q (use none/lz4/zstd)", s)
}

func printStats(w io.Writer, title string, st *sim.Stats) {
	fmt.Fprintf(w, "%s: %d CTUs, %d CUs, cost %.1f, %d bits, PSNR %.2f dB\n",
		title, st.CTUs, st.CUs, st.Cost, st.Bits, st.PSNR)
	fmt.Fprintf(w, "  trials %d, cache hits %d, cutoffs %d, parallel nodes %d, %v\n",
		st.Trials, st.CacheHits, st.Cutoffs, st.ParallelNodes, st.Elapsed.Round(time.Microsecond))
	kinds := make([]mode.Kind, 0, len(st.Modes))
	for k := range st.Modes {
		kinds = append(kinds, k)
	}
	slices.Sort(kinds)
	for _, k := range kinds {
		fmt.Fprintf(w, "  %-10s %d\n", k, st.Modes[k])
	}
}
