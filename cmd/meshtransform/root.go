package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/notargets/DGMesh/actions"
	"github.com/notargets/DGMesh/comm"
	"github.com/notargets/DGMesh/config"
	"github.com/notargets/DGMesh/errors"
	"github.com/notargets/DGMesh/mesh"
	"github.com/notargets/DGMesh/mesh/readers"
	"github.com/notargets/DGMesh/metrics"
	"github.com/notargets/DGMesh/partitions"
)

// options are the command line flags
type options struct {
	Inputs     []string
	Outputs    []string
	Transforms []string
	Ranks      int
	Config     string
	Fields     []string
	LogLevel   string
}

func (o *options) addFlags(flags *pflag.FlagSet) {
	flags.StringSliceVarP(&o.Inputs, "input", "i", nil,
		"mesh file read on rank 0 (.neu, .msh, .su2, .pmsh), or one file per rank")
	flags.StringSliceVarP(&o.Outputs, "output", "o", nil,
		"output file, rank r writing <stem>.P<r>.<ext>, or one file per rank")
	flags.StringSliceVarP(&o.Transforms, "transform", "t", []string{"partition"},
		"transformations to run in order: "+strings.Join(transformNames(), ", "))
	flags.IntVarP(&o.Ranks, "ranks", "n", 1, "number of in-process ranks")
	flags.StringVarP(&o.Config, "config", "c", "", "YAML configuration file")
	flags.StringSliceVar(&o.Fields, "fields", nil, "node fields to write besides the coordinates (default all)")
	flags.StringVar(&o.LogLevel, "log-level", "", "overrides the configured log level")
}

// NewRootCommand returns the meshtransform command
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	o := &options{}
	cmd := &cobra.Command{
		Use:   "meshtransform",
		Short: "Partition, overlap and renumber a mesh over in-process ranks",
		Long: `meshtransform reads a mesh on rank 0, leaves the other ranks empty and
runs the transformation chain on every rank. The first partition moves the
mesh from rank 0 to all ranks. Given one input per rank, each rank reads
its own part instead. Each rank writes the part it holds.

Transforms:
` + transformHelp(),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(o)
		},
	}
	o.addFlags(cmd.Flags())
	_ = cmd.MarkFlagRequired("input")
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd
}

func loadConfig(o *options) (*config.Config, error) {
	cfg := config.Default()
	if o.Config != "" {
		var err error
		if cfg, err = config.Load(o.Config); err != nil {
			return nil, err
		}
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	return cfg, cfg.Validate()
}

func run(o *options) error {
	if o.Ranks < 1 {
		return errors.Newf(errors.ErrSetup, "need at least one rank, got %d", o.Ranks)
	}
	cfg, err := loadConfig(o)
	if err != nil {
		return err
	}
	log, err := cfg.NewLogger()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	chain := make([]transform, 0, len(o.Transforms))
	for _, name := range o.Transforms {
		t, ok := transforms[strings.ToLower(strings.TrimSpace(name))]
		if !ok {
			return errors.Newf(errors.ErrSetup, "unknown transform %q (have %s)", name, strings.Join(transformNames(), ", "))
		}
		chain = append(chain, t)
	}
	inputs, err := perRank(o.Inputs, o.Ranks, "input", false)
	if err != nil {
		return err
	}
	outputs, err := perRank(o.Outputs, o.Ranks, "output", true)
	if err != nil {
		return err
	}
	rdrs := make([]readers.Reader, o.Ranks)
	wrts := make([]readers.Writer, o.Ranks)
	for r := 0; r < o.Ranks; r++ {
		if inputs[r] != "" {
			if rdrs[r], err = readers.ReaderFor(inputs[r]); err != nil {
				return err
			}
			if g, ok := rdrs[r].(*readers.GocfdReader); ok {
				g.Log = log
				if len(o.Inputs) == 1 && cfg.Partitioner.Backend == partitions.Presplit.String() {
					g.Partitions = o.Ranks
					g.Imbalance = cfg.Partitioner.Imbalance
				}
			}
		}
		if outputs[r] != "" {
			if wrts[r], err = readers.WriterFor(outputs[r]); err != nil {
				return err
			}
			if o.Fields != nil {
				wrts[r].SetFields(o.Fields)
			}
		}
	}

	reg := prometheus.NewRegistry()
	if err := metrics.Register(reg); err != nil {
		return errors.WrapCode(err, errors.ErrSetup, "registering metrics")
	}

	err = comm.RunLocal(o.Ranks, func(c comm.Communicator) error {
		rlog := log.With(zap.Int("rank", c.Rank()))
		m := mesh.NewMesh("", 1, c.Rank())
		if r := rdrs[c.Rank()]; r != nil {
			if err := r.ReadMeshInto(inputs[c.Rank()], m); err != nil {
				return err
			}
		}
		env := &env{c: c, m: m, cfg: cfg, log: rlog}
		for i, t := range chain {
			if err := t.run(env); err != nil {
				return errors.WithMessagef(err, "transform %d (%s)", i, t.name)
			}
		}
		w := wrts[c.Rank()]
		if w == nil {
			return nil
		}
		path := outputs[c.Rank()]
		if err := w.WriteFromTo(m, path); err != nil {
			return err
		}
		rlog.Info("wrote mesh", zap.String("path", path))
		return nil
	})
	if err != nil {
		return err
	}
	logMetrics(log, reg)
	return nil
}

// perRank spreads files over ranks. One file goes to rank 0, or to every
// rank through RankPath when spread is set; otherwise there must be one
// file per rank.
func perRank(files []string, ranks int, flag string, spread bool) ([]string, error) {
	out := make([]string, ranks)
	switch {
	case len(files) == 0:
	case len(files) == 1 && spread:
		for r := range out {
			out[r] = readers.RankPath(files[0], r)
		}
	case len(files) == 1:
		out[0] = files[0]
	case len(files) == ranks:
		copy(out, files)
	default:
		return nil, errors.Newf(errors.ErrSetup, "%d %s files for %d ranks", len(files), flag, ranks)
	}
	return out, nil
}

// logMetrics logs the collected counters and gauges
func logMetrics(log *zap.Logger, reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		log.Warn("gathering metrics", zap.Error(err))
		return
	}
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			fields := []zap.Field{zap.String("metric", mf.GetName())}
			for _, lp := range metric.GetLabel() {
				fields = append(fields, zap.String(lp.GetName(), lp.GetValue()))
			}
			switch {
			case metric.GetCounter() != nil:
				fields = append(fields, zap.Float64("value", metric.GetCounter().GetValue()))
			case metric.GetGauge() != nil:
				fields = append(fields, zap.Float64("value", metric.GetGauge().GetValue()))
			}
			log.Info("metric", fields...)
		}
	}
}

// env is what a transform works on, per rank
type env struct {
	c   comm.Communicator
	m   *mesh.Mesh
	cfg *config.Config
	log *zap.Logger
}

type transform struct {
	name string
	help string
	run  func(e *env) error
}

var transforms = map[string]transform{
	"partition": {"partition", "partition with the configured backend and migrate", func(e *env) error {
		pc, err := e.cfg.PartitionerConfig()
		if err != nil {
			return err
		}
		p, err := partitions.New(e.c, pc, partitions.WithLogger(e.log))
		if err != nil {
			return err
		}
		return p.Execute(e.m)
	}},
	"overlap": {"overlap", "grow one ghost layer", func(e *env) error {
		return (&actions.GrowOverlap{Layers: 1, Log: e.log}).Execute(e.c, e.m)
	}},
	"prune": {"prune", "remove elements whose nodes are all ghosts", func(e *env) error {
		return (&actions.RemoveGhostElements{Log: e.log}).Execute(e.c, e.m)
	}},
	"boundary": {"boundary", "copy boundary nodes to every rank holding boundary elements", func(e *env) error {
		return (&actions.MakeBoundaryGlobal{Log: e.log}).Execute(e.c, e.m)
	}},
	"sync": {"sync", "refresh ghost node fields from their owners", func(e *env) error {
		return (&actions.SynchronizeGhosts{Log: e.log}).Execute(e.c, e.m)
	}},
	"renumber": {"renumber", "give owned rows contiguous global ids per rank", func(e *env) error {
		return (&actions.GlobalNumbering{HashCoordinates: e.cfg.Numbering.HashCoordinates, Log: e.log}).Execute(e.c, e.m)
	}},
	"stats": {"stats", "log local and global counts", func(e *env) error {
		if err := e.m.UpdateStatistics(e.c); err != nil {
			return err
		}
		s := e.m.Stats
		e.log.Info("mesh statistics",
			zap.String("mesh", e.m.Name),
			zap.Int("nodes", s.LocalNodes),
			zap.Int("ghostNodes", s.GhostNodes),
			zap.Int("elements", s.LocalElements),
			zap.Int("ghostElements", s.GhostElements),
			zap.Int("globalNodes", s.GlobalNodes),
			zap.Int("globalElements", s.GlobalElements))
		return nil
	}},
}

func transformHelp() string {
	var sb strings.Builder
	for _, n := range transformNames() {
		fmt.Fprintf(&sb, "  %-10s %s\n", n, transforms[n].help)
	}
	return sb.String()
}

func transformNames() []string {
	names := make([]string, 0, len(transforms))
	for n := range transforms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
