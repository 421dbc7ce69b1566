package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"taskfarm/config"
	"taskfarm/errs"
	"taskfarm/farm"
	"taskfarm/observability"
)

var rootCmd = &cobra.Command{
	Use:           "taskfarm",
	Short:         "Run a task over a batch of inputs on a cluster of worker processes",
	SilenceUsage:  true,
	SilenceErrors: true,
}

type runFlags struct {
	configPath string
	processes  int
	inProcess  bool
	task       string
	items      int
	numerator  float64
	file       string
	stream     bool
}

func newRunCommand() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a cluster, run one batch of a built-in task and print the results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd.OutOrStdout(), f)
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.configPath, "config", "c", "", "config file (default $TASKFARM_CONFIG or ./taskfarm.yaml)")
	flags.IntVarP(&f.processes, "processes", "n", 0, "cluster members including the coordinator (overrides config)")
	flags.BoolVar(&f.inProcess, "inprocess", false, "run members as goroutines of this process")
	flags.StringVarP(&f.task, "task", "t", "square", "built-in task: identity, square, reciprocal or words")
	flags.IntVar(&f.items, "items", 20, "number of inputs 0..items-1 for numeric tasks")
	flags.Float64Var(&f.numerator, "numerator", 1, "numerator of the reciprocal task")
	flags.StringVarP(&f.file, "file", "f", "", "input file for the words task, one input per line")
	flags.BoolVarP(&f.stream, "stream", "s", false, "stream results in order as they complete")
	return cmd
}

var memberCmd = &cobra.Command{
	Use:    "member",
	Short:  "Cluster member entry point; started by the exec launcher",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load("")
		if err != nil {
			return err
		}
		log, err := observability.SetupLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer log.Sync()

		g, err := farm.JoinGroup(cmd.Context(), cfg, log.With(zap.Int("rank", cfg.Member.Rank)))
		if err != nil {
			log.Error("cannot join cluster", zap.Int("rank", cfg.Member.Rank), zap.Error(err))
			return err
		}
		defer g.Close()
		return farm.RunMember(cmd.Context(), cfg, g, log)
	},
}

func init() {
	rootCmd.AddCommand(newRunCommand(), memberCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "taskfarm failed: %v\n", err)
		os.Exit(1)
	}
}

// job is one demo batch: what to run and how to print its results.
type job struct {
	task   farm.Task
	inputs [][]byte
	show   func(w io.Writer, r farm.Result)
	done   func(w io.Writer)
}

func run(ctx context.Context, out io.Writer, f runFlags) error {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.processes > 0 {
		cfg.Cluster.Processes = f.processes
	}
	if f.inProcess {
		cfg.Cluster.Launcher = config.LauncherInProcess
		cfg.Cluster.Transport = config.TransportLocal
	}
	log, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()

	j, err := buildJob(f)
	if err != nil {
		return err
	}

	return farm.WithCluster(ctx, cfg, func(c *farm.Cluster) error {
		if f.stream {
			s, err := c.IMap(ctx, j.task, j.inputs)
			if err != nil {
				return err
			}
			defer s.Close()
			for r := range s.All() {
				j.show(out, r)
			}
			if err := s.Err(); err != nil {
				return err
			}
		} else {
			results, err := c.Map(ctx, j.task, j.inputs)
			if err != nil {
				return err
			}
			for _, r := range results {
				j.show(out, r)
			}
		}
		if j.done != nil {
			j.done(out)
		}
		return nil
	}, farm.WithLogger(log))
}

func buildJob(f runFlags) (*job, error) {
	numbers := func() []int {
		xs := make([]int, f.items)
		for i := range xs {
			xs[i] = i
		}
		return xs
	}

	switch f.task {
	case "identity", "square":
		inputs, err := farm.EncodeAll(numbers())
		if err != nil {
			return nil, err
		}
		return &job{task: farm.Task{Name: f.task}, inputs: inputs, show: showTyped[int]}, nil

	case "reciprocal":
		xs := make([]float64, f.items)
		for i := range xs {
			xs[i] = float64(i)
		}
		inputs, err := farm.EncodeAll(xs)
		if err != nil {
			return nil, err
		}
		task, err := farm.TypedTask("reciprocal", f.numerator)
		if err != nil {
			return nil, err
		}
		return &job{task: task, inputs: inputs, show: showTyped[float64]}, nil

	case "words":
		lines, err := readLines(f.file)
		if err != nil {
			return nil, err
		}
		inputs, err := farm.EncodeAll(lines)
		if err != nil {
			return nil, err
		}
		counts := map[string]int{}
		return &job{
			task:   farm.Task{Name: "words"},
			inputs: inputs,
			show: func(w io.Writer, r farm.Result) {
				words, err := farm.DecodeResult[[]string](r)
				if err != nil {
					fmt.Fprintf(w, "%d\terror: %v\n", r.Index, err)
					return
				}
				for _, word := range words {
					counts[word]++
				}
			},
			done: func(w io.Writer) {
				keys := make([]string, 0, len(counts))
				for k := range counts {
					keys = append(keys, k)
				}
				sort.Slice(keys, func(a, b int) bool {
					if counts[keys[a]] != counts[keys[b]] {
						return counts[keys[a]] > counts[keys[b]]
					}
					return keys[a] < keys[b]
				})
				for _, k := range keys {
					fmt.Fprintf(w, "%s\t%d\n", k, counts[k])
				}
			},
		}, nil
	}
	return nil, errs.ConfigError.New("unknown task %q", f.task)
}

func showTyped[T any](w io.Writer, r farm.Result) {
	v, err := farm.DecodeResult[T](r)
	if err != nil {
		fmt.Fprintf(w, "%d\terror: %v\n", r.Index, err)
		return
	}
	fmt.Fprintf(w, "%d\t%v\n", r.Index, v)
}

func readLines(path string) ([]string, error) {
	if path == "" {
		return nil, errs.ConfigError.New("the words task needs --file")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
