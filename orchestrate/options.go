package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jingyi7777/adapt-seq-design/internal/domain"
	"github.com/jingyi7777/adapt-seq-design/internal/platform/env"
)

const (
	exitOK         = 0
	exitFailure    = 1
	exitMisconfig  = 2
	executorLocal  = "process"
	executorDocker = "docker"
)

type options struct {
	jobs        int
	gpu         int
	gpus        []string
	seed        int
	seedSet     bool
	dryRun      bool
	failSoft    bool
	planPath    string
	executor    string
	dockerImage string
	dockerBin   string
	killGrace   time.Duration
	tokens      []string
}

// envDefaults holds flag defaults that can be preset through the environment.
type envDefaults struct {
	jobs        int
	executor    string
	dockerImage string
	dockerBin   string
	killGrace   time.Duration
}

func envDefaultsFromEnv() (envDefaults, error) {
	jobs, err := env.Int("ADAPT_JOBS", 1)
	if err != nil {
		return envDefaults{}, err
	}
	killGrace, err := env.Duration("ADAPT_KILL_GRACE", 10*time.Second)
	if err != nil {
		return envDefaults{}, err
	}
	return envDefaults{
		jobs:        jobs,
		executor:    env.String("ADAPT_EXECUTOR", executorLocal),
		dockerImage: env.String("ADAPT_DOCKER_IMAGE", ""),
		dockerBin:   env.String("ADAPT_DOCKER_BIN", "docker"),
		killGrace:   killGrace,
	}, nil
}

// parseOptions parses flags; the remaining arguments are selector tokens.
// Usage errors are returned as-is and reported with exit status 1.
func parseOptions(args []string, defaults envDefaults, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("orchestrate", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(fs, stderr) }

	var opts options
	var gpus string
	fs.IntVar(&opts.jobs, "jobs", defaults.jobs, "maximum number of concurrent child processes")
	fs.IntVar(&opts.gpu, "gpu", domain.NoGPU, "device index passed to every invocation (-1 for none)")
	fs.StringVar(&gpus, "gpus", "", "comma-separated device pool; each running job holds one device")
	fs.IntVar(&opts.seed, "seed", 0, "seed for predictor and GAN runs (default ADAPT_SEED)")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "print the planned invocations as YAML and exit")
	fs.BoolVar(&opts.failSoft, "fail-soft", false, "exit 0 after failures and write a failures report under the out root")
	fs.StringVar(&opts.planPath, "plan", "", "YAML file listing several runs")
	fs.StringVar(&opts.executor, "executor", defaults.executor, "executor backend: process or docker")
	fs.StringVar(&opts.dockerImage, "docker-image", defaults.dockerImage, "image used by the docker executor")
	fs.DurationVar(&opts.killGrace, "kill-grace", defaults.killGrace, "time between SIGTERM and SIGKILL on cancellation")
	opts.dockerBin = defaults.dockerBin

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "seed" {
			opts.seedSet = true
		}
	})
	opts.tokens = fs.Args()

	for _, g := range strings.Split(gpus, ",") {
		if g = strings.TrimSpace(g); g != "" {
			opts.gpus = append(opts.gpus, g)
		}
	}
	return opts, opts.validate()
}

func (o options) validate() error {
	var issues []string
	if o.jobs < 1 {
		issues = append(issues, "-jobs must be >= 1")
	}
	if o.gpu < domain.NoGPU {
		issues = append(issues, "-gpu must be >= 0 or -1")
	}
	if o.gpu != domain.NoGPU && len(o.gpus) > 0 {
		issues = append(issues, "-gpu and -gpus are mutually exclusive")
	}
	if o.seedSet && o.seed < 0 {
		issues = append(issues, "-seed must be >= 0")
	}
	if o.planPath != "" && len(o.tokens) > 0 {
		issues = append(issues, "-plan cannot be combined with selector arguments")
	}
	if o.planPath == "" && len(o.tokens) == 0 {
		issues = append(issues, "a mode is required")
	}
	switch o.executor {
	case executorLocal:
	case executorDocker:
		if strings.TrimSpace(o.dockerImage) == "" {
			issues = append(issues, "-docker-image is required with -executor docker")
		}
	default:
		issues = append(issues, fmt.Sprintf("-executor must be %s or %s, got %q", executorLocal, executorDocker, o.executor))
	}
	if o.killGrace <= 0 {
		issues = append(issues, "-kill-grace must be positive")
	}
	if len(issues) == 0 {
		return nil
	}
	return errors.New(strings.Join(issues, "; "))
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "usage: orchestrate [flags] <mode> <sub-mode> [operation] [params...]")
	fmt.Fprintln(w, "       orchestrate [flags] -plan runs.yaml")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "variants:")
	for _, v := range domain.Variants() {
		ops := make([]string, 0, len(v.Operations()))
		for _, op := range v.Operations() {
			ops = append(ops, string(op))
		}
		if len(ops) == 0 {
			fmt.Fprintf(w, "  %s %s <num-gen-iter>\n", v.Mode(), v.SubMode())
			continue
		}
		fmt.Fprintf(w, "  %s %s {%s}\n", v.Mode(), v.SubMode(), strings.Join(ops, "|"))
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "flags:")
	fs.PrintDefaults()
}
