package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"tinygo.org/x/go-llvm"

	"github.com/ptrclamp/ptrclamp/clamp"
)

const irSuffix = ".ll"

// fileConfig mirrors the YAML config file accepted via --config.
// Command-line flags override any value set here.
type fileConfig struct {
	Relaxed        bool     `yaml:"relaxed"`
	AllowUntracked bool     `yaml:"allow_untracked"`
	Kernels        []string `yaml:"kernels"`
}

type cliOptions struct {
	output         string
	configPath     string
	kernels        []string
	relaxed        bool
	allowUntracked bool
	verbose        bool
	noCache        bool
	showVersion    bool
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return fc, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("parse config %s: %w", path, err)
	}
	return fc, nil
}

// mergeConfig builds the engine config from the optional YAML file and the
// command-line flags. A flag the user actually set wins over the file.
func mergeConfig(cmd *cobra.Command, opts *cliOptions, log *zap.SugaredLogger) (clamp.Config, error) {
	cfg := clamp.Config{Logger: log}
	if opts.configPath != "" {
		fc, err := loadFileConfig(opts.configPath)
		if err != nil {
			return cfg, err
		}
		cfg.Relaxed = fc.Relaxed
		cfg.AllowUntracked = fc.AllowUntracked
		cfg.Kernels = fc.Kernels
	}
	flags := cmd.Flags()
	if flags.Changed("relaxed") {
		cfg.Relaxed = opts.relaxed
	}
	if flags.Changed("allow-untracked") {
		cfg.AllowUntracked = opts.allowUntracked
	}
	if flags.Changed("kernel") {
		cfg.Kernels = opts.kernels
	}
	return cfg, nil
}

func newLogger(verbose bool) (*zap.SugaredLogger, func()) {
	if !verbose {
		return zap.NewNop().Sugar(), func() {}
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop().Sugar(), func() {}
	}
	return logger.Sugar(), func() { _ = logger.Sync() }
}

func outputPath(input, flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	base := strings.TrimSuffix(input, irSuffix)
	base = strings.TrimSuffix(base, ".bc")
	return base + ".clamped" + irSuffix
}

// loadModule parses textual or bitcode IR from path into ctx.
func loadModule(ctx llvm.Context, path string) (llvm.Module, error) {
	buf, err := llvm.NewMemoryBufferFromFile(path)
	if err != nil {
		return llvm.Module{}, fmt.Errorf("read %s: %w", path, err)
	}
	mod, err := ctx.ParseIR(buf)
	if err != nil {
		return llvm.Module{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return mod, nil
}

func run(cmd *cobra.Command, opts *cliOptions, input string) error {
	log, sync := newLogger(opts.verbose)
	defer sync()

	cfg, err := mergeConfig(cmd, opts, log)
	if err != nil {
		return err
	}
	out := outputPath(input, opts.output)

	var cache *resultCache
	if !opts.noCache {
		cache, err = openCache(defaultCacheDir(), log)
		if err != nil {
			// Cache trouble never fails the run.
			log.Warnf("cache unavailable: %v", err)
			cache = nil
		}
	}
	key := ""
	if cache != nil {
		key, err = cacheKey(input, cfg)
		if err != nil {
			log.Warnf("cache key: %v", err)
			cache = nil
		}
	}
	if cache != nil {
		if data, ok := cache.lookup(key); ok {
			log.Infof("cache hit for %s", input)
			return os.WriteFile(out, data, 0644)
		}
	}

	ctx := llvm.NewContext()
	defer ctx.Dispose()

	mod, err := loadModule(ctx, input)
	if err != nil {
		return err
	}
	defer mod.Dispose()

	c := clamp.New(mod, cfg)
	defer c.Dispose()
	if err := c.Transform(); err != nil {
		return err
	}

	ir := []byte(mod.String())
	if cache != nil {
		if err := cache.store(key, ir); err != nil {
			log.Warnf("cache store: %v", err)
		}
	}
	if err := os.WriteFile(out, ir, 0644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	log.Infof("wrote %s", out)
	return nil
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	cmd := &cobra.Command{
		Use:   "ptrclamp [flags] <input.ll|input.bc>",
		Short: "Instrument LLVM IR with pointer bounds checks",
		Long: `ptrclamp rewrites an LLVM IR module so that every load and store
through a pointer is guarded by a bounds check. Out-of-bounds loads
yield zero, out-of-bounds stores are dropped.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.showVersion {
				printVersion()
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("expected exactly one input file, see --help")
			}
			return run(cmd, opts, filepath.Clean(args[0]))
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.output, "output", "o", "", "output file (default <input>.clamped.ll)")
	f.StringVar(&opts.configPath, "config", "", "YAML config file")
	f.StringArrayVar(&opts.kernels, "kernel", nil, "entry point to wrap (repeatable)")
	f.BoolVar(&opts.relaxed, "relaxed", false, "permit unchecked main arguments and unknown builtins")
	f.BoolVar(&opts.allowUntracked, "allow-untracked", false, "skip checks in address spaces with no tracked allocations")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	f.BoolVar(&opts.noCache, "no-cache", false, "bypass the result cache")
	f.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ptrclamp:", err)
		os.Exit(1)
	}
}
