// Command gradcheck runs one adjoint gradient for a config and compares a
// random subset of its entries against finite differences.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/GoSim-25-26J-441/fdtd-adjoint/internal/adjoint"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/config"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/logger"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/models"
	"github.com/GoSim-25-26J-441/fdtd-adjoint/pkg/utils"
)

func main() {
	var configPath string
	var logLevel string
	var samples int
	var seed int64
	var step float64
	var oneSided bool
	var asJSON bool

	flag.StringVar(&configPath, "config", "config/bend.yaml", "problem config (.yaml or .ini)")
	flag.StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	flag.IntVar(&samples, "samples", 0, "parameters to check (0 uses the config's fd_check section, else 5)")
	flag.Int64Var(&seed, "seed", 1, "seed for choosing the checked parameters")
	flag.Float64Var(&step, "step", 0, "finite-difference step (0 uses the default)")
	flag.BoolVar(&oneSided, "one-sided", false, "use forward instead of central differences")
	flag.BoolVar(&asJSON, "json", false, "print the report as JSON")
	flag.Parse()

	logger.SetDefault(logger.NewText(logLevel, os.Stderr))

	if err := run(configPath, samples, seed, step, oneSided, asJSON); err != nil {
		fmt.Fprintln(os.Stderr, "gradcheck:", err)
		os.Exit(1)
	}
}

func run(configPath string, samples int, seed int64, step float64, oneSided, asJSON bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	asm, err := config.Build(cfg, logger.Default)
	if err != nil {
		return err
	}

	opts := cfg.FDOptions()
	if opts == nil || samples > 0 {
		if samples <= 0 {
			samples = 5
		}
		opts = &adjoint.FDOptions{
			Samples: min(samples, asm.Problem.NumParams()),
			Central: !oneSided,
			Rand:    utils.NewRandSource(seed),
		}
	}
	if step > 0 {
		opts.Step = step
	}

	rep, err := asm.Problem.CheckGradient(ctx, asm.Initial, *opts)
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	printReport(rep, asm.Problem.NumParams())
	return nil
}

func printReport(rep *models.FDReport, params int) {
	g := rep.Gradient
	fmt.Printf("objective      %.6e\n", g.Objective)
	fmt.Printf("parameters     %d\n", params)
	fmt.Printf("gradient runs  %d (%d steps each)\n", g.SolverRuns, g.Steps)
	fmt.Printf("fd runs        %d\n", rep.ExtraRuns)
	fmt.Printf("slope          %.6f\n", rep.Slope)
	fmt.Printf("intercept      %.3e\n", rep.Intercept)
	fmt.Printf("max rel error  %.3e\n", rep.MaxRelError)
	for _, w := range g.Warnings {
		fmt.Printf("warning        %s\n", w)
	}
	fmt.Println()

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "index\tadjoint\tfinite difference")
	for i, idx := range rep.Indices {
		fmt.Fprintf(tw, "%d\t%.6e\t%.6e\n", idx, rep.Adjoint[i], rep.Finite[i])
	}
	tw.Flush()
}
