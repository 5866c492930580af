package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/veraseal/veraseal/config"
	"github.com/veraseal/veraseal/coordinator"
	"github.com/veraseal/veraseal/report"
	"github.com/veraseal/veraseal/stv"
)

func auditCommand() {
	auditFlags := flag.NewFlagSet("audit", flag.ExitOnError)

	configPath := auditFlags.String("config", config.DefaultLocation, "Path to the config file")
	reportPath := auditFlags.String("report", "", "Write the verification report to a file instead of stdout")
	verbose := auditFlags.Bool("v", false, "Verbose logging")

	auditFlags.Usage = func() {
		fmt.Printf("Usage: %s audit [options] <input.pdf>\n\n", os.Args[0])
		fmt.Println("Audit a sealed artifact and print the verification report")
		fmt.Println("\nOptions:")
		auditFlags.PrintDefaults()
	}

	if err := auditFlags.Parse(os.Args[2:]); err != nil || len(auditFlags.Args()) < 1 {
		auditFlags.Usage()
		os.Exit(1)
	}

	logger := newLogger(*verbose)
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	artifact, err := os.ReadFile(auditFlags.Arg(0))
	if err != nil {
		logger.Fatal("read artifact", zap.Error(err))
	}

	pool, err := cfg.Audit.TrustPool()
	if err != nil {
		logger.Fatal("load trust roots", zap.Error(err))
	}

	c := &coordinator.Coordinator{Logger: logger}
	if pool != nil {
		c.SealTrust = &stv.Verifier{Roots: pool, Logger: logger}
	}
	if cfg.Audit.EnableSemanticAudit {
		// The semantic layer needs a model executor, which the standalone
		// command does not embed.
		logger.Warn("semantic audit is only available when hosted with an executor; skipping")
	}

	rep, err := c.Audit(context.Background(), artifact)
	if err != nil {
		logger.Fatal("audit", zap.Error(err))
	}
	if err := rep.Validate(); err != nil {
		logger.Fatal("report invariants", zap.Error(err))
	}

	raw, err := rep.MarshalIndent()
	if err != nil {
		logger.Fatal("encode report", zap.Error(err))
	}
	if *reportPath != "" {
		if err := os.WriteFile(*reportPath, raw, 0o644); err != nil {
			logger.Fatal("write report", zap.Error(err))
		}
	} else {
		fmt.Println(string(raw))
	}

	if rep.Status != report.StatusPass {
		os.Exit(1)
	}
}
