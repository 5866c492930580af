package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/veraseal/veraseal/config"
	"github.com/veraseal/veraseal/hsm"
	"github.com/veraseal/veraseal/sign"
)

func sealCommand() {
	sealFlags := flag.NewFlagSet("seal", flag.ExitOnError)

	configPath := sealFlags.String("config", config.DefaultLocation, "Path to the config file")
	dryRun := sealFlags.Bool("dry-run", false, "Produce the layout with a placeholder signature, no HSM or TSA calls")
	verbose := sealFlags.Bool("v", false, "Verbose logging")

	sealFlags.Usage = func() {
		fmt.Printf("Usage: %s seal [options] <input.pdf> <output.pdf>\n\n", os.Args[0])
		fmt.Println("Seal an artifact: certification signature, validation material, document timestamp")
		fmt.Println("\nOptions:")
		sealFlags.PrintDefaults()
	}

	if err := sealFlags.Parse(os.Args[2:]); err != nil || len(sealFlags.Args()) < 2 {
		sealFlags.Usage()
		os.Exit(1)
	}

	logger := newLogger(*verbose)
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if !cfg.HSM.Configured() {
		logger.Fatal("sealing requires an [hsm] section in the config")
	}

	input, err := os.ReadFile(sealFlags.Arg(0))
	if err != nil {
		logger.Fatal("read input", zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Seal.Timeout())
	defer cancel()

	client := &hsm.Client{
		Endpoint: cfg.HSM.Endpoint,
		Logger:   logger,
	}
	if cfg.HSM.OAuth.Enabled() {
		creds := clientcredentials.Config{
			TokenURL:     cfg.HSM.OAuth.TokenURL,
			ClientID:     cfg.HSM.OAuth.ClientID,
			ClientSecret: cfg.HSM.OAuth.ClientSecret,
			Scopes:       cfg.HSM.OAuth.Scopes,
		}
		client.TokenSource = creds.TokenSource(ctx)
	}

	correlationID := uuid.NewString()
	source := &hsm.ChainSource{
		Client:  client,
		Account: cfg.HSM.Account,
		Profile: cfg.HSM.Profile,
		Logger:  logger,
	}
	chain, err := source.Certificates(ctx, correlationID)
	if err != nil {
		logger.Fatal("bootstrap signing chain", zap.Error(err))
	}

	signer, err := hsm.NewSigner(ctx, client, chain[0], correlationID)
	if err != nil {
		logger.Fatal("build signer", zap.Error(err))
	}
	signer.DryRun = *dryRun

	sealer := &sign.Sealer{
		Signer:             signer,
		Chain:              chain,
		TSA:                sign.TSA{URL: cfg.Seal.TSAURL},
		Reason:             cfg.Seal.Reason,
		Location:           cfg.Seal.Location,
		ContactInfo:        cfg.Seal.ContactInfo,
		EnableLTAUpdates:   cfg.Seal.EnableLTAUpdates,
		RevocationFunction: sign.DefaultEmbedRevocationStatusFunction,
		DryRun:             *dryRun,
		DigestAlgorithm:    cfg.Seal.Digest(),
		Logger:             logger,
	}

	sealed, err := sealer.Seal(input)
	if err != nil {
		logger.Fatal("seal", zap.Error(err))
	}
	if err := os.WriteFile(sealFlags.Arg(1), sealed, 0o644); err != nil {
		logger.Fatal("write output", zap.Error(err))
	}

	logger.Info("artifact sealed",
		zap.String("output", sealFlags.Arg(1)),
		zap.Int("bytes", len(sealed)),
		zap.String("correlation_id", correlationID),
	)
}
