package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
)

func usage() {
	fmt.Printf("Usage: %s <command> [options] <args>\n\n", os.Args[0])
	fmt.Println("Commands:")
	fmt.Println("  seal    Seal a PDF/A-3 artifact with an archival signature")
	fmt.Println("  audit   Run the layered audit over a sealed artifact")
	fmt.Println("")
	fmt.Printf("Use '%s <command> -h' for command-specific help\n", os.Args[0])
	os.Exit(1)
}

func newLogger(verbose bool) *zap.Logger {
	var logger *zap.Logger
	var err error
	if verbose {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		os.Exit(1)
	}
	return logger
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	switch os.Args[1] {
	case "seal":
		sealCommand()
	case "audit":
		auditCommand()
	default:
		usage()
	}
}
