// Package main provides the terminal risk monitor.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"ledger-risk/internal/client"
	"ledger-risk/internal/tui"
)

var (
	version = "dev"
)

func main() {
	var (
		showVersion bool
		serverURL   string
		apiKey      string
		threshold   string
		timeout     time.Duration
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&showVersion, "v", false, "Show version and exit (shorthand)")
	flag.StringVar(&serverURL, "server", "http://localhost:8080", "Risk service URL")
	flag.StringVar(&serverURL, "s", "http://localhost:8080", "Risk service URL (shorthand)")
	flag.StringVar(&apiKey, "api-key", os.Getenv("RISK_API_KEY"), "API key sent as X-API-Key")
	flag.StringVar(&threshold, "threshold", "50000", "Highlight transfers at or above this amount")
	flag.DurationVar(&timeout, "timeout", 30*time.Second, "HTTP request timeout")
	flag.Parse()

	if showVersion {
		fmt.Printf("risk-monitor %s\n", version)
		os.Exit(0)
	}

	limit, err := decimal.NewFromString(threshold)
	if err != nil || !limit.IsPositive() {
		fmt.Fprintf(os.Stderr, "Error: invalid threshold %q\n", threshold)
		os.Exit(2)
	}

	fmt.Println("Starting risk monitor...")
	fmt.Printf("Connecting to: %s\n", serverURL)

	opts := []client.Option{client.WithTimeout(timeout)}
	if apiKey != "" {
		opts = append(opts, client.WithAPIKey(apiKey))
	}

	if err := tui.Run(client.NewClient(serverURL, opts...), limit); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
