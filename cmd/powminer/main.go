package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/upowai/TTI-MINER/cmd"
	"github.com/upowai/TTI-MINER/internal/config"
	"github.com/upowai/TTI-MINER/internal/pow"
)

func main() {
	wallet := flag.String("wallet", "", "wallet address for mining")
	apiURL := flag.String("api", pow.DefaultAPIURL, "challenge api url")
	timeout := flag.Duration("timeout", 30*time.Second, "timeout for api requests")
	logFile := flag.String("log-file", os.Getenv("LOG_FILE"), "optional log file")
	flag.Parse()

	closeLog := cmd.SetupLogging(*logFile)
	defer closeLog()

	if *wallet == "" {
		log.Fatalf("--wallet is required")
	}
	if !config.ValidWalletAddress(*wallet) {
		log.Fatalf("invalid wallet address: %s", *wallet)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := pow.NewClient(*apiURL, *timeout)
	challenge, err := client.GetChallenge(ctx)
	if err != nil {
		slog.Error("an error occurred", "error", err)
		return
	}
	slog.Info("challenge details", "index", challenge.Index, "time", challenge.TimeText(), "previous_hash", challenge.PreviousHash, "difficulty", challenge.Difficulty, "target", challenge.Target)

	solution, err := pow.NewMiner(pow.WithProgress(os.Stderr)).Mine(ctx, challenge, *wallet)
	if err != nil {
		slog.Error("an error occurred", "error", err)
		return
	}

	result, err := client.SubmitResult(ctx, pow.NewSubmission(challenge, solution, *wallet))
	if err != nil {
		slog.Error("an error occurred", "error", err)
		return
	}
	slog.Info("submission result", "result", string(result))
}
