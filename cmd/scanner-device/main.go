// scanner-device drives one door scanner from the command line: it restores
// or downloads the local ticket cache, catches up on changes, validates the
// codes given as arguments offline and uploads the queued attempts.
//
// Usage:
//
//	scanner-device --base-url http://localhost:8080 --function 12 \
//	    --device-name "Door A" --state door-a.cbor ABC123 XYZ789
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"ticketing/scanner-service/internal/device"
	"ticketing/scanner-service/internal/models"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		baseURL    string
		functionID int64
		deviceID   string
		deviceName string
		statePath  string
		timezone   string
		useCBOR    bool
		timeout    time.Duration
		verbose    bool
	)

	flagSet := pflag.NewFlagSet("scanner-device", pflag.ContinueOnError)
	flagSet.StringVar(&baseURL, "base-url", "http://localhost:8080", "scanner service base URL")
	flagSet.Int64Var(&functionID, "function", 0, "function to scan for (required)")
	flagSet.StringVar(&deviceID, "device-id", "", "stable device UUID (default: random)")
	flagSet.StringVar(&deviceName, "device-name", "", "display name recorded on admissions")
	flagSet.StringVar(&statePath, "state", "", "file holding the local cache and outbound queue between runs")
	flagSet.StringVar(&timezone, "timezone", "America/Lima", "zone scan timestamps are written in")
	flagSet.BoolVar(&useCBOR, "cbor", false, "use application/cbor instead of JSON")
	flagSet.DurationVar(&timeout, "timeout", 15*time.Second, "per-request timeout")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log protocol steps")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if functionID <= 0 {
		return errors.New("--function is required")
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return fmt.Errorf("--timezone %q: %w", timezone, err)
	}
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	if deviceName == "" {
		deviceName = defaultDeviceName(deviceID)
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := device.NewClient(baseURL, models.Device{UUID: deviceID, Name: deviceName}, device.ClientOptions{CBOR: useCBOR})
	scanner := device.NewScanner(client, device.ScannerConfig{
		FunctionID: functionID,
		Location:   loc,
		Logger:     logger,
	})

	restored, err := loadState(scanner, statePath)
	if err != nil {
		logger.Warn("ignoring saved state", "path", statePath, "error", err)
	}
	if !restored {
		bootCtx, cancel := context.WithTimeout(ctx, timeout)
		err := scanner.Bootstrap(bootCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("no local cache and download failed: %w", err)
		}
	} else {
		refreshCtx, cancel := context.WithTimeout(ctx, timeout)
		n, err := scanner.Refresh(refreshCtx)
		cancel()
		if err != nil {
			logger.Warn("offline, using cached tickets", "error", err)
		} else {
			logger.Debug("caught up", "changed", n, "cursor", scanner.Cursor())
		}
	}

	for _, code := range flagSet.Args() {
		outcome, err := scanner.Scan(code)
		if err != nil {
			return err
		}
		printOutcome(outcome)
	}

	flushCtx, cancel := context.WithTimeout(ctx, timeout)
	cleared, err := scanner.Flush(flushCtx)
	cancel()
	if err != nil {
		var apiErr *device.APIError
		if errors.As(err, &apiErr) && !apiErr.Retryable() {
			logger.Error("server rejected batch", "code", apiErr.Code, "fields", apiErr.Fields, "request_id", apiErr.RequestID)
		} else {
			logger.Warn("sync deferred", "error", err)
		}
	}
	fmt.Fprintf(os.Stderr, "synced %d, pending %d, rejected %d\n", cleared, len(scanner.Pending()), len(scanner.Rejected()))

	return saveState(scanner, statePath)
}

func defaultDeviceName(deviceID string) string {
	return "scanner-" + deviceID[:min(len(deviceID), 8)]
}

func printOutcome(outcome device.Outcome) {
	switch {
	case outcome.Admitted:
		fmt.Printf("%s\tADMIT\t%s\t%s\n", outcome.Code, outcome.Ticket.Name, outcome.Ticket.Sector)
	case outcome.Ticket != nil:
		validated := ""
		if outcome.Ticket.ValidatedAt != nil {
			validated = *outcome.Ticket.ValidatedAt
		}
		fmt.Printf("%s\tDENY\t%s\t%s\n", outcome.Code, outcome.Result, validated)
	default:
		fmt.Printf("%s\tDENY\t%s\n", outcome.Code, outcome.Result)
	}
}

func loadState(scanner *device.Scanner, path string) (bool, error) {
	if path == "" {
		return false, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	defer file.Close()
	if err := scanner.LoadState(file); err != nil {
		return false, err
	}
	return true, nil
}

// saveState writes through a temp file so a crash never leaves a truncated
// queue behind.
func saveState(scanner *device.Scanner, path string) error {
	if path == "" {
		if pending := len(scanner.Pending()); pending > 0 {
			return fmt.Errorf("%d scans not uploaded and no --state file to keep them", pending)
		}
		return nil
	}
	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if err := scanner.SaveState(file); err != nil {
		_ = file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `scanner-device validates ticket codes at a door, offline first.

Usage:
  scanner-device --function ID [flags] CODE...

Flags:
%s`, flagSet.FlagUsages())
}
