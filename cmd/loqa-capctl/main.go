package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-caption/internal/bus"
	"github.com/loqalabs/loqa-caption/internal/config"
	"github.com/loqalabs/loqa-caption/internal/protocol"
)

var version = "0.1.0-dev"

const usage = "usage: loqa-capctl validate|pause|resume|transcript|version [flags]"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var usageErr usageError
		if errors.As(err, &usageErr) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

type usageError string

func (e usageError) Error() string { return string(e) }

func run(command string, args []string, out io.Writer) error {
	switch command {
	case "validate":
		fs := flag.NewFlagSet("validate", flag.ContinueOnError)
		path := fs.String("config", "loqa-caption.yaml", "Path to configuration file")
		if err := fs.Parse(args); err != nil {
			return usageError(err.Error())
		}
		if _, err := config.Load(*path); err != nil {
			return err
		}
		fmt.Fprintln(out, "config valid")
		return nil
	case "pause", "resume", "transcript":
		return runBus(command, args, out)
	case "version":
		fmt.Fprintln(out, version)
		return nil
	default:
		return usageError(fmt.Sprintf("unknown command %q\n%s", command, usage))
	}
}

func runBus(command string, args []string, out io.Writer) error {
	fs := flag.NewFlagSet(command, flag.ContinueOnError)
	server := fs.String("nats", "nats://localhost:4222", "NATS server URL")
	timeout := fs.Duration("timeout", 2*time.Second, "Request timeout")
	since := fs.Uint64("since", 0, "Only entries changed after this transcript version")
	if err := fs.Parse(args); err != nil {
		return usageError(err.Error())
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	cfg := config.Default().Bus
	cfg.Servers = []string{*server}
	cfg.ConnectTimeout = int(timeout.Milliseconds())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	client, err := bus.Connect(ctx, cfg, "loqa-capctl", logger)
	if err != nil {
		return err
	}
	defer client.Close()

	switch command {
	case "pause", "resume":
		subject := protocol.SubjectCapturePause
		if command == "resume" {
			subject = protocol.SubjectCaptureResume
		}
		var reply protocol.ControlReply
		if err := client.RequestJSON(ctx, subject, struct{}{}, &reply); err != nil {
			return err
		}
		if reply.Error != "" {
			return errors.New(reply.Error)
		}
		fmt.Fprintf(out, "paused=%t\n", reply.Paused)
	case "transcript":
		var snapshot protocol.TranscriptSnapshot
		req := map[string]uint64{"since": *since}
		if err := client.RequestJSON(ctx, protocol.SubjectTranscriptGet, req, &snapshot); err != nil {
			return err
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)
	}
	return nil
}
