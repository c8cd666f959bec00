package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/lifecycle-bridge/internal/client"
	"github.com/gaspardpetit/lifecycle-bridge/internal/config"
	"github.com/gaspardpetit/lifecycle-bridge/internal/logx"
	"github.com/gaspardpetit/lifecycle-bridge/internal/reconnect"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

const usageText = `commands:
  current                 print the active database
  switch <path>           relaunch the MCP server against path
  pick                    choose a database with the native file picker
  call <tool> [json-args] call any tool and print its result
  tools                   list the tools exposed by the MCP server
`

var errUsage = errors.New("usage")

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	var cfg config.ClientConfig
	cfg.BindFlags(flag.CommandLine)
	flag.Usage = func() {
		out := flag.CommandLine.Output()
		_, _ = fmt.Fprintf(out, "lifecycle-ctl version=%s sha=%s date=%s\n\nusage: lifecycle-ctl [flags] <command> [args]\n\n%s\nflags:\n", version, buildSHA, buildDate, usageText)
		flag.PrintDefaults()
	}
	flag.Parse()
	if *showVersion {
		fmt.Printf("lifecycle-ctl version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(cfg.LogLevel)
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := client.NewManager(client.Options{
		URL:        cfg.URL,
		MaxRetries: cfg.MaxRetries,
		Backoff:    reconnect.Backoff{Base: cfg.RetryBase, Max: cfg.RetryMax},
		ClientInfo: mcp.Implementation{Name: "lifecycle-ctl", Version: version},
	})
	if err := m.ConnectWithRetry(ctx); err != nil {
		logx.Log.Error().Err(err).Str("url", cfg.URL).Msg("cannot reach bridge")
		os.Exit(1)
	}
	defer func() { _ = m.Disconnect() }()

	if cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
		defer cancel()
	}
	err := run(ctx, client.NewServices(m.Protocol()), flag.Args(), os.Stdout)
	if errors.Is(err, errUsage) {
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// run executes one command and writes its result to w.
func run(ctx context.Context, s *client.Services, args []string, w io.Writer) error {
	switch args[0] {
	case "current":
		db, err := s.CurrentDatabase(ctx)
		if err != nil {
			return err
		}
		if db == "" {
			db = "(none)"
		}
		_, err = fmt.Fprintln(w, db)
		return err
	case "switch":
		if len(args) != 2 {
			return errUsage
		}
		if err := s.SwitchDatabase(ctx, args[1]); err != nil {
			return err
		}
		_, err := fmt.Fprintf(w, "switched to %s\n", args[1])
		return err
	case "pick":
		path, cancelled, err := s.PickDatabase(ctx)
		if err != nil {
			return err
		}
		if cancelled {
			_, err = fmt.Fprintln(w, "cancelled")
			return err
		}
		_, err = fmt.Fprintln(w, path)
		return err
	case "call":
		name, toolArgs, err := parseCall(args[1:])
		if err != nil {
			return err
		}
		r, err := s.CallTool(ctx, name, toolArgs)
		if err != nil {
			return err
		}
		return printJSON(w, r)
	case "tools":
		list, err := s.ListTools(ctx)
		if err != nil {
			return err
		}
		for _, t := range list {
			if _, err := fmt.Fprintf(w, "%-36s %s\n", t.Name, t.Description); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
}

// parseCall reads "<tool> [json-args]". Arguments default to an empty object.
func parseCall(args []string) (string, json.RawMessage, error) {
	if len(args) == 0 || len(args) > 2 {
		return "", nil, errUsage
	}
	raw := json.RawMessage(`{}`)
	if len(args) == 2 {
		raw = json.RawMessage(args[1])
		var obj map[string]any
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", nil, fmt.Errorf("tool arguments must be a JSON object: %w", err)
		}
	}
	return args[0], raw, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
