// Command podds predicts football matches and sizes bets against bookmaker
// odds. Run without a command it serves the podds tools over MCP on stdio.
//
//	podds [-config file] [-debug] [serve|load|discover|predict|analyze] ...
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/richard-senior/podds/internal/logger"
	"github.com/richard-senior/podds/pkg/config"
	"github.com/richard-senior/podds/pkg/feed"
	"github.com/richard-senior/podds/pkg/protocol"
	"github.com/richard-senior/podds/pkg/server"
	"github.com/richard-senior/podds/pkg/staking"
	"github.com/richard-senior/podds/pkg/tools"
	"github.com/richard-senior/podds/pkg/transport"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: podds [flags] [command] [args]

commands:
  serve                         serve the podds MCP tools on stdio (default)
  load [-file csv -league L -season S]
                                download configured seasons, or import a local CSV, into the database
  discover                      list season files advertised on the football-data index page
  predict HOME AWAY             fit the models and predict one fixture
  analyze PROB ODDS [BANKROLL]  size a single bet

flags:
`)
	flag.PrintDefaults()
}

func main() {
	configFile := flag.String("config", os.Getenv("PODDS_CONFIG"), "YAML configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Usage = usage
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Fatal("Invalid configuration", err)
	}

	command := "serve"
	args := flag.Args()
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	// stdout carries the protocol when serving
	if command == "serve" {
		logger.SetOutput(os.Stderr)
	}
	logger.SetShowDateTime(true)
	if cfg.LogFile != "" {
		if err := logger.SetLogFile(cfg.LogFile); err != nil {
			logger.Fatal("Failed to open log file", err)
		}
	}
	level, _ := logger.ParseLevel(cfg.LogLevel)
	if *debug {
		level = logger.DEBUG
	}
	logger.SetLevel(level)

	ctx := context.Background()
	switch command {
	case "serve":
		err = serve(ctx, cfg)
	case "load":
		err = load(ctx, cfg, args)
	case "discover":
		err = discover(ctx, cfg)
	case "predict":
		err = predict(ctx, cfg, args)
	case "analyze":
		err = analyze(cfg, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("podds "+command+" failed:", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.Metrics.Enabled {
		go func() {
			if err := a.metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logger.Error("Metrics server stopped:", err)
			}
		}()
	}

	ens, err := a.ensemble(ctx)
	if err != nil {
		return err
	}

	s := server.New(transport.NewStdioTransport(),
		protocol.Implementation{Name: cfg.Server.Name, Version: cfg.Server.Version},
		server.WithToolObserver(a.metrics),
	)
	tools.NewService(ens, cfg.Staking, cfg.Bankroll,
		tools.WithLedger(a.store),
		tools.WithBetObserver(a.metrics),
	).Register(s)

	err = s.Start(ctx)
	logger.Info("MCP server shutting down")
	return err
}

func load(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("load", flag.ExitOnError)
	file := fs.String("file", "", "Import this CSV instead of downloading")
	league := fs.String("league", "", "League code for -file rows that lack one")
	season := fs.String("season", "", "Season for -file rows that lack one, e.g. 2024/2025")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var n int
	if *file != "" {
		matches, err := feed.LoadFile(*file, *league, *season)
		if err != nil {
			return err
		}
		if n, err = a.store.SaveMatches(ctx, matches); err != nil {
			return err
		}
	} else if n, err = a.download(ctx); err != nil {
		return err
	}
	logger.Inform(fmt.Sprintf("Stored %d matches", n))
	return nil
}

func discover(ctx context.Context, cfg *config.Config) error {
	a := &app{cfg: cfg}
	links, err := a.source().Discover(ctx, cfg.Feed.IndexURL)
	if err != nil {
		return err
	}
	return printJSON(links)
}

func predict(ctx context.Context, cfg *config.Config, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("predict needs HOME and AWAY team names")
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ens, err := a.ensemble(ctx)
	if err != nil {
		return err
	}
	pred, err := ens.Predict(args[0], args[1])
	if err != nil {
		return err
	}
	return printJSON(pred)
}

func analyze(cfg *config.Config, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("analyze needs PROB ODDS [BANKROLL]")
	}
	nums := make([]float64, len(args))
	for i, s := range args {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("%q is not a number", s)
		}
		nums[i] = v
	}
	bankroll := cfg.Bankroll
	if len(nums) == 3 {
		bankroll = nums[2]
	}
	return printJSON(staking.AnalyzeBet(nums[0], nums[1], bankroll, cfg.Staking))
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}
