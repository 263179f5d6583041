package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"mcudbg/api"
	"mcudbg/client"
	"mcudbg/console"
	"mcudbg/event"
	"mcudbg/server"
	"mcudbg/session"
	"mcudbg/svd"
	"mcudbg/symbols"
	"mcudbg/target"
)

var (
	flagListen  string
	flagURL     string
	flagElf     string
	flagSvd     string
	flagOverlay string
	flagJSONLog bool
	flagVerbose bool
)

func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	var h slog.Handler
	if flagJSONLog {
		h = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		h = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}
	return slog.New(h)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := newLogger()

	bus := event.NewBus()
	syms := symbols.NewStore(log)
	regs := svd.NewRegistry()

	if flagElf != "" {
		if _, err := syms.Load(flagElf); err != nil {
			return fmt.Errorf("load symbols: %w", err)
		}
		rel, err := symbols.NewReloader(syms, flagElf, log, func(*symbols.Snapshot) {
			bus.Publish(api.Event{Name: api.EventSymbolsLoaded})
		})
		if err != nil {
			return fmt.Errorf("watch %s: %w", flagElf, err)
		}
		defer rel.Close()
	}
	if flagSvd != "" {
		if err := regs.Load(flagSvd, flagOverlay); err != nil {
			return fmt.Errorf("load svd: %w", err)
		}
	}

	ctrl := session.New(session.Config{Log: log, Bus: bus, Symbols: syms, Svd: regs})
	ctrl.Start()
	defer ctrl.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	return server.New(ctrl, log).ListenAndServe(ctx, flagListen)
}

func runConsole(cmd *cobra.Command, args []string) error {
	return console.Run(flagURL)
}

func runProbes(cmd *cobra.Command, args []string) error {
	cl, err := client.Dial(flagURL)
	if err != nil {
		return err
	}
	defer cl.Close()
	ev, err := cl.Call(api.Command{Name: api.CmdListProbes, Source: api.SourceManual})
	if err != nil {
		return err
	}
	if len(ev.Probes) == 0 {
		fmt.Println("no probes found")
		return nil
	}
	for i, p := range ev.Probes {
		fmt.Printf("%d: %s %s serial %s\n", i, p.Vendor, p.Product, p.Serial)
	}
	return nil
}

func runChips(cmd *cobra.Command, args []string) error {
	for _, name := range target.Names() {
		fmt.Println(name)
	}
	return nil
}

func main() {
	root := &cobra.Command{
		Use:           "mcudbg",
		Short:         "multi-client debug engine for ARM and RISC-V microcontrollers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "run the session engine and WebSocket server",
		RunE:  runServe,
	}
	serve.Flags().StringVarP(&flagListen, "listen", "l", "127.0.0.1:9229", "listen address")
	serve.Flags().StringVarP(&flagElf, "elf", "e", "", "firmware ELF, reloaded on rebuild")
	serve.Flags().StringVar(&flagSvd, "svd", "", "peripheral description (SVD)")
	serve.Flags().StringVar(&flagOverlay, "overlay", "", "YAML overlay applied over the SVD")
	serve.Flags().BoolVar(&flagJSONLog, "json-log", false, "log as JSON")
	serve.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	con := &cobra.Command{
		Use:   "console",
		Short: "interactive console attached to a running engine",
		RunE:  runConsole,
	}
	con.Flags().StringVarP(&flagURL, "url", "u", "ws://127.0.0.1:9229/v1/session", "engine URL")

	probes := &cobra.Command{
		Use:   "probes",
		Short: "list debug probes the engine can see",
		RunE:  runProbes,
	}
	probes.Flags().StringVarP(&flagURL, "url", "u", "ws://127.0.0.1:9229/v1/session", "engine URL")

	chips := &cobra.Command{
		Use:   "chips",
		Short: "list builtin chip descriptions",
		RunE:  runChips,
	}

	root.AddCommand(serve, con, probes, chips)

	if err := root.Execute(); err != nil {
		console.LogError("%v", err)
		os.Exit(1)
	}
}
