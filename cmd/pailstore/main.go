// Package main is the entry point for the pailstore command.
//
// pailstore inspects and edits a store data directory: it reads and writes
// single keys, lists entries, prints the current root and follows commits.
// Store settings are read from config.yaml in the data directory.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/urfave/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	defer stop()
	if err := mainImpl(ctx, os.Args, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "pailstore: %v\n", err)
		os.Exit(1)
	}
}

// env is shared by all commands.
type env struct {
	ctx     context.Context
	dataDir string
	w       io.Writer
}

func mainImpl(ctx context.Context, args []string, w io.Writer) error {
	e := &env{ctx: ctx, w: w}

	app := cli.NewApp()
	app.Name = "pailstore"
	app.Usage = "inspect and edit a pailstore data directory"
	app.Version = version()
	app.Writer = w
	app.ErrWriter = os.Stderr
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "data-dir, path",
			Value: "./data",
			Usage: "data directory `DIR`",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "warn",
			Usage: "log `LEVEL` (debug, info, warn, error)",
		},
	}
	app.Before = func(c *cli.Context) error {
		var level slog.Level
		if err := level.UnmarshalText([]byte(c.GlobalString("log-level"))); err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		initLogger(level)
		e.dataDir = c.GlobalString("data-dir")
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:      "get",
			Usage:     "print the value stored under a key",
			ArgsUsage: "<key>",
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "link", Usage: "print the value link instead of the value"},
			},
			Action: e.runGet,
		},
		{
			Name:    "ls",
			Aliases: []string{"list"},
			Usage:   "list entries and their value links",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "prefix, p", Usage: "only keys starting with `PREFIX`"},
				cli.StringFlag{Name: "gt", Usage: "only keys greater than `KEY`"},
				cli.StringFlag{Name: "lt", Usage: "only keys less than `KEY`"},
				cli.BoolFlag{Name: "json", Usage: "print newline delimited JSON"},
			},
			Action: e.runList,
		},
		{
			Name:      "put",
			Usage:     "store a JSON value under a key",
			ArgsUsage: "<key> <json>",
			Action:    e.runPut,
		},
		{
			Name:      "del",
			Usage:     "delete a key",
			ArgsUsage: "<key>",
			Action:    e.runDel,
		},
		{
			Name:   "root",
			Usage:  "print the current root",
			Action: e.runRoot,
		},
		{
			Name:   "watch",
			Usage:  "print each new root as it is committed (fs backend)",
			Action: e.runWatch,
		},
		{
			Name:   "schema",
			Usage:  "print the JSON schema of config.yaml",
			Action: e.runSchema,
		},
	}
	return app.Run(args)
}

// initLogger installs the default logger on stderr.
func initLogger(level slog.Level) {
	// Skip timestamps when running under systemd (it adds its own).
	underSystemd := os.Getenv("JOURNAL_STREAM") != ""
	slog.SetDefault(slog.New(tint.NewHandler(colorable.NewColorable(os.Stderr), &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if underSystemd && a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			skip := false
			switch t := a.Value.Any().(type) {
			case string:
				skip = t == ""
			case bool:
				skip = !t
			case int64:
				skip = t == 0
			case time.Duration:
				skip = t == 0
			case nil:
				skip = true
			}
			if skip {
				return slog.Attr{}
			}
			return a
		},
	})))
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "unknown"
	}
	v := info.Main.Version
	if v == "" || v == "(devel)" {
		v = "dev"
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			v += " " + s.Value
		}
	}
	return v
}
