package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"text/tabwriter"

	"github.com/urfave/cli"

	"github.com/maruel/pailstore/internal/config"
	"github.com/maruel/pailstore/internal/kv"
)

var errUsage = errors.New("wrong number of arguments")

// open opens the store with the data directory configuration.
func (e *env) open() (*kv.DB, error) {
	cfg, err := config.Load(e.dataDir)
	if err != nil {
		return nil, err
	}
	return kv.Open(e.dataDir, cfg.Options()...)
}

// transact runs fn in one transaction of a freshly opened store.
func (e *env) transact(fn func(*kv.Txn) error) (err error) {
	db, err := e.open()
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, db.Close())
	}()
	return db.Transact(e.ctx, func(txn *kv.Txn) error {
		slog.InfoContext(e.ctx, "Reading pail", "root", txn.Root())
		return fn(txn)
	})
}

func args(c *cli.Context, n int) ([]string, error) {
	if c.NArg() != n {
		return nil, fmt.Errorf("%s: %w, usage: %s %s", c.Command.Name, errUsage, c.Command.Name, c.Command.ArgsUsage)
	}
	return c.Args(), nil
}

func (e *env) runGet(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	return e.transact(func(txn *kv.Txn) error {
		if c.Bool("link") {
			l, ok, err := txn.Link(e.ctx, a[0])
			if err != nil || !ok {
				return err
			}
			_, err = fmt.Fprintln(e.w, l)
			return err
		}
		v, ok, err := txn.Get(e.ctx, a[0])
		if err != nil || !ok {
			return err
		}
		data, err := json.MarshalIndent(toJSON(v), "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(e.w, "%s\n", data)
		return err
	})
}

func (e *env) runList(c *cli.Context) error {
	if _, err := args(c, 0); err != nil {
		return err
	}
	opts := kv.EntriesOptions{Prefix: c.String("prefix"), GT: c.String("gt"), LT: c.String("lt")}
	asJSON := c.Bool("json")
	return e.transact(func(txn *kv.Txn) error {
		enc := json.NewEncoder(e.w)
		tw := tabwriter.NewWriter(e.w, 0, 0, 2, ' ', 0)
		if !asJSON {
			fmt.Fprintln(tw, "KEY\tVALUE")
		}
		n := 0
		for ent, err := range txn.Links(e.ctx, opts) {
			if err != nil {
				return err
			}
			if asJSON {
				if err := enc.Encode(map[string]string{"key": ent.Key, "value": ent.Value.String()}); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(tw, "%s\t%s\n", ent.Key, ent.Value)
			}
			n++
		}
		if asJSON {
			return nil
		}
		fmt.Fprintf(tw, "Total: %d\t\n", n)
		return tw.Flush()
	})
}

func (e *env) runPut(c *cli.Context) error {
	a, err := args(c, 2)
	if err != nil {
		return err
	}
	v, err := fromJSON([]byte(a[1]))
	if err != nil {
		return err
	}
	return e.transact(func(txn *kv.Txn) error {
		return txn.Put(e.ctx, a[0], v)
	})
}

func (e *env) runDel(c *cli.Context) error {
	a, err := args(c, 1)
	if err != nil {
		return err
	}
	return e.transact(func(txn *kv.Txn) error {
		return txn.Del(e.ctx, a[0])
	})
}

func (e *env) runRoot(c *cli.Context) error {
	if _, err := args(c, 0); err != nil {
		return err
	}
	db, err := e.open()
	if err != nil {
		return err
	}
	root, ok, err := db.Root(e.ctx)
	if err = errors.Join(err, db.Close()); err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no root in %s", filepath.Clean(e.dataDir))
	}
	_, err = fmt.Fprintln(e.w, root)
	return err
}

func (e *env) runSchema(c *cli.Context) error {
	if _, err := args(c, 0); err != nil {
		return err
	}
	data, err := config.Schema()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(e.w, "%s\n", data)
	return err
}
