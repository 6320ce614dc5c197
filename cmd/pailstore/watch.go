package main

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/ipfs/go-cid"
	"github.com/urfave/cli"

	"github.com/maruel/pailstore/internal/config"
	"github.com/maruel/pailstore/internal/kv"
	"github.com/maruel/pailstore/internal/rootptr"
)

// runWatch follows the root file of an fs backend store. It does not take
// the store lock so it can run next to the process writing the store.
func (e *env) runWatch(c *cli.Context) error {
	if _, err := args(c, 0); err != nil {
		return err
	}
	cfg, err := config.Load(e.dataDir)
	if err != nil {
		return err
	}
	if cfg.Backend != kv.BackendFS {
		return fmt.Errorf("watch needs the %s backend, the store uses %s", kv.BackendFS, cfg.Backend)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()
	// The root file is replaced by a rename, so watch its directory.
	if err := w.Add(e.dataDir); err != nil {
		return err
	}
	path := filepath.Join(e.dataDir, kv.RootFile)
	last := cid.Undef
	check := func() error {
		root, ok, err := rootptr.ReadFile(path)
		if err != nil || !ok || root.Equals(last) {
			return err
		}
		last = root
		_, err = fmt.Fprintln(e.w, root)
		return err
	}
	if err := check(); err != nil {
		return err
	}
	for {
		select {
		case <-e.ctx.Done():
			return e.ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != kv.RootFile || !(ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)) {
				continue
			}
			if err := check(); err != nil {
				return err
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				slog.WarnContext(e.ctx, "Missed root updates", "err", err)
				continue
			}
			return err
		}
	}
}
