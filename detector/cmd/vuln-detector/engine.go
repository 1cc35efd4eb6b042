package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/samber/lo"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/alert"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/cpe"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/detector"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/inventory"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/scanner"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/updater"
)

// engine is the updater and scanner built from one configuration, sharing
// the feed nodes so a scan only resolves agents against configured feeds.
type engine struct {
	Updater *updater.Updater
	Scanner *scanner.Scanner

	closers []io.Closer
}

func (e *engine) Close() error {
	var err error
	for _, c := range e.closers {
		if cerr := c.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

func workDir(config detector.Config) string {
	if config.WorkDir != "" {
		return config.WorkDir
	}
	return filepath.Join(os.TempDir(), "vuln-detector")
}

func newUpdater(a app) (*updater.Updater, error) {
	nodes, err := updater.NewNodes(a.Config.Feeds)
	if err != nil {
		return nil, fmt.Errorf("could not configure feeds: %w", err)
	}
	return updater.New(a.Store, nodes, workDir(a.Config), a.Log), nil
}

func newRewriters(rules []detector.Rewriter) ([]cpe.Rewriter, error) {
	return cpe.NewRewriters(lo.Map(rules, func(r detector.Rewriter, _ int) cpe.RewriteRule {
		return cpe.RewriteRule(r)
	}))
}

// newEmitter sends alerts to the queue socket and to the output file. "-"
// selects stdout, which is also used when neither is configured.
func newEmitter(ctx context.Context, a app) (alert.Emitter, []io.Closer, error) {
	var (
		emitters alert.Multi
		closers  []io.Closer
	)
	cfg := a.Config.Alerts

	if cfg.Queue != "" {
		q, err := alert.DialQueue(ctx, cfg.Queue, lo.Ternary(a.Config.MaxEPS > 0, a.Config.MaxEPS, alert.DefaultMaxEPS), a.Log)
		if err != nil {
			return nil, nil, err
		}
		emitters = append(emitters, q)
		closers = append(closers, q)
	}

	switch {
	case cfg.Output == "-" || (cfg.Output == "" && cfg.Queue == ""):
		emitters = append(emitters, alert.NewWriterEmitter(os.Stdout))
	case cfg.Output != "":
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, closers, fmt.Errorf("could not open alerts output: %w", err)
		}
		emitters = append(emitters, alert.NewWriterEmitter(f))
		closers = append(closers, f)
	}

	if len(emitters) == 1 {
		return emitters[0], closers, nil
	}
	return emitters, closers, nil
}

func newEngine(ctx context.Context, a app) (*engine, error) {
	u, err := newUpdater(a)
	if err != nil {
		return nil, err
	}

	rewriters, err := newRewriters(a.Config.Rewriters)
	if err != nil {
		return nil, fmt.Errorf("could not compile rewriters: %w", err)
	}

	emitter, closers, err := newEmitter(ctx, a)
	e := &engine{Updater: u, closers: closers}
	if err != nil {
		e.Close()
		return nil, err
	}

	inv := inventory.New(lo.Ternary(a.Config.Inventory.Socket != "", a.Config.Inventory.Socket, inventory.DefaultSocket), a.Log)
	e.closers = append(e.closers, inv)

	s := scanner.New(a.Store, inv, emitter, u.Nodes, a.Log)
	s.Rewriters = rewriters
	s.IgnoreTime = a.Config.IgnoreTime.Or(scanner.DefaultIgnoreTime).Std()
	e.Scanner = s
	return e, nil
}
