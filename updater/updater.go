package updater

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/spf13/afero"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/feed"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/oval"
)

var runCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "vuln_detector",
		Subsystem: "updater",
		Name:      "runs_total",
		Help:      "Total number of feed updates, by target and result.",
	},
	[]string{"target", "result"},
)

// Store is where normalized feeds are written to.
type Store interface {
	Timestamp(target string) (string, error)
	ReplaceOVAL(result *oval.Result) error
	ReplaceRedHat(result *feed.RedHatResult) error
	ReplaceNVDYear(result *feed.NVDResult, timestamp string) error
	ReplaceCPEHelper(result *feed.CPEHelperResult) error
	ReplaceMSU(entries []feed.MSUEntry, timestamp string) error
}

type Updater struct {
	Store   Store
	Fetcher Fetcher
	Git     GitReader
	Fs      afero.Fs
	WorkDir string
	Sleep   func(ctx context.Context, d time.Duration) error
	Now     func() time.Time
	Log     *slog.Logger
	Nodes   []*Node

	warnings *feed.Warnings
}

// New returns an updater downloading with go-getter into workDir.
func New(store Store, nodes []*Node, workDir string, log *slog.Logger) *Updater {
	if log == nil {
		log = slog.Default()
	}
	return &Updater{
		Store:    store,
		Fetcher:  GetterFetcher{},
		Git:      GitSource{Dir: workDir},
		Fs:       afero.NewOsFs(),
		WorkDir:  workDir,
		Sleep:    Sleep,
		Now:      time.Now,
		Log:      log,
		Nodes:    nodes,
		warnings: feed.NewWarnings(log),
	}
}

// Warnings returns the data-quality warnings of this updater.
func (u *Updater) Warnings() *feed.Warnings {
	if u.warnings == nil {
		u.warnings = feed.NewWarnings(u.Log)
	}
	return u.warnings
}

// Run updates every due feed in order. The pass stops at the first failure;
// as NVD comes last, a failed CPE helper or MSU update also cancels it.
func (u *Updater) Run(ctx context.Context) error {
	return u.run(ctx, u.Nodes, false)
}

// Update forces an update of the given targets, or of every feed when none
// is given.
func (u *Updater) Update(ctx context.Context, targets ...string) error {
	if len(targets) == 0 {
		return u.run(ctx, u.Nodes, true)
	}
	nodes := make([]*Node, 0, len(targets))
	for _, t := range targets {
		n, ok := Lookup(u.Nodes, t)
		if !ok {
			return fmt.Errorf("unknown feed %s", t)
		}
		nodes = append(nodes, n)
	}
	return u.run(ctx, nodes, true)
}

func (u *Updater) run(ctx context.Context, nodes []*Node, force bool) error {
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return err
		}
		now := u.Now()
		if !force && !n.Due(now) {
			n.State = StateNotDue
			continue
		}

		u.Log.Info("Starting feed update", "target", n.Target, "kind", n.Kind)
		n.State = StateFetching

		if err := u.updateNode(ctx, n); err != nil {
			n.fail(u.Now())
			runCounter.WithLabelValues(n.Target, "error").Inc()
			u.Log.Error("Feed update failed",
				"target", n.Target,
				"retry_at", n.LastUpdate.Add(n.Interval.Std()),
				"err", err,
			)
			return fmt.Errorf("could not update %s: %w", n.Target, err)
		}

		n.succeed(u.Now())
		runCounter.WithLabelValues(n.Target, "success").Inc()
		u.Log.Info("Feed update finished", "target", n.Target)
	}
	return nil
}

func (u *Updater) updateNode(ctx context.Context, n *Node) error {
	var err error
	switch n.Kind {
	case KindOVAL:
		err = u.updateOVAL(ctx, n)
	case KindRedHat:
		err = u.updateRedHat(ctx, n)
	case KindNVD:
		err = u.updateNVD(ctx, n)
	case KindCPEHelper:
		err = u.updateCPEHelper(ctx, n)
	case KindMSU:
		err = u.updateMSU(ctx, n)
	default:
		err = fmt.Errorf("unknown feed kind %d", n.Kind)
	}
	if errors.Is(err, feed.ErrNotNeeded) {
		u.Log.Info("Feed is up to date", "target", n.Target)
		return nil
	}
	return err
}

// unchanged reports whether target was already imported with timestamp.
func (u *Updater) unchanged(target, timestamp string) (bool, error) {
	if timestamp == "" {
		return false, nil
	}
	stored, err := u.Store.Timestamp(target)
	if err != nil {
		return false, err
	}
	return stored == timestamp, nil
}
