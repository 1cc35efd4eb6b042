// Package scanner matches the software inventory of agents against the
// normalized feeds and reports one finding per vulnerable package.
package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/alert"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/cpe"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/detector"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/inventory"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/updater"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/warn"
)

const (
	// BatchSize is the number of agents whose findings are reported at once.
	BatchSize = 3

	// DefaultIgnoreTime is how long the packages of an agent are only
	// scanned when new.
	DefaultIgnoreTime = 6 * time.Hour
)

var (
	findingCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vuln_detector",
			Subsystem: "scanner",
			Name:      "findings_total",
			Help:      "Total number of reported findings, by target.",
		},
		[]string{"target"},
	)
	agentCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vuln_detector",
			Subsystem: "scanner",
			Name:      "agents_total",
			Help:      "Total number of agent scans, by result.",
		},
		[]string{"result"},
	)
)

type Inventory interface {
	Agents(ctx context.Context, window time.Duration) ([]inventory.Agent, error)
	ScanID(ctx context.Context, agent int) (string, error)
	Packages(ctx context.Context, agent int, scanID string, full bool) ([]inventory.Package, error)
	MarkTriaged(ctx context.Context, agent int, scanID string) error
	SetCPE(ctx context.Context, agent int, pkg inventory.Package, generated cpe.CPE) error
	ClearCPEs(ctx context.Context, agent int) error
	Hotfixes(ctx context.Context, agent int) ([]string, error)
	OSRelease(ctx context.Context, agent int) (string, error)
}

type Store interface {
	Vulnerabilities(targets []string, packages []string) ([]detector.Vulnerability, error)
	CVERows(target string, cves []string) ([]detector.Vulnerability, error)
	Variables(target string) (map[string][]string, error)
	Definitions(target string, cves []string) ([]detector.DefinitionCriteria, error)
	Infos(target string, cves []string) (map[string]detector.VulnerabilityInfo, error)
	NVDCandidates(products [][2]string) ([]detector.NVDMatch, error)
	Patches(cve string) ([]detector.MSU, error)
	Dictionary() (*cpe.Dictionary, error)
}

// Warnings are the data-quality problems reported once per value.
type Warnings struct {
	OS       *warn.Set
	Severity *warn.Set
}

func NewWarnings(log *slog.Logger) Warnings {
	return Warnings{
		OS:       warn.NewSet("os", log),
		Severity: warn.NewSet("severity", log),
	}
}

// Reset forgets every value warned about so far.
func (w Warnings) Reset() {
	w.OS.Reset()
	w.Severity.Reset()
}

// triage remembers the last scan of an agent.
type triage struct {
	scanID string
	since  time.Time
}

type Scanner struct {
	Store      Store
	Inventory  Inventory
	Emitter    alert.Emitter
	Nodes      []*updater.Node
	Rewriters  []cpe.Rewriter
	IgnoreTime time.Duration
	Window     time.Duration
	Now        func() time.Time
	Log        *slog.Logger
	Warnings   Warnings

	triaged map[int]triage
}

func New(store Store, inv Inventory, emitter alert.Emitter, nodes []*updater.Node, log *slog.Logger) *Scanner {
	if log == nil {
		log = slog.Default()
	}
	return &Scanner{
		Store:      store,
		Inventory:  inv,
		Emitter:    emitter,
		Nodes:      nodes,
		IgnoreTime: DefaultIgnoreTime,
		Window:     inventory.DefaultWindow,
		Now:        time.Now,
		Log:        log,
		Warnings:   NewWarnings(log),
		triaged:    map[int]triage{},
	}
}

// scanned is an agent whose packages were analysed and that is marked as
// triaged once its findings are reported.
type scanned struct {
	agent  inventory.Agent
	scanID string
	full   bool
}

// Scan analyses every active agent. Agents that fail are logged and skipped.
func (s *Scanner) Scan(ctx context.Context) error {
	if s.triaged == nil {
		s.triaged = map[int]triage{}
	}

	agents, err := s.Inventory.Agents(ctx, s.Window)
	if err != nil {
		return fmt.Errorf("could not read agents: %w", err)
	}
	s.Log.Info("Starting vulnerability scan", "agents", len(agents))

	var dict *cpe.Dictionary
	total := 0
	for _, batch := range lo.Chunk(agents, BatchSize) {
		var findings []Finding
		var done []scanned
		for _, agent := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			if dict == nil && isWindows(s.Nodes, agent) {
				if dict, err = s.Store.Dictionary(); err != nil {
					return fmt.Errorf("could not load cpe dictionary: %w", err)
				}
			}

			found, sc, ok, err := s.scanAgent(ctx, agent, dict)
			if err != nil {
				agentCounter.WithLabelValues("error").Inc()
				s.Log.Error("Could not scan agent", "agent", agent.Label(), "name", agent.Name, "err", err)
				continue
			}
			if !ok {
				agentCounter.WithLabelValues("skipped").Inc()
				continue
			}
			agentCounter.WithLabelValues("success").Inc()
			findings = append(findings, found...)
			done = append(done, sc)
		}

		n, err := s.report(ctx, findings)
		if err != nil {
			return err
		}
		total += n

		for _, sc := range done {
			if err := s.Inventory.MarkTriaged(ctx, sc.agent.ID, sc.scanID); err != nil {
				s.Log.Error("Could not mark packages as triaged", "agent", sc.agent.Label(), "err", err)
				continue
			}
			s.remember(sc)
		}
	}

	s.Log.Info("Vulnerability scan finished", "agents", len(agents), "findings", total)
	return nil
}

func isWindows(nodes []*updater.Node, agent inventory.Agent) bool {
	p, ok := updater.Resolve(nodes, agent.OSName, agent.OSMajor, nil)
	return ok && p.Family == updater.FamilyWindows
}

// plan decides whether the packages of an agent are requested at all and
// whether all of them or only the new ones are needed.
func (s *Scanner) plan(agent int, scanID string, now time.Time) (full, scan bool) {
	t, ok := s.triaged[agent]
	switch {
	case !ok:
		return true, true
	case now.Sub(t.since) >= s.IgnoreTime:
		return true, true
	case t.scanID == scanID:
		return false, false
	}
	return false, true
}

func (s *Scanner) remember(sc scanned) {
	t, ok := s.triaged[sc.agent.ID]
	if !ok || sc.full {
		t.since = s.Now()
	}
	t.scanID = sc.scanID
	s.triaged[sc.agent.ID] = t
}

func (s *Scanner) scanAgent(ctx context.Context, agent inventory.Agent, dict *cpe.Dictionary) ([]Finding, scanned, bool, error) {
	log := s.Log.With("agent", agent.Label())

	platform, ok := updater.Resolve(s.Nodes, agent.OSName, agent.OSMajor, s.Warnings.OS)
	if !ok {
		log.Debug("Agent has an unsupported OS", "os", agent.OSName, "version", agent.OSMajor)
		return nil, scanned{}, false, nil
	}

	scanID, err := s.Inventory.ScanID(ctx, agent.ID)
	if err != nil {
		return nil, scanned{}, false, err
	}
	if scanID == "" {
		log.Debug("Agent has no software scan")
		return nil, scanned{}, false, nil
	}

	full, scan := s.plan(agent.ID, scanID, s.Now())
	if !scan {
		log.Debug("Software scan already analysed", "scan_id", scanID)
		return nil, scanned{}, false, nil
	}

	if _, seen := s.triaged[agent.ID]; !seen && platform.Family == updater.FamilyWindows {
		if err := s.Inventory.ClearCPEs(ctx, agent.ID); err != nil {
			return nil, scanned{}, false, err
		}
	}

	packages, err := s.Inventory.Packages(ctx, agent.ID, scanID, full)
	if err != nil {
		return nil, scanned{}, false, err
	}
	log.Debug("Analysing agent packages", "target", platform.Target, "packages", len(packages), "full", full)

	var findings []Finding
	switch {
	case platform.OVAL():
		findings, err = s.scanOVAL(agent, platform.Target, packages)
	case platform.Family == updater.FamilyRedHat:
		findings, err = s.scanRedHat(agent, platform.Target, packages)
	case platform.Family == updater.FamilyWindows:
		findings, err = s.scanWindows(ctx, agent, cpe.Windows(platform.Target), packages, dict)
	}
	if err != nil {
		return nil, scanned{}, false, err
	}

	for i := range findings {
		findings[i].AgentID = agent.ID
		findings[i].AgentName = agent.Name
		findings[i].AgentIP = agent.AlertIP()
	}
	return findings, scanned{agent: agent, scanID: scanID, full: full}, true, nil
}

// report reduces the findings and sends them. It returns the number of
// alerts sent.
func (s *Scanner) report(ctx context.Context, findings []Finding) (int, error) {
	findings = Reduce(findings)

	cves := map[string][]string{}
	for _, f := range findings {
		cves[f.Source] = append(cves[f.Source], f.CveID)
	}
	infos := map[string]map[string]detector.VulnerabilityInfo{}
	for source, ids := range cves {
		found, err := s.Store.Infos(source, ids)
		if err != nil {
			return 0, err
		}
		infos[source] = found
	}

	sent := 0
	for _, f := range findings {
		info, ok := infos[f.Source][f.CveID]
		if !ok {
			s.Log.Debug("CVE without description", "cve", f.CveID, "target", f.Source)
			continue
		}
		err := s.Emitter.Emit(ctx, alert.Alert{
			AgentID:   f.AgentID,
			AgentName: f.AgentName,
			AgentIP:   f.AgentIP,
			Document:  NewDocument(f, info, s.Warnings.Severity),
		})
		if err != nil {
			return sent, fmt.Errorf("could not report %s: %w", f.CveID, err)
		}
		findingCounter.WithLabelValues(f.Source).Inc()
		sent++
	}
	return sent, nil
}
