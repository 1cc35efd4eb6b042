package detector

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/samber/lo"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/cpe"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/feed"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/oval"
)

// SchemaVersion is written to db_metadata by Migrate.
const SchemaVersion = 1

const (
	// DefaultBusyAttempts bounds the retries of a transaction that fails
	// because the database is locked.
	DefaultBusyAttempts = 1000

	busyWait  = 5 * time.Millisecond
	batchSize = 500
)

var (
	replaceCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vuln_detector",
			Subsystem: "store",
			Name:      "replace_total",
			Help:      "Total number of feed replacements, by target and result.",
		},
		[]string{"target", "result"},
	)

	replaceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vuln_detector",
			Subsystem: "store",
			Name:      "replace_duration_seconds",
			Help:      "The duration of feed replacements.",
		},
		[]string{"target"},
	)
)

type Store struct {
	db           *gorm.DB
	log          *slog.Logger
	busyAttempts int
}

// Open opens the SQLite database at path.
func Open(path string, log *slog.Logger) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		Logger:                 gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}
	return New(db, log), nil
}

func New(db *gorm.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log, busyAttempts: DefaultBusyAttempts}
}

func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(models()...); err != nil {
		return fmt.Errorf("could not migrate database: %w", err)
	}
	result := s.db.
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&DBMetadata{ID: 1, Version: SchemaVersion})
	if result.Error != nil {
		return fmt.Errorf("could not record schema version: %w", result.Error)
	}
	return nil
}

// IsBusy reports whether err was caused by a locked database.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

// transaction runs fn in a transaction, retrying it while the database is
// busy. Any error rolls back everything fn wrote.
func (s *Store) transaction(target string, fn func(tx *gorm.DB) error) error {
	start := time.Now()
	defer func() {
		replaceDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
	}()

	var err error
	for attempt := 1; attempt <= s.busyAttempts; attempt++ {
		err = s.runTransaction(fn)
		if !IsBusy(err) {
			break
		}
		s.log.Debug("Database busy, retrying", "target", target, "attempt", attempt)
		time.Sleep(busyWait)
	}

	if err != nil {
		replaceCounter.WithLabelValues(target, "error").Inc()
		if IsBusy(err) {
			return fmt.Errorf("database busy after %d attempts: %w", s.busyAttempts, err)
		}
		return err
	}
	replaceCounter.WithLabelValues(target, "success").Inc()
	return nil
}

func (s *Store) runTransaction(fn func(tx *gorm.DB) error) error {
	tx := s.db.Begin()
	if tx.Error != nil {
		return fmt.Errorf("could not start transaction: %w", tx.Error)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}
	return nil
}

func insert[T any](tx *gorm.DB, rows []T) error {
	if len(rows) == 0 {
		return nil
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(rows, batchSize)
	if result.Error != nil {
		var zero T
		return fmt.Errorf("could not insert %T records: %w", zero, result.Error)
	}
	return nil
}

func deleteTargets(tx *gorm.DB, model any, targets ...string) error {
	result := tx.Where("target IN ?", targets).Delete(model)
	if result.Error != nil {
		return fmt.Errorf("could not delete %T records of %v: %w", model, targets, result.Error)
	}
	return nil
}

func putMetadata(tx *gorm.DB, m Metadata) error {
	result := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&m)
	if result.Error != nil {
		return fmt.Errorf("could not store metadata of %s: %w", m.Target, result.Error)
	}
	return nil
}

// Timestamp returns the timestamp of the last import of target, or an empty
// string when it was never imported.
func (s *Store) Timestamp(target string) (string, error) {
	m := Metadata{}
	result := s.db.Where(&Metadata{Target: target}).Limit(1).Find(&m)
	if result.Error != nil {
		return "", fmt.Errorf("could not read timestamp of %s: %w", target, result.Error)
	}
	return m.Timestamp, nil
}

func (s *Store) Metadata() ([]Metadata, error) {
	var metadata []Metadata
	if err := s.db.Order("target").Find(&metadata).Error; err != nil {
		return nil, fmt.Errorf("could not read metadata: %w", err)
	}
	return metadata, nil
}

func infoRecord(info feed.Info) VulnerabilityInfo {
	return VulnerabilityInfo{
		CveID:             info.CveID,
		Target:            info.Target,
		Title:             info.Title,
		Severity:          info.Severity,
		Published:         info.Published,
		Updated:           info.Updated,
		Reference:         info.Reference,
		Description:       info.Description,
		Cvss:              info.Cvss,
		Cvss3:             info.Cvss3,
		CvssVector:        info.CvssVector,
		Cvss3Vector:       info.Cvss3Vector,
		Cwe:               info.Cwe,
		Advisories:        info.Advisories,
		BugzillaReference: info.BugzillaReference,
	}
}

// ReplaceOVAL replaces everything stored for the target of result.
func (s *Store) ReplaceOVAL(result *oval.Result) error {
	target := result.Target

	rows := result.Resolve()
	vulnerabilities := make([]Vulnerability, 0, len(rows))
	for _, row := range rows {
		vulnerabilities = append(vulnerabilities, Vulnerability{
			CveID:          row.CveID,
			Target:         target,
			PackageRef:     row.TestRef,
			Package:        row.Package,
			CheckVars:      row.CheckVars,
			Pending:        row.Pending,
			Operation:      row.Operation,
			OperationValue: row.OperationValue,
		})
	}

	infos := make([]VulnerabilityInfo, 0, len(result.Infos))
	for _, info := range result.Infos {
		if info.CveID == "" {
			continue
		}
		severity := info.Severity
		if severity == "" {
			severity = "Unknown"
		}
		infos = append(infos, VulnerabilityInfo{
			CveID:       info.CveID,
			Target:      target,
			Title:       info.Title,
			Severity:    severity,
			Published:   info.Published,
			Updated:     info.Updated,
			Reference:   info.Reference,
			Description: info.Description,
		})
	}

	criteria := make([]DefinitionCriteria, 0, len(result.Definitions))
	for _, def := range result.Definitions {
		if def.ID == "" || def.Criteria == nil {
			continue
		}
		tree, err := def.Criteria.Marshal()
		if err != nil {
			return fmt.Errorf("could not store criteria of %s: %w", def.ID, err)
		}
		criteria = append(criteria, DefinitionCriteria{
			DefinitionID: def.ID,
			CveID:        def.CveID,
			Target:       target,
			Tree:         tree,
		})
	}

	var variables []Variable
	for _, v := range result.Variables {
		for _, value := range v.Values {
			variables = append(variables, Variable{VarID: v.ID, Value: value, Target: target})
		}
	}

	s.log.Info("Storing OVAL feed",
		"target", target,
		"vulnerabilities", len(vulnerabilities),
		"definitions", len(criteria),
	)

	return s.transaction(target, func(tx *gorm.DB) error {
		for _, model := range []any{&Vulnerability{}, &VulnerabilityInfo{}, &DefinitionCriteria{}, &Variable{}, &Metadata{}} {
			if err := deleteTargets(tx, model, target); err != nil {
				return err
			}
		}
		if err := insert(tx, vulnerabilities); err != nil {
			return err
		}
		if err := insert(tx, infos); err != nil {
			return err
		}
		if err := insert(tx, criteria); err != nil {
			return err
		}
		if err := insert(tx, variables); err != nil {
			return err
		}
		return putMetadata(tx, Metadata{
			Target:         target,
			ProductName:    result.Metadata.ProductName,
			ProductVersion: result.Metadata.ProductVersion,
			SchemaVersion:  result.Metadata.SchemaVersion,
			Timestamp:      result.Metadata.Timestamp,
		})
	})
}

// ReplaceRedHat replaces the Red Hat dataset. Package rows live under the
// RHEL release targets and the CVE descriptions under REDHAT.
func (s *Store) ReplaceRedHat(result *feed.RedHatResult) error {
	vulnerabilities := make([]Vulnerability, 0, len(result.Packages))
	for _, pkg := range result.Packages {
		fixed := pkg.Version
		vulnerabilities = append(vulnerabilities, Vulnerability{
			CveID:          pkg.CveID,
			Target:         pkg.Target,
			TargetMinor:    pkg.TargetMinor,
			PackageRef:     pkg.Package,
			Package:        pkg.Package,
			Operation:      feed.RedHatOperation,
			OperationValue: &fixed,
		})
	}
	infos := lo.Map(result.Infos, func(info feed.Info, _ int) VulnerabilityInfo {
		return infoRecord(info)
	})

	s.log.Info("Storing Red Hat feed", "cves", len(infos), "packages", len(vulnerabilities))

	return s.transaction(feed.RedHatTarget, func(tx *gorm.DB) error {
		if err := deleteTargets(tx, &Vulnerability{}, feed.RedHatTargets...); err != nil {
			return err
		}
		if err := deleteTargets(tx, &VulnerabilityInfo{}, feed.RedHatTarget); err != nil {
			return err
		}
		if err := deleteTargets(tx, &Metadata{}, feed.RedHatTarget); err != nil {
			return err
		}
		if err := insert(tx, vulnerabilities); err != nil {
			return err
		}
		if err := insert(tx, infos); err != nil {
			return err
		}
		return putMetadata(tx, Metadata{
			Target:         feed.RedHatTarget,
			ProductName:    result.Metadata.ProductName,
			ProductVersion: result.Metadata.ProductVersion,
			Timestamp:      result.Metadata.Timestamp,
		})
	})
}

// NVDYearTarget is the metadata target of one NVD yearly feed.
func NVDYearTarget(year int) string {
	return fmt.Sprintf("%s-%d", feed.NVDTarget, year)
}

// ReplaceNVDYear replaces the CVEs of one NVD year. timestamp is the
// lastModifiedDate of the yearly feed.
func (s *Store) ReplaceNVDYear(result *feed.NVDResult, timestamp string) error {
	target := NVDYearTarget(result.Year)

	matches := make([]NVDMatch, 0, len(result.Matches))
	for _, m := range result.Matches {
		matches = append(matches, NVDMatch{
			Year:                  result.Year,
			CveID:                 m.CveID,
			Configuration:         m.Configuration,
			ConfigurationOperator: m.ConfigurationOperator,
			ConfigurationNegate:   m.ConfigurationNegate,
			Node:                  m.Node,
			NodeOperator:          m.NodeOperator,
			NodeNegate:            m.NodeNegate,
			Vulnerable:            m.Vulnerable,
			Part:                  m.CPE.Part,
			Vendor:                m.CPE.Vendor,
			Product:               m.CPE.Product,
			Version:               m.CPE.Version,
			Update:                m.CPE.Update,
			Edition:               m.CPE.Edition,
			Language:              m.CPE.Language,
			SwEdition:             m.CPE.SwEdition,
			TargetSw:              m.CPE.TargetSw,
			TargetHw:              m.CPE.TargetHw,
			Other:                 m.CPE.Other,
			VersionStartIncluding: m.VersionStartIncluding,
			VersionStartExcluding: m.VersionStartExcluding,
			VersionEndIncluding:   m.VersionEndIncluding,
			VersionEndExcluding:   m.VersionEndExcluding,
		})
	}
	infos := lo.Map(result.Infos, func(info feed.Info, _ int) VulnerabilityInfo {
		return infoRecord(info)
	})

	s.log.Info("Storing NVD feed", "year", result.Year, "cves", len(infos), "matches", len(matches))

	return s.transaction(target, func(tx *gorm.DB) error {
		if err := tx.Where("year = ?", result.Year).Delete(&NVDMatch{}).Error; err != nil {
			return fmt.Errorf("could not delete nvd matches of %d: %w", result.Year, err)
		}
		err := tx.
			Where("target = ? AND cve_id LIKE ?", feed.NVDTarget, fmt.Sprintf("CVE-%d-%%", result.Year)).
			Delete(&VulnerabilityInfo{}).Error
		if err != nil {
			return fmt.Errorf("could not delete nvd cves of %d: %w", result.Year, err)
		}
		if err := insert(tx, matches); err != nil {
			return err
		}
		if err := insert(tx, infos); err != nil {
			return err
		}
		return putMetadata(tx, Metadata{
			Target:         target,
			ProductName:    "NVD",
			ProductVersion: "2.0",
			Timestamp:      timestamp,
		})
	})
}

// ReplaceCPEHelper replaces the CPE dictionary. Rules keep their document
// order.
func (s *Store) ReplaceCPEHelper(result *feed.CPEHelperResult) error {
	helpers := make([]CPEHelper, 0, len(result.Rules))
	var sources []CPEHelperSource
	var translations []CPEHelperTranslation

	for i, rule := range result.Rules {
		id := i + 1
		helpers = append(helpers, CPEHelper{ID: id, Target: rule.Target, Action: uint32(rule.Action)})

		for _, field := range cpe.SectionFields() {
			for corr, alternatives := range *rule.Source.Field(field) {
				for pos, pattern := range alternatives {
					sources = append(sources, CPEHelperSource{
						HelperID:    id,
						Field:       field,
						Correlation: corr,
						Position:    pos,
						Pattern:     pattern,
					})
				}
			}
			for corr, alternatives := range *rule.Translation.Field(field) {
				for pos, raw := range alternatives {
					term, err := cpe.ParseTerm(raw)
					if err != nil {
						return fmt.Errorf("could not store translation of rule %d: %w", id, err)
					}
					translations = append(translations, CPEHelperTranslation{
						HelperID:     id,
						Field:        field,
						Correlation:  corr,
						Position:     pos,
						Term:         term.Value,
						CompareField: term.CompareField,
						Condition:    term.Condition,
					})
				}
			}
		}
	}

	s.log.Info("Storing CPE helper", "rules", len(helpers), "update_date", result.UpdateDate)

	return s.transaction(feed.CPEHelperTarget, func(tx *gorm.DB) error {
		for _, model := range []any{&CPEHelperTranslation{}, &CPEHelperSource{}, &CPEHelper{}} {
			if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
				return fmt.Errorf("could not clear %T: %w", model, err)
			}
		}
		if err := insert(tx, helpers); err != nil {
			return err
		}
		if err := insert(tx, sources); err != nil {
			return err
		}
		if err := insert(tx, translations); err != nil {
			return err
		}
		return putMetadata(tx, Metadata{
			Target:         feed.CPEHelperTarget,
			ProductName:    "CPE helper",
			ProductVersion: result.Version,
			SchemaVersion:  result.FormatVersion,
			Timestamp:      result.UpdateDate,
		})
	})
}

// Rules rebuilds the dictionary rules in their original order.
func (s *Store) Rules() ([]cpe.Rule, error) {
	var helpers []CPEHelper
	err := s.db.
		Preload("Sources", func(db *gorm.DB) *gorm.DB {
			return db.Order("correlation, position")
		}).
		Preload("Translations", func(db *gorm.DB) *gorm.DB {
			return db.Order("correlation, position")
		}).
		Order("id").
		Find(&helpers).Error
	if err != nil {
		return nil, fmt.Errorf("could not read cpe helper: %w", err)
	}

	rules := make([]cpe.Rule, 0, len(helpers))
	for _, h := range helpers {
		rule := cpe.Rule{Target: h.Target, Action: cpe.Action(h.Action)}
		for _, src := range h.Sources {
			place(rule.Source.Field(src.Field), src.Correlation, src.Pattern)
		}
		for _, tr := range h.Translations {
			raw := tr.Term
			if tr.CompareField != "" {
				raw = fmt.Sprintf("%s (%s %s)", tr.Term, tr.CompareField, tr.Condition)
			}
			place(rule.Translation.Field(tr.Field), tr.Correlation, raw)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func place(field *[][]string, corr int, value string) {
	if field == nil {
		return
	}
	for len(*field) <= corr {
		*field = append(*field, nil)
	}
	(*field)[corr] = append((*field)[corr], value)
}

// Dictionary compiles the stored rules.
func (s *Store) Dictionary() (*cpe.Dictionary, error) {
	rules, err := s.Rules()
	if err != nil {
		return nil, err
	}
	return cpe.NewDictionary(rules, s.log)
}

// ReplaceMSU replaces the Microsoft security update table.
func (s *Store) ReplaceMSU(entries []feed.MSUEntry, timestamp string) error {
	rows := lo.Map(entries, func(e feed.MSUEntry, _ int) MSU {
		return MSU{
			CveID:           e.CveID,
			Patch:           e.Patch,
			Product:         e.Product,
			RestartRequired: e.RestartRequired,
			Subtype:         e.Subtype,
			Title:           e.Title,
			URL:             e.URL,
		}
	})

	s.log.Info("Storing MSU feed", "entries", len(rows))

	return s.transaction(feed.MSUTarget, func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&MSU{}).Error; err != nil {
			return fmt.Errorf("could not clear msu: %w", err)
		}
		if err := insert(tx, rows); err != nil {
			return err
		}
		return putMetadata(tx, Metadata{
			Target:      feed.MSUTarget,
			ProductName: "Microsoft Security Updates",
			Timestamp:   timestamp,
		})
	})
}

// Vulnerabilities returns the rows of targets for the given package names
// plus every row whose package is a variable.
func (s *Store) Vulnerabilities(targets []string, packages []string) ([]Vulnerability, error) {
	var rows []Vulnerability
	err := s.db.
		Where("target IN ? AND check_vars = ?", targets, true).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("could not read vulnerabilities: %w", err)
	}

	for _, chunk := range lo.Chunk(lo.Uniq(packages), batchSize) {
		var found []Vulnerability
		err := s.db.
			Where("target IN ? AND check_vars = ? AND package IN ?", targets, false, chunk).
			Find(&found).Error
		if err != nil {
			return nil, fmt.Errorf("could not read vulnerabilities: %w", err)
		}
		rows = append(rows, found...)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

// CVERows returns every row of the given CVEs for target, installed or not.
func (s *Store) CVERows(target string, cves []string) ([]Vulnerability, error) {
	var rows []Vulnerability
	for _, chunk := range lo.Chunk(lo.Uniq(cves), batchSize) {
		var found []Vulnerability
		err := s.db.Where("target = ? AND cve_id IN ?", target, chunk).Find(&found).Error
		if err != nil {
			return nil, fmt.Errorf("could not read vulnerabilities of %s: %w", target, err)
		}
		rows = append(rows, found...)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

// Variables returns the values of every variable of target.
func (s *Store) Variables(target string) (map[string][]string, error) {
	var rows []Variable
	if err := s.db.Where(&Variable{Target: target}).Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("could not read variables of %s: %w", target, err)
	}
	variables := map[string][]string{}
	for _, row := range rows {
		variables[row.VarID] = append(variables[row.VarID], row.Value)
	}
	return variables, nil
}

// Definitions returns the criteria trees of the given CVEs for target.
func (s *Store) Definitions(target string, cves []string) ([]DefinitionCriteria, error) {
	var defs []DefinitionCriteria
	for _, chunk := range lo.Chunk(lo.Uniq(cves), batchSize) {
		var found []DefinitionCriteria
		err := s.db.Where("target = ? AND cve_id IN ?", target, chunk).Find(&found).Error
		if err != nil {
			return nil, fmt.Errorf("could not read definitions of %s: %w", target, err)
		}
		defs = append(defs, found...)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs, nil
}

// Infos returns the descriptions of the given CVEs for target keyed by CVE.
func (s *Store) Infos(target string, cves []string) (map[string]VulnerabilityInfo, error) {
	infos := map[string]VulnerabilityInfo{}
	for _, chunk := range lo.Chunk(lo.Uniq(cves), batchSize) {
		var found []VulnerabilityInfo
		err := s.db.Where("target = ? AND cve_id IN ?", target, chunk).Find(&found).Error
		if err != nil {
			return nil, fmt.Errorf("could not read cve info of %s: %w", target, err)
		}
		for _, info := range found {
			infos[info.CveID] = info
		}
	}
	return infos, nil
}

// NVDCandidates returns every match row of the CVEs that have at least one
// criteria on one of the given vendor and product pairs.
func (s *Store) NVDCandidates(products [][2]string) ([]NVDMatch, error) {
	var cves []string
	for _, p := range lo.Uniq(products) {
		var found []string
		err := s.db.Model(&NVDMatch{}).
			Distinct("cve_id").
			Where("vendor = ? AND product = ?", p[0], p[1]).
			Pluck("cve_id", &found).Error
		if err != nil {
			return nil, fmt.Errorf("could not read nvd matches of %s:%s: %w", p[0], p[1], err)
		}
		cves = append(cves, found...)
	}

	var matches []NVDMatch
	for _, chunk := range lo.Chunk(lo.Uniq(cves), batchSize) {
		var found []NVDMatch
		if err := s.db.Where("cve_id IN ?", chunk).Order("id").Find(&found).Error; err != nil {
			return nil, fmt.Errorf("could not read nvd configurations: %w", err)
		}
		matches = append(matches, found...)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].ID < matches[j].ID })
	return matches, nil
}

// Patches returns the Microsoft updates fixing cve.
func (s *Store) Patches(cve string) ([]MSU, error) {
	var patches []MSU
	if err := s.db.Where(&MSU{CveID: cve}).Order("id").Find(&patches).Error; err != nil {
		return nil, fmt.Errorf("could not read patches of %s: %w", cve, err)
	}
	return patches, nil
}

// Count returns the number of rows of model stored for target.
func (s *Store) Count(model any, targets ...string) (int64, error) {
	var n int64
	if err := s.db.Model(model).Where("target IN ?", targets).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("could not count %T: %w", model, err)
	}
	return n, nil
}
