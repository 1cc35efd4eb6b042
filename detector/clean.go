package detector

import (
	"fmt"
	"io"

	"gorm.io/gorm"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/feed"
)

// cleanPlan lists, per table, the targets whose rows belong to a feed.
type cleanPlan struct {
	model   any
	targets []string
}

func planFor(target string) []cleanPlan {
	switch target {
	case feed.RedHatTarget:
		return []cleanPlan{
			{&Vulnerability{}, feed.RedHatTargets},
			{&VulnerabilityInfo{}, []string{feed.RedHatTarget}},
			{&Metadata{}, []string{feed.RedHatTarget}},
		}
	case feed.NVDTarget:
		return []cleanPlan{
			{&NVDMatch{}, nil},
			{&VulnerabilityInfo{}, []string{feed.NVDTarget}},
		}
	case feed.CPEHelperTarget:
		return []cleanPlan{
			{&CPEHelperTranslation{}, nil},
			{&CPEHelperSource{}, nil},
			{&CPEHelper{}, nil},
			{&Metadata{}, []string{feed.CPEHelperTarget}},
		}
	case feed.MSUTarget:
		return []cleanPlan{
			{&MSU{}, nil},
			{&Metadata{}, []string{feed.MSUTarget}},
		}
	}
	return []cleanPlan{
		{&Vulnerability{}, []string{target}},
		{&VulnerabilityInfo{}, []string{target}},
		{&DefinitionCriteria{}, []string{target}},
		{&Variable{}, []string{target}},
		{&Metadata{}, []string{target}},
	}
}

func (p cleanPlan) scope(tx *gorm.DB) *gorm.DB {
	if p.targets == nil {
		return tx.Model(p.model).Where("1 = 1")
	}
	return tx.Model(p.model).Where("target IN ?", p.targets)
}

// CleanTarget removes everything imported for target so the next update
// starts from scratch. With dryRun only the number of rows is reported.
func (s *Store) CleanTarget(out io.Writer, target string, dryRun bool) error {
	plan := planFor(target)

	return s.transaction(target, func(tx *gorm.DB) error {
		for _, p := range plan {
			var n int64
			if err := p.scope(tx).Count(&n).Error; err != nil {
				return fmt.Errorf("could not count %T records: %w", p.model, err)
			}
			fmt.Fprintf(out, "Found %d %T records\n", n, p.model)
		}

		if target == feed.NVDTarget {
			var n int64
			if err := tx.Model(&Metadata{}).Where("target LIKE ?", feed.NVDTarget+"-%").Count(&n).Error; err != nil {
				return fmt.Errorf("could not count nvd metadata: %w", err)
			}
			fmt.Fprintf(out, "Found %d NVD years\n", n)
		}

		if dryRun {
			return nil
		}

		fmt.Fprintf(out, "Deleting records for %s\n", target)
		for _, p := range plan {
			if err := p.scope(tx).Delete(p.model).Error; err != nil {
				return fmt.Errorf("could not delete records: %w", err)
			}
		}
		if target == feed.NVDTarget {
			if err := tx.Where("target LIKE ?", feed.NVDTarget+"-%").Delete(&Metadata{}).Error; err != nil {
				return fmt.Errorf("could not delete records: %w", err)
			}
		}
		return nil
	})
}
