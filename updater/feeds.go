package updater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/afero"

	"gitlab.alpinelinux.org/alpine/security/vuln-detector/detector"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/feed"
	"gitlab.alpinelinux.org/alpine/security/vuln-detector/oval"
)

const (
	RedHatPageSize       = 1000
	RedHatMaxPages       = 100
	RedHatMaxFailedPages = 5
	RedHatAttempts       = 3
	RedHatSleepFactor    = 5 * time.Second

	NVDAttempts    = 3
	NVDSleepFactor = 5 * time.Second
)

func (n *Node) source() string {
	if n.URL != "" {
		return n.URL
	}
	return n.Path
}

// ovalTimestamp scans a raw OVAL document for the generator timestamp.
func ovalTimestamp(data []byte) (string, bool) {
	_, rest, ok := bytes.Cut(data, []byte("timestamp>"))
	if !ok {
		return "", false
	}
	value, _, ok := bytes.Cut(rest, []byte("<"))
	if !ok {
		return "", false
	}
	return strings.TrimSpace(string(value)), true
}

func (u *Updater) updateOVAL(ctx context.Context, n *Node) error {
	data, err := u.load(ctx, n.source(), n.Target, DownloadAttempts, time.Second)
	if err != nil {
		return err
	}

	if ts, ok := ovalTimestamp(data); ok {
		same, err := u.unchanged(n.Target, ts)
		if err != nil {
			return err
		}
		if same {
			return feed.ErrNotNeeded
		}
	}

	if err := u.Fs.MkdirAll(u.WorkDir, 0o755); err != nil {
		return fmt.Errorf("could not create work directory: %w", err)
	}
	raw := u.tempFile(n.Target)
	fitted := raw + "-fitted"
	defer u.Fs.Remove(raw)
	defer u.Fs.Remove(fitted)

	if err := afero.WriteFile(u.Fs, raw, data, 0o644); err != nil {
		return fmt.Errorf("could not store oval file: %w", err)
	}
	if err := oval.Preparse(u.Fs, raw, fitted, n.Dialect); err != nil {
		return err
	}

	f, err := u.Fs.Open(fitted)
	if err != nil {
		return fmt.Errorf("could not open filtered oval file: %w", err)
	}
	defer f.Close()

	root, err := oval.Parse(f)
	if err != nil {
		return err
	}
	result, err := oval.Normalize(root, n.Dialect, n.Target, u.Log)
	if err != nil {
		return err
	}
	n.State = StateParsed

	return u.Store.ReplaceOVAL(result)
}

// updateRedHat pages through the Red Hat CVE list. Pages that keep failing
// are skipped up to RedHatMaxFailedPages; the dataset is only replaced once
// every page has been read.
func (u *Updater) updateRedHat(ctx context.Context, n *Node) error {
	if isLocal(n.source()) {
		data, err := u.load(ctx, n.source(), n.Target, 1, 0)
		if err != nil {
			return err
		}
		result, err := feed.ParseRedHat(bytes.NewReader(data), u.Now(), u.Warnings())
		if err != nil {
			return err
		}
		n.State = StateParsed
		return u.Store.ReplaceRedHat(result)
	}

	total := &feed.RedHatResult{}
	fetched := false
	failed := 0

	for page := 1; page <= RedHatMaxPages; page++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		src := fmt.Sprintf(n.URL, n.UpdateFromYear, RedHatPageSize, page)
		data, err := u.load(ctx, src, n.Target, RedHatAttempts, RedHatSleepFactor)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			u.Log.Warn("Could not fetch Red Hat page", "page", page, "failed", failed, "err", err)
			if failed >= RedHatMaxFailedPages {
				return fmt.Errorf("giving up after %d failed Red Hat pages", failed)
			}
			continue
		}

		if bytes.Equal(bytes.TrimSpace(data), []byte("[]")) {
			u.Log.Debug("Reached last Red Hat page", "page", page)
			break
		}

		result, err := feed.ParseRedHat(bytes.NewReader(data), u.Now(), u.Warnings())
		if err != nil {
			return fmt.Errorf("invalid Red Hat page %d: %w", page, err)
		}
		total.Merge(result)
		fetched = true
		u.Log.Debug("Fetched Red Hat page", "page", page, "cves", len(result.Infos))
	}

	if !fetched {
		return errors.New("no Red Hat page could be fetched")
	}
	n.State = StateParsed

	return u.Store.ReplaceRedHat(total)
}

func nvdMetaURL(feedURL string) string {
	base := strings.TrimSuffix(strings.TrimSuffix(feedURL, ".gz"), ".xz")
	return strings.TrimSuffix(base, ".json") + ".meta"
}

// updateNVD replaces the yearly feeds from UpdateFromYear to the current
// year. Years whose meta timestamp is already stored are skipped.
func (u *Updater) updateNVD(ctx context.Context, n *Node) error {
	for year := n.UpdateFromYear; year <= u.Now().Year(); year++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		target := detector.NVDYearTarget(year)
		src := fmt.Sprintf(n.source(), year)

		var timestamp string
		if !isLocal(src) {
			meta, err := u.load(ctx, nvdMetaURL(src), target+"-meta", NVDAttempts, NVDSleepFactor)
			if err != nil {
				return err
			}
			timestamp, err = feed.ParseNVDMeta(bytes.NewReader(meta))
			if err != nil {
				return err
			}
			same, err := u.unchanged(target, timestamp)
			if err != nil {
				return err
			}
			if same {
				u.Log.Debug("NVD year is up to date", "year", year)
				continue
			}
		}

		data, err := u.load(ctx, src, target, NVDAttempts, NVDSleepFactor)
		if err != nil {
			return err
		}
		if timestamp == "" {
			timestamp = digest(data)
			same, err := u.unchanged(target, timestamp)
			if err != nil {
				return err
			}
			if same {
				continue
			}
		}

		result, err := feed.ParseNVD(bytes.NewReader(data), year, u.Warnings())
		if err != nil {
			return fmt.Errorf("could not parse nvd %d: %w", year, err)
		}
		n.State = StateParsed
		if err := u.Store.ReplaceNVDYear(result, timestamp); err != nil {
			return err
		}
	}
	return nil
}

// read returns a helper feed and the revision it was read at: the commit
// for repositories, a content digest otherwise.
func (u *Updater) read(ctx context.Context, n *Node) ([]byte, string, error) {
	if isGitRemote(n.URL) {
		return u.Git.ReadFile(ctx, n.URL, n.Path)
	}
	data, err := u.load(ctx, n.source(), n.Target, DownloadAttempts, time.Second)
	if err != nil {
		return nil, "", err
	}
	return data, digest(data), nil
}

func (u *Updater) updateCPEHelper(ctx context.Context, n *Node) error {
	data, _, err := u.read(ctx, n)
	if err != nil {
		return err
	}

	stored, err := u.Store.Timestamp(feed.CPEHelperTarget)
	if err != nil {
		return err
	}
	if ts, ok := feed.CPEHelperTimestamp(data); ok && ts == stored {
		return feed.ErrNotNeeded
	}

	result, err := feed.ParseCPEHelper(bytes.NewReader(data), stored, u.Warnings())
	if err != nil {
		return err
	}
	n.State = StateParsed

	return u.Store.ReplaceCPEHelper(result)
}

func (u *Updater) updateMSU(ctx context.Context, n *Node) error {
	data, revision, err := u.read(ctx, n)
	if err != nil {
		return err
	}

	same, err := u.unchanged(feed.MSUTarget, revision)
	if err != nil {
		return err
	}
	if same {
		return feed.ErrNotNeeded
	}

	entries, err := feed.ParseMSU(bytes.NewReader(data))
	if err != nil {
		return err
	}
	n.State = StateParsed

	return u.Store.ReplaceMSU(entries, revision)
}
