package updater

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	getter "github.com/hashicorp/go-getter"
	"github.com/klauspost/compress/gzip"
	"github.com/spf13/afero"
	"github.com/ulikunitz/xz"
)

// DownloadAttempts bounds the downloads of one file.
const DownloadAttempts = 5

// Fetcher stores the content of src at dst.
type Fetcher interface {
	Fetch(ctx context.Context, src, dst string) error
}

// GetterFetcher downloads through go-getter. Files are stored as served;
// decompression is left to the updater so that the timestamp scan sees the
// same bytes as the parser.
type GetterFetcher struct{}

func (GetterFetcher) Fetch(ctx context.Context, src, dst string) error {
	pwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("unable to get the current dir: %w", err)
	}

	client := &getter.Client{
		Ctx:           ctx,
		Src:           src,
		Dst:           dst,
		Pwd:           pwd,
		Getters:       getter.Getters,
		Decompressors: map[string]getter.Decompressor{},
		Mode:          getter.ClientModeFile,
	}

	if err := client.Get(); err != nil {
		return fmt.Errorf("failed to download %s: %w", src, err)
	}
	return nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (u *Updater) tempFile(name string) string {
	return filepath.Join(u.WorkDir, "vuln-temp-"+strings.ToLower(name))
}

// download stores src in the work directory, retrying with a linear delay.
func (u *Updater) download(ctx context.Context, src, name string, attempts int, factor time.Duration) (string, error) {
	if err := u.Fs.MkdirAll(u.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("could not create work directory: %w", err)
	}
	dst := u.tempFile(name)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		// go-getter refuses to overwrite some destinations.
		if rerr := u.Fs.Remove(dst); rerr != nil && !os.IsNotExist(rerr) {
			return "", fmt.Errorf("could not remove %s: %w", dst, rerr)
		}
		if err = u.Fetcher.Fetch(ctx, src, dst); err == nil {
			return dst, nil
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		u.Log.Debug("Download failed", "url", src, "attempt", attempt, "err", err)
		if attempt < attempts {
			if serr := u.Sleep(ctx, time.Duration(attempt)*factor); serr != nil {
				return "", serr
			}
		}
	}
	return "", fmt.Errorf("could not download %s after %d attempts: %w", src, attempts, err)
}

// decompress wraps r according to the extension of name.
func decompress(name string, r io.Reader) (io.Reader, error) {
	switch {
	case strings.HasSuffix(name, ".gz"):
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("could not open gzip stream: %w", err)
		}
		return zr, nil
	case strings.HasSuffix(name, ".xz"):
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("could not open xz stream: %w", err)
		}
		return xr, nil
	}
	return r, nil
}

func isLocal(src string) bool {
	return !strings.Contains(src, "://")
}

// load returns the decompressed content of a feed file. Remote sources are
// downloaded first, local ones are read from the filesystem.
func (u *Updater) load(ctx context.Context, src, name string, attempts int, factor time.Duration) ([]byte, error) {
	var raw []byte
	if isLocal(src) {
		data, err := afero.ReadFile(u.Fs, src)
		if err != nil {
			return nil, fmt.Errorf("could not read %s: %w", src, err)
		}
		raw = data
	} else {
		path, err := u.download(ctx, src, name, attempts, factor)
		if err != nil {
			return nil, err
		}
		defer u.Fs.Remove(path)

		data, err := afero.ReadFile(u.Fs, path)
		if err != nil {
			return nil, fmt.Errorf("could not read downloaded %s: %w", name, err)
		}
		raw = data
	}

	r, err := decompress(src, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("could not decompress %s: %w", src, err)
	}
	return data, nil
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
