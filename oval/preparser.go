package oval

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
)

type section int

const (
	sectionRoot section = iota
	sectionHeader
	sectionDefinitions
	sectionTests
	sectionObjects
)

// Debian operating system checks that every definition repeats.
var debianExcludedTests = []string{
	`oval:org.debian.oval:tst:1"`,
	`oval:org.debian.oval:tst:2"`,
}

const maxLineSize = 1 << 20

// Preparse filters the OVAL document at src into dst, dropping definition
// entries that do not affect the release and dialect specific noise.
func Preparse(fs afero.Fs, src, dst string, dialect Dialect) error {
	in, err := fs.Open(src)
	if err != nil {
		return fmt.Errorf("could not open oval file: %w", err)
	}
	defer in.Close()

	out, err := fs.Create(dst)
	if err != nil {
		return fmt.Errorf("could not create filtered oval file: %w", err)
	}
	defer out.Close()

	return PreparseStream(in, out, dialect)
}

// PreparseStream is Preparse over streams.
func PreparseStream(in io.Reader, out io.Writer, dialect Dialect) error {
	var keep func(state *section, line string) bool
	switch dialect {
	case Ubuntu:
		keep = keepUbuntu
	case Debian:
		keep = keepDebian
	default:
		return ErrUnknownDialect
	}

	state := sectionRoot
	if dialect == Debian {
		state = sectionHeader
	}

	r := bufio.NewReaderSize(in, 64*1024)
	w := bufio.NewWriter(out)
	for {
		line, err := r.ReadString('\n')
		if len(line) > maxLineSize {
			return fmt.Errorf("oval line exceeds %d bytes", maxLineSize)
		}
		if line != "" && keep(&state, line) {
			if _, werr := w.WriteString(line); werr != nil {
				return fmt.Errorf("could not write filtered oval: %w", werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("could not read oval: %w", err)
		}
	}

	return w.Flush()
}

func keepUbuntu(state *section, line string) bool {
	switch *state {
	case sectionObjects:
		if strings.Contains(line, "</objects>") {
			*state = sectionRoot
		}
	case sectionDefinitions:
		if idx := strings.Index(line, "is not affected"); idx >= 0 {
			if neg := strings.Index(line, "negate"); neg >= 0 && strings.Contains(line[neg:], "true") {
				return false
			}
		}
		if strings.Contains(line, "a decision has been made to ignore it") {
			return false
		}
		if strings.Contains(line, "</definitions>") {
			*state = sectionRoot
		}
	default:
		if strings.Contains(line, "<objects>") {
			*state = sectionObjects
		} else if strings.Contains(line, "<definitions>") {
			*state = sectionDefinitions
		}
	}
	return true
}

func keepDebian(state *section, line string) bool {
	switch *state {
	case sectionHeader:
		// the XML declaration is dropped along with anything before it
		if strings.Contains(line, "?>") {
			*state = sectionRoot
		}
		return false
	case sectionObjects:
		if strings.Contains(line, "</objects>") {
			*state = sectionRoot
		}
	case sectionDefinitions:
		for _, excluded := range debianExcludedTests {
			if strings.Contains(line, excluded) {
				return false
			}
		}
		if strings.Contains(line, "</definitions>") {
			*state = sectionRoot
		}
	default:
		if strings.Contains(line, "<objects>") {
			*state = sectionObjects
		} else if strings.Contains(line, "<definitions>") {
			*state = sectionDefinitions
		} else if strings.Contains(line, "<tests>") {
			*state = sectionTests
		}
	}
	return true
}
