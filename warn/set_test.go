package warn

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetWarnsOncePerValue(t *testing.T) {
	require := require.New(t)

	var buf bytes.Buffer
	s := NewSet("severity", slog.New(slog.NewTextHandler(&buf, nil)))

	require.True(s.Warn("Unknown severity", "weird"))
	require.False(s.Warn("Unknown severity", "weird"))
	require.Equal(1, strings.Count(buf.String(), "weird"))
}

func TestSetIsBounded(t *testing.T) {
	require := require.New(t)

	s := NewSet("os", slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	for i := 0; i < DefaultCapacity+5; i++ {
		s.Warn("Unknown OS", fmt.Sprintf("os-%d", i))
	}

	require.Equal(DefaultCapacity, s.Len())
	require.False(s.Warn("Unknown OS", "another"))

	s.Reset()
	require.Equal(0, s.Len())
	require.True(s.Warn("Unknown OS", "another"))
}
