package cpe

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRewriterRewritesMatchingField(t *testing.T) {
	require := require.New(t)

	rewriters, err := NewRewriters([]RewriteRule{
		{
			Field:       "product",
			Predicate:   `vendor == "python" && target_sw == ""`,
			RewriteRule: `product | fmt("py3-%s")`,
		},
	})
	require.NoError(err)

	c := RewriteAll(rewriters, CPE{Part: "a", Vendor: "python", Product: "requests"})
	require.Equal("py3-requests", c.Product)

	c = RewriteAll(rewriters, CPE{Part: "a", Vendor: "python", Product: "requests", TargetSw: "windows"})
	require.Equal("requests", c.Product)
}

func TestRewriterDefaultsToProduct(t *testing.T) {
	r, err := NewRewriter(RewriteRule{Predicate: "true", RewriteRule: `"x"`})
	require.NoError(t, err)
	require.Equal(t, "product", r.Field)
}

func TestRewriterRejectsInvalidRules(t *testing.T) {
	_, err := NewRewriter(RewriteRule{Predicate: `vendor ==`, RewriteRule: `"x"`})
	require.Error(t, err)

	_, err = NewRewriter(RewriteRule{Predicate: `true`, RewriteRule: `1`})
	require.Error(t, err)

	_, err = NewRewriter(RewriteRule{Field: "other", Predicate: `true`, RewriteRule: `"x"`})
	require.Error(t, err)
}
