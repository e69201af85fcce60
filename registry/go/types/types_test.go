package types_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.skia.org/mrtaskman/registry/go/types"
)

func TestPackage_Key_MatchesFormatPackageKey(t *testing.T) {
	p := &types.Package{Name: "cowsay", Version: 3}
	require.Equal(t, "cowsay^^^3", p.Key())
	require.Equal(t, p.Key(), types.FormatPackageKey("cowsay", 3))
}

func TestPackage_IndexValues_IndexesByName(t *testing.T) {
	p := &types.Package{Name: "cowsay", Version: 3}
	require.Equal(t, []string{"cowsay"}, p.IndexValues()[types.IndexByName])
}
