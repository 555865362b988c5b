package exclude

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRulesExcluded(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		patterns []string
		path     string
		want     bool
	}{
		{"no rules", nil, "a.txt", false},
		{"bare name at root", []string{"secret.txt"}, "secret.txt", true},
		{"bare name nested", []string{"secret.txt"}, "dir/sub/secret.txt", true},
		{"bare name no partial", []string{"secret.txt"}, "notsecret.txt", false},
		{"glob extension", []string{"*.log"}, "logs/app.log", true},
		{"anchored path", []string{"build/out"}, "build/out/x.bin", true},
		{"anchored path elsewhere", []string{"build/out"}, "src/build/out/x.bin", false},
		{"directory excludes children", []string{"node_modules"}, "web/node_modules/pkg/index.js", true},
		{"directory trailing slash", []string{".git/"}, ".git", true},
		{"trailing slash on candidate", []string{".git"}, ".git/", true},
		{"negation re-includes", []string{"*.txt", "!keep.txt"}, "keep.txt", false},
		{"negation leaves others", []string{"*.txt", "!keep.txt"}, "drop.txt", true},
		{"leading dot slash", []string{"./cache"}, "cache/a", true},
		{"empty path", []string{"*"}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var r Rules
			for _, p := range tt.patterns {
				require.NoError(t, r.Add(p))
			}
			assert.Equal(t, tt.want, r.Excluded(tt.path))
		})
	}
}

func TestRulesAddInvalid(t *testing.T) {
	t.Parallel()

	var r Rules
	require.NoError(t, r.Add("ok.txt"))
	err := r.Add("[")
	require.ErrorIs(t, err, ErrPattern)
	assert.Equal(t, 1, r.Len())
	assert.True(t, r.Excluded("ok.txt"))
}

func TestRulesIgnoresEmpty(t *testing.T) {
	t.Parallel()

	var r Rules
	require.NoError(t, r.Add("  "))
	require.NoError(t, r.Add("!"))
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Patterns())
}

func TestNilRules(t *testing.T) {
	t.Parallel()

	var r *Rules
	assert.False(t, r.Excluded("a"))
	assert.Zero(t, r.Len())
}
