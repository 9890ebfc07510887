package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnknownKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    []string
	}{
		{
			name:    "misspelled section",
			content: "[logings]\nlevel = \"info\"\n",
			want:    []string{`unknown config section "logings" (did you mean "logging"?)`},
		},
		{
			name:    "misspelled key",
			content: "[readiness]\nimport_timout = \"5s\"\n",
			want:    []string{`unknown key in [readiness] "import_timout" (did you mean "import_timeout"?)`},
		},
		{
			name:    "no close match",
			content: "[remote]\ncompletely_different = 1\n",
			want:    []string{`unknown key in [remote] "completely_different"`},
		},
		{
			name:    "top-level key",
			content: "verbose = true\n",
			want:    []string{`unknown config section "verbose"`},
		},
		{
			name:    "all reported",
			content: "[sync]\nenabeld = true\n[store]\nload_timout = \"1s\"\n",
			want:    []string{`"enabeld"`, `"load_timout"`},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Load(writeTestConfig(t, tt.content))
			require.Error(t, err)

			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}
		})
	}
}

func TestLevenshtein(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, levenshtein("level", "level"))
	assert.Equal(t, 1, levenshtein("levl", "level"))
	assert.Equal(t, 5, levenshtein("", "level"))
	assert.Equal(t, 3, levenshtein("kitten", "sitting"))
}

func TestClosestMatch(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "enabled", closestMatch("enable", knownKeys["sync"]))
	assert.Empty(t, closestMatch("zzzzzzzzzz", knownKeys["sync"]))
}
