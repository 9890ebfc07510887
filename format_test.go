package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{"zero", 0, "0s"},
		{"sub-millisecond", 400 * time.Microsecond, "0s"},
		{"milliseconds", 1234567 * time.Microsecond, "1.23s"},
		{"under a second", 250*time.Millisecond + 400*time.Microsecond, "250ms"},
		{"minutes", 90 * time.Second, "1m30s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatDuration(tt.d))
		})
	}
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer

	headers := []string{"KIND", "DELETED"}
	rows := [][]string{
		{"Card", "3"},
		{"ExpenseCategory", "12"},
	}

	printTable(&buf, headers, rows)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "KIND             DELETED", lines[0])
	assert.Equal(t, "Card             3", lines[1])
	assert.Equal(t, "ExpenseCategory  12", lines[2])
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, printJSON(&buf, map[string]int{"deleted": 2}))
	assert.Equal(t, "{\n  \"deleted\": 2\n}\n", buf.String())
}
