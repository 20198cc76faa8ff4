package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultDataDirXDG(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", "/custom/data")
	assert.Equal(t, "/custom/data/correlator", DefaultDataDir())
}

func TestDefaultDataDirNoHome(t *testing.T) {
	t.Setenv("HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	assert.Equal(t, "./data", DefaultDataDir())
}

func TestIsDir(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected bool
	}{
		{name: "existing directory", path: ".", expected: true},
		{name: "non-existent path", path: "/non/existent/path/that/does/not/exist", expected: false},
		{name: "file instead of directory", path: os.Args[0], expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, isDir(tt.path))
		})
	}
}

func TestDefaultDataDirShape(t *testing.T) {
	result := DefaultDataDir()
	assert.True(t, filepath.IsAbs(result) || strings.HasPrefix(result, "./"), result)
	assert.True(t, strings.HasSuffix(strings.ToLower(result), "correlator") || result == "./data", result)
	assert.Equal(t, result, DefaultDataDir())
}
