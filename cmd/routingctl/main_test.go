package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wtf-ops/backend/internal/seed"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestDumpDefaultValidates(t *testing.T) {
	out, err := run(t, "seed", "dump-default")
	require.NoError(t, err)
	assert.Equal(t, string(seed.DefaultYAML()), out)

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(out), 0o644))
	out, err = run(t, "seed", "validate", "--file", path)
	require.NoError(t, err)
	assert.Contains(t, out, "ok: 8 categories, 4 channels")
}

func TestValidateReportsProblems(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	bad := "rules:\n  - id: r-1\n    name: orphan\n    category_id: cat-x\n    channel_id: ch-x\n    accepted_severities: [low]\n    priority: 1\n"
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	out, err := run(t, "seed", "validate", "--file", path)
	require.Error(t, err)
	assert.Contains(t, out, "r-1")
}

func TestResolveText(t *testing.T) {
	out, err := run(t, "resolve", "--text", "AC band hai, bahut garmi")
	require.NoError(t, err)

	var got struct {
		Message struct {
			DetectedCategoryName string `json:"detected_category_name"`
		} `json:"message"`
		Resolution struct {
			Matches []struct {
				ID string `json:"id"`
			} `json:"matches"`
		} `json:"resolution"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "AC & Ventilation", got.Message.DetectedCategoryName)
	require.NotEmpty(t, got.Resolution.Matches)
	assert.True(t, strings.HasPrefix(got.Resolution.Matches[0].ID, "r-ac-"))
}

func TestResolveRequiresOneInput(t *testing.T) {
	_, err := run(t, "resolve")
	require.Error(t, err)
}
