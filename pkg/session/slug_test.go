package session

import (
	"os"
	"path/filepath"
	"testing"

	git "github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkDirSlugPlainDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "my project")
	slug := computeSlug(dir)
	assert.Contains(t, slug, "my-project-")
	assert.NotContains(t, slug, " ")
}

func TestWorkDirSlugGitCheckout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "widget")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	// Fresh repo has no commits, so HEAD resolution fails.
	assert.Equal(t, "widget-unknown", computeSlug(dir))
}

func TestWorkDirSlugEmpty(t *testing.T) {
	assert.Equal(t, "", workDirSlug(""))
}

func TestSanitizeSlug(t *testing.T) {
	assert.Equal(t, "a-b-c", sanitizeSlug("A b/c"))
	assert.Equal(t, "repo-main", sanitizeSlug("-repo-main-"))
}
