package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompilePolicySet(t *testing.T) {
	t.Run("ValidPolicies", func(t *testing.T) {
		set, err := CompilePolicySet([]LessonPolicy{
			{LessonID: 1, AllowedQueryTypes: []string{"SELECT"}},
			{LessonID: 2, BlockedPatterns: []string{`\bJOIN\b`}},
		})
		require.NoError(t, err)

		types, extra := set.effective(1, []string{"SELECT", "INSERT"})
		assert.Equal(t, []string{"SELECT"}, types)
		assert.Empty(t, extra)

		types, extra = set.effective(2, []string{"SELECT", "INSERT"})
		assert.Equal(t, []string{"SELECT", "INSERT"}, types, "empty override keeps the defaults")
		assert.Len(t, extra, 1)
	})

	t.Run("UnknownLessonGetsDefaults", func(t *testing.T) {
		set, err := CompilePolicySet(nil)
		require.NoError(t, err)

		types, extra := set.effective(42, []string{"SELECT"})
		assert.Equal(t, []string{"SELECT"}, types)
		assert.Empty(t, extra)
	})

	t.Run("MissingLessonID", func(t *testing.T) {
		_, err := CompilePolicySet([]LessonPolicy{{AllowedQueryTypes: []string{"SELECT"}}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "without lesson_id")
	})

	t.Run("BadPattern", func(t *testing.T) {
		_, err := CompilePolicySet([]LessonPolicy{
			{LessonID: 1, BlockedPatterns: []string{`(unclosed`}},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid blocked pattern")
	})
}

func TestLoadPolicyFile(t *testing.T) {
	t.Run("ValidFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "policies.yaml")
		content := `
policies:
  - lesson_id: 3
    allowed_query_types: [SELECT]
    blocked_patterns:
      - '\bJOIN\b'
  - lesson_id: 4
    allowed_query_types: [SELECT, INSERT]
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

		set, err := LoadPolicyFile(path)
		require.NoError(t, err)

		types, extra := set.effective(3, []string{"SELECT", "INSERT", "UPDATE", "DELETE"})
		assert.Equal(t, []string{"SELECT"}, types)
		assert.Len(t, extra, 1)

		types, _ = set.effective(4, nil)
		assert.Equal(t, []string{"SELECT", "INSERT"}, types)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := LoadPolicyFile(filepath.Join(t.TempDir(), "absent.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to read policy file")
	})

	t.Run("MalformedYAML", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "broken.yaml")
		require.NoError(t, os.WriteFile(path, []byte("policies: [not: {closed"), 0o600))

		_, err := LoadPolicyFile(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse policy file")
	})
}
