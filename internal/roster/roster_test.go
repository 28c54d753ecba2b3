package roster

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	valid := []Role{
		{Name: "a", Command: "bin-a"},
		{Name: "b", Command: "bin-b", DependsOn: []string{"a"}},
	}

	tests := []struct {
		name    string
		roles   []Role
		wantErr string
	}{
		{"valid", valid, ""},
		{"empty", nil, "no roles"},
		{"missing name", []Role{{Command: "x"}}, "has no name"},
		{"missing command", []Role{{Name: "a"}}, "has no command"},
		{"duplicate", []Role{{Name: "a", Command: "x"}, {Name: "a", Command: "y"}}, "duplicate"},
		{"self dependency", []Role{{Name: "a", Command: "x", DependsOn: []string{"a"}}}, "depends on itself"},
		{"forward dependency", []Role{
			{Name: "a", Command: "x", DependsOn: []string{"b"}},
			{Name: "b", Command: "y"},
		}, "not defined earlier"},
		{"unknown dependency", []Role{
			{Name: "a", Command: "x", DependsOn: []string{"ghost"}},
		}, "not defined earlier"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl, err := New(tt.roles)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, len(tt.roles), tpl.Len())
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewAssignsPositions(t *testing.T) {
	tpl, err := New([]Role{
		{Name: "a", Command: "x"},
		{Name: "b", Command: "x"},
		{Name: "c", Command: "x", DependsOn: []string{"a", "b"}},
	})
	require.NoError(t, err)

	assert.Equal(t, 0, tpl.Position("a"))
	assert.Equal(t, 2, tpl.Position("c"))
	assert.Equal(t, -1, tpl.Position("ghost"))

	c, ok := tpl.Get("c")
	require.True(t, ok)
	assert.Equal(t, 2, c.Position)
}

func TestDefault(t *testing.T) {
	tpl := Default()

	assert.Equal(t, []string{
		"test_engineer", "db_engineer", "backend_dev",
		"frontend_dev", "e2e_tester", "qa_engineer",
	}, tpl.Names())

	backend, ok := tpl.Get("backend_dev")
	require.True(t, ok)
	assert.Equal(t, []string{"test_engineer", "db_engineer"}, backend.DependsOn)
	assert.Equal(t, "crew", backend.Command)

	qa, ok := tpl.Get("qa_engineer")
	require.True(t, ok)
	assert.Len(t, qa.DependsOn, 5, "qa gates on the whole team")
}

func TestRoleTimeout(t *testing.T) {
	def := 30 * time.Minute

	assert.Equal(t, def, Role{}.Timeout(def))
	assert.Equal(t, 10*time.Minute, Role{MaxDuration: Duration(10 * time.Minute)}.Timeout(def))
}

func TestParse(t *testing.T) {
	doc := `
roles:
  - name: test_engineer
    command: claude
    args: ["--agent", "test-engineer"]
    max_duration: 20m
  - name: backend_dev
    command: claude
    args: ["--agent", "backend-dev"]
    depends_on: [test_engineer]
  - name: docs_writer
    command: claude
    optional: true
`
	tpl, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Equal(t, 3, tpl.Len())

	te, ok := tpl.Get("test_engineer")
	require.True(t, ok)
	assert.Equal(t, "claude", te.Command)
	assert.Equal(t, []string{"--agent", "test-engineer"}, te.Args)
	assert.Equal(t, 20*time.Minute, te.Timeout(time.Hour))

	docs, ok := tpl.Get("docs_writer")
	require.True(t, ok)
	assert.True(t, docs.Optional)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("   \n"))
	assert.ErrorContains(t, err, "empty")

	_, err = Parse([]byte("roles: [1, 2"))
	assert.ErrorContains(t, err, "decode")

	_, err = Parse([]byte("roles:\n  - name: a\n    command: x\n    max_duration: fast\n"))
	assert.ErrorContains(t, err, "parse duration")
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roster.yaml")
	doc := "roles:\n  - name: solo\n    command: run-solo\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	tpl, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"solo"}, tpl.Names())

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(dir)
	assert.ErrorContains(t, err, "directory")
}
