package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/divan/internal/config"
	derrors "github.com/Aman-CERP/divan/internal/errors"
	"github.com/Aman-CERP/divan/internal/index"
	"github.com/Aman-CERP/divan/internal/store"
	"github.com/Aman-CERP/divan/pkg/version"
)

// isolate keeps user config and DIVAN_* variables of the host out of a test.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	for _, env := range []string{"DIVAN_DATA_DIR", "DIVAN_BACKEND", "DIVAN_LOG_LEVEL",
		"DIVAN_QUERY_CACHE_SIZE", "DIVAN_INDEXING_WORKERS", "DIVAN_BATCH_SIZE", "NO_COLOR"} {
		t.Setenv(env, "")
	}
}

// run executes the CLI against dir and returns what it wrote to stdout.
func run(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	buf := &bytes.Buffer{}
	root.SetOut(buf)
	root.SetErr(io.Discard)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(append([]string{"--dir", dir}, args...))
	err := root.Execute()
	return buf.String(), err
}

func mustRun(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := run(t, dir, args...)
	require.NoError(t, err, "divan %s", strings.Join(args, " "))
	return out
}

func decode[T any](t *testing.T, out string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(out), &v), out)
	return v
}

func newProject(t *testing.T) string {
	t.Helper()
	isolate(t)
	dir := t.TempDir()
	mustRun(t, dir, "config", "init")
	return dir
}

func keysOf(results []index.IndexQueryResult) []string {
	keys := make([]string, len(results))
	for i, r := range results {
		keys[i] = r.Key
	}
	return keys
}

func TestCLI_EndToEnd(t *testing.T) {
	dir := newProject(t)

	// Given: four users, one without a name, stored by put and load
	put := decode[PutResult](t, mustRun(t, dir, "put", "users/1", `{"name":"Oren","city":"Haifa","age":40}`))
	assert.Equal(t, PutResult{Key: "users/1", Etag: 1}, put)
	mustRun(t, dir, "put", "users/2", `{"name":"Dana","city":"Paris","age":28}`)
	mustRun(t, dir, "put", "users/3", `{"city":"Haifa"}`)

	file := filepath.Join(t.TempDir(), "more.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"users/4":{"name":"Ayende","city":"Haifa","age":35}}`), 0o644))
	loaded := decode[LoadResult](t, mustRun(t, dir, "load", file))
	require.Len(t, loaded.Documents, 1)
	assert.Equal(t, int64(4), loaded.LastEtag)

	// When: indexing
	indexed := decode[IndexOutput](t, mustRun(t, dir, "index"))

	// Then: both indexes read every document and the bad user is reported
	require.Len(t, indexed.Indexes, 2)
	for _, run := range indexed.Indexes {
		assert.Equal(t, 4, run.Documents, run.Index)
		assert.Empty(t, run.Error, run.Index)
	}
	require.Len(t, indexed.Errors, 1)
	assert.Equal(t, "Users", indexed.Errors[0].Index)
	assert.Equal(t, "users/3", indexed.Errors[0].DocumentID)

	// And: the map index sorts by age, descending
	q := decode[QueryOutput](t, mustRun(t, dir, "query", "Users", "--sort", "-age:number"))
	assert.Equal(t, 3, q.Total)
	assert.Equal(t, []string{"users/1", "users/4", "users/2"}, keysOf(q.Results))

	// And: the reduce index counts users per city
	q = decode[QueryOutput](t, mustRun(t, dir, "query", "UsersByCity", "city:Haifa"))
	require.Len(t, q.Results, 1)
	assert.Equal(t, "Haifa", q.Results[0].Projection["city"])
	assert.Equal(t, 3.0, q.Results[0].Projection["count"])

	// And: stats survive the process that indexed
	stats := decode[StatsOutput](t, mustRun(t, dir, "stats"))
	assert.Equal(t, int64(4), stats.Documents)
	require.Len(t, stats.Indexes, 2)
	assert.Equal(t, "Users", stats.Indexes[0].Index)
	assert.Equal(t, int64(1), stats.Indexes[0].Failures)
	assert.Zero(t, stats.Indexes[0].Backlog)
	require.Len(t, stats.Errors, 1)
	assert.Equal(t, "users/3", stats.Errors[0].DocumentID)

	// When: a user is deleted and the indexes catch up
	deleted := decode[[]DeleteResult](t, mustRun(t, dir, "delete", "users/1", "users/404"))
	assert.Equal(t, []DeleteResult{{Key: "users/1", Deleted: true}, {Key: "users/404", Deleted: false}}, deleted)
	mustRun(t, dir, "index")

	// Then: the entry is gone and the group shrinks
	q = decode[QueryOutput](t, mustRun(t, dir, "query", "Users"))
	assert.Equal(t, 2, q.Total)
	assert.ElementsMatch(t, []string{"users/2", "users/4"}, keysOf(q.Results))

	q = decode[QueryOutput](t, mustRun(t, dir, "query", "UsersByCity", "city:Haifa"))
	require.Len(t, q.Results, 1)
	assert.Equal(t, 2.0, q.Results[0].Projection["count"])
}

func TestCLI_QueryWindow(t *testing.T) {
	dir := newProject(t)
	mustRun(t, dir, "put", "users/1", `{"name":"A","age":1}`)
	mustRun(t, dir, "put", "users/2", `{"name":"B","age":2}`)
	mustRun(t, dir, "put", "users/3", `{"name":"C","age":3}`)
	mustRun(t, dir, "index")

	q := decode[QueryOutput](t, mustRun(t, dir, "query", "Users", "--sort", "age:number", "--start", "1", "--page-size", "1"))
	assert.Equal(t, 3, q.Total)
	assert.Equal(t, []string{"users/2"}, keysOf(q.Results))

	// beyond the end: empty, not null
	out := mustRun(t, dir, "query", "Users", "--start", "10")
	assert.Contains(t, out, `"results": []`)

	q = decode[QueryOutput](t, mustRun(t, dir, "query", "Users", "--sort", "age:number", "--fields", "name,age"))
	require.Len(t, q.Results, 3)
	assert.Equal(t, "A", q.Results[0].Projection["name"])
	assert.Equal(t, 1.0, q.Results[0].Projection["age"])
}

func TestCLI_QueryErrors(t *testing.T) {
	dir := newProject(t)

	tests := []struct {
		name string
		args []string
		code string
	}{
		{"unknown index", []string{"query", "Orders"}, derrors.ErrCodeIndexNotFound},
		{"bad query", []string{"query", "Users", "name:("}, derrors.ErrCodeInvalidQuery},
		{"bad sort type", []string{"query", "Users", "--sort", "age:weird"}, derrors.ErrCodeInvalidSort},
		{"bad document", []string{"put", "users/1", "[1,2]"}, derrors.ErrCodeInvalidInput},
		{"bad output", []string{"version", "-o", "yaml"}, derrors.ErrCodeInvalidInput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, dir, tt.args...)
			require.Error(t, err)
			assert.Equal(t, tt.code, derrors.GetCode(err))
		})
	}
}

func TestCLI_IndexReset(t *testing.T) {
	dir := newProject(t)
	mustRun(t, dir, "put", "users/1", `{"name":"Oren","city":"Haifa"}`)
	mustRun(t, dir, "index")

	// When: resetting one index
	out := decode[IndexOutput](t, mustRun(t, dir, "index", "--reset", "UsersByCity"))

	// Then: only that index reads the feed again
	assert.Equal(t, []string{"UsersByCity"}, out.Reset)
	docs := map[string]int{}
	for _, run := range out.Indexes {
		docs[run.Index] = run.Documents
	}
	assert.Equal(t, map[string]int{"Users": 0, "UsersByCity": 1}, docs)

	q := decode[QueryOutput](t, mustRun(t, dir, "query", "UsersByCity"))
	assert.Equal(t, 1, q.Total)

	_, err := run(t, dir, "index", "--reset", "Nope")
	assert.Equal(t, derrors.ErrCodeIndexNotFound, derrors.GetCode(err))
}

func TestCLI_IndexResetWaitsForWriter(t *testing.T) {
	dir := newProject(t)
	mustRun(t, dir, "put", "users/1", `{"name":"Oren","city":"Haifa"}`)
	mustRun(t, dir, "index")

	// Given: another process is writing UsersByCity
	holder := store.NewWriteLock(filepath.Join(dir, ".divan", "indexes", "UsersByCity"))
	require.NoError(t, holder.TryLock())

	// When: resetting it
	_, err := run(t, dir, "index", "--reset", "UsersByCity")

	// Then: the reset gives up without touching the index
	assert.Equal(t, derrors.ErrCodeIndexLocked, derrors.GetCode(err))
	require.NoError(t, holder.Unlock())

	q := decode[QueryOutput](t, mustRun(t, dir, "query", "UsersByCity"))
	assert.Equal(t, 1, q.Total)
}

func TestCLI_TextOutput(t *testing.T) {
	dir := newProject(t)
	mustRun(t, dir, "put", "users/1", `{"name":"Oren","city":"Haifa","age":40}`)

	out := mustRun(t, dir, "-o", "text", "index")
	assert.Contains(t, out, "INDEX")
	assert.Contains(t, out, "UsersByCity")

	out = mustRun(t, dir, "-o", "text", "query", "Users", "name:oren")
	assert.Contains(t, out, "users/1")
	assert.Contains(t, out, "1 of 1")

	out = mustRun(t, dir, "-o", "text", "stats")
	assert.Contains(t, out, "documents")
	assert.Contains(t, out, "LAST INDEXED")
}

func TestCLI_StatsMetrics(t *testing.T) {
	dir := newProject(t)

	out := mustRun(t, dir, "stats", "--metrics")

	assert.Contains(t, out, "divan_open_readers")
}

func TestCLI_Logs(t *testing.T) {
	dir := newProject(t)
	mustRun(t, dir, "put", "users/1", `{"city":"Haifa"}`)
	mustRun(t, dir, "index")

	out := mustRun(t, dir, "logs", "--level", "warn", "--index", "Users")

	var found map[string]any
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		entry := decode[map[string]any](t, line)
		assert.Equal(t, "Users", entry["index"])
		if entry["msg"] == "indexing_error" {
			found = entry
		}
	}
	require.NotNil(t, found, out)
	assert.Equal(t, "users/1", found["document_id"])
}

func TestCLI_ConfigInitShowRestore(t *testing.T) {
	dir := newProject(t)
	path := filepath.Join(dir, config.ProjectFileName)

	// init refuses to overwrite without --force
	_, err := run(t, dir, "config", "init")
	require.Error(t, err)

	// show reflects the template
	cfg := decode[config.Config](t, mustRun(t, dir, "config", "show"))
	require.Len(t, cfg.Indexes, 2)
	assert.Equal(t, filepath.Join(dir, ".divan"), cfg.Data.Dir)

	// edit, then overwrite with --force, then restore the edit
	require.NoError(t, os.WriteFile(path, []byte("index:\n  backend: bluge\n"), 0o644))
	res := decode[map[string]string](t, mustRun(t, dir, "config", "init", "--force"))
	assert.NotEmpty(t, res["backup"])

	backups := decode[[]string](t, mustRun(t, dir, "config", "restore", "--list"))
	require.NotEmpty(t, backups)

	mustRun(t, dir, "config", "restore")
	cfg = decode[config.Config](t, mustRun(t, dir, "config", "show"))
	assert.Equal(t, "bluge", cfg.Index.Backend)
	assert.Empty(t, cfg.Indexes)
}

func TestCLI_BlugeBackend(t *testing.T) {
	dir := newProject(t)
	t.Setenv("DIVAN_BACKEND", "bluge")

	mustRun(t, dir, "put", "users/1", `{"name":"Oren","city":"Haifa","age":40}`)
	mustRun(t, dir, "put", "users/2", `{"name":"Dana","city":"Paris","age":28}`)
	mustRun(t, dir, "index")

	q := decode[QueryOutput](t, mustRun(t, dir, "query", "Users", "--sort", "age:number"))
	assert.Equal(t, []string{"users/2", "users/1"}, keysOf(q.Results))
}

func TestVersionCmd(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	out := mustRun(t, dir, "version", "--short")
	assert.Equal(t, version.Short(), strings.TrimSpace(out))

	info := decode[version.BuildInfo](t, mustRun(t, dir, "version"))
	assert.Equal(t, version.GetInfo(), info)

	out = mustRun(t, dir, "-o", "text", "version")
	assert.Contains(t, out, "divan "+version.Short())
}
