package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	buerrors "git.home.luguber.info/inful/autobuildd/internal/errors"
)

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestUpsertCreatesConfiguredProfile(t *testing.T) {
	store := newTestStore(t)

	p, err := store.Upsert("web", ProfileConfig{
		ProjectPath:  strPtr("/srv/web"),
		BuildCommand: strPtr("make build"),
	})
	require.NoError(t, err)
	require.Equal(t, StatusConfigured, p.Status)
	require.Equal(t, "/srv/web", p.ProjectPath)
	require.Nil(t, p.LastRun)
}

func TestUpsertMergesPartialUpdate(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Upsert("web", ProfileConfig{
		ProjectPath:    strPtr("/srv/web"),
		BuildCommand:   strPtr("make build"),
		Environment:    map[string]string{"CI": "1"},
		TimeoutSeconds: intPtr(300),
	})
	require.NoError(t, err)

	// Transition to a non-default status first so we can verify upsert
	// never touches it.
	_, err = store.UpdateStatus("web", StatusSucceeded, nil)
	require.NoError(t, err)

	p, err := store.Upsert("web", ProfileConfig{
		BuildCommand: strPtr("make release"),
	})
	require.NoError(t, err)
	require.Equal(t, "/srv/web", p.ProjectPath, "omitted field must retain prior value")
	require.Equal(t, "make release", p.BuildCommand)
	require.Equal(t, map[string]string{"CI": "1"}, p.Environment)
	require.Equal(t, 300, p.TimeoutSeconds)
	require.Equal(t, StatusSucceeded, p.Status, "configuration must not reset status")
}

func TestDeleteUnknownProfileIsNotFound(t *testing.T) {
	store := newTestStore(t)

	err := store.Delete("ghost")
	require.Error(t, err)
	require.True(t, buerrors.Is(err, buerrors.CategoryNotFound))
	require.Empty(t, store.List(), "failed delete must not change the store")
}

func TestUpdateStatusAttachesRunRecord(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Upsert("api", ProfileConfig{
		ProjectPath:  strPtr("/srv/api"),
		BuildCommand: strPtr("go build ./..."),
	})
	require.NoError(t, err)

	start := time.Now().UTC()
	p, err := store.UpdateStatus("api", StatusRunning, func(p *Profile) {
		p.LastRun = &RunRecord{
			ID:        "run-1",
			PID:       4242,
			StartTime: start,
			LogFile:   "logs/run-1.log",
		}
	})
	require.NoError(t, err)
	require.Equal(t, StatusRunning, p.Status)
	require.Equal(t, 4242, p.LastRun.PID)

	// Mutating the returned copy must not leak into the store.
	p.LastRun.PID = 1
	again, err := store.Get("api")
	require.NoError(t, err)
	require.Equal(t, 4242, again.LastRun.PID)
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	store, err := Open(dir)
	require.NoError(t, err)
	_, err = store.Upsert("web", ProfileConfig{
		ProjectPath:  strPtr("/srv/web"),
		BuildCommand: strPtr("make build"),
	})
	require.NoError(t, err)
	end := time.Now().UTC()
	_, err = store.UpdateStatus("web", StatusFailed, func(p *Profile) {
		code := 2
		p.LastRun = &RunRecord{
			ID:        "run-9",
			PID:       90,
			StartTime: end.Add(-time.Minute),
			EndTime:   &end,
			ExitCode:  &code,
			LogFile:   "logs/run-9.log",
		}
	})
	require.NoError(t, err)

	reopened, err := Open(dir)
	require.NoError(t, err)
	p, err := reopened.Get("web")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, p.Status)
	require.NotNil(t, p.LastRun.EndTime)
	require.Equal(t, 2, *p.LastRun.ExitCode)
	require.Equal(t, "web", p.Name)
}

func TestSaveLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(dir)
	require.NoError(t, err)

	_, err = store.Upsert("a", ProfileConfig{
		ProjectPath:  strPtr("/srv/a"),
		BuildCommand: strPtr("true"),
	})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, stateFileName))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, stateFileName+".tmp"))
	require.True(t, os.IsNotExist(err), "temp file must be renamed away")
}

func TestClearRebuildIfSet(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Upsert("web", ProfileConfig{
		ProjectPath:  strPtr("/srv/web"),
		BuildCommand: strPtr("make"),
	})
	require.NoError(t, err)

	require.NoError(t, store.SetRebuildOnCompletion("web", true))
	// Setting again is an idempotent no-op.
	require.NoError(t, store.SetRebuildOnCompletion("web", true))

	set, err := store.ClearRebuildIfSet("web")
	require.NoError(t, err)
	require.True(t, set)

	set, err = store.ClearRebuildIfSet("web")
	require.NoError(t, err)
	require.False(t, set, "second clear must report the flag was already down")
}

func TestSetAutobuildClearsRebuildFlagOnDisable(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Upsert("web", ProfileConfig{
		ProjectPath:  strPtr("/srv/web"),
		BuildCommand: strPtr("make"),
	})
	require.NoError(t, err)

	_, err = store.SetAutobuild("web", true)
	require.NoError(t, err)
	require.NoError(t, store.SetRebuildOnCompletion("web", true))

	p, err := store.SetAutobuild("web", false)
	require.NoError(t, err)
	require.False(t, p.AutobuildEnabled)
	require.False(t, p.RebuildOnCompletion)
}
