package service

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OSM-es/CatAtomApi/internal/artifact"
	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/engine"
	"github.com/OSM-es/CatAtomApi/internal/notify"
)

func TestStartFreshJobRunsToDone(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	job := e.job("28900", "")
	e.launcher.setScript(finishedRun(t, map[string]int{"9872023VH5797S": 0}, false))

	assert.Equal(t, domain.StatusAvailable, e.deriver.Status(job))

	view, err := e.ctrl.Start(ctx, job, alice, domain.Options{Building: true, Address: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, view.Status)
	assert.Equal(t, domain.StatusRunning, e.deriver.Status(job))

	specs := e.launcher.launches()
	require.Len(t, specs, 1)
	assert.Equal(t, job.Dir.Root(), specs[0].Dir)
	assert.Equal(t, []string{"--language", "es_ES", "28900"}, specs[0].Args)

	e.finish(t, job)
	assert.Equal(t, domain.StatusDone, e.deriver.Status(job))

	owner, err := Owner(job)
	require.NoError(t, err)
	assert.True(t, owner.Same(alice))

	// Static inputs moved to the cache.
	assert.False(t, job.Dir.Exists("A.ES.SDGC.BU.28900.zip"))
	assert.True(t, fileExists(filepath.Join(e.root, "cache", "28900", "A.ES.SDGC.BU.28900.zip")))
	assert.Contains(t, e.sink.Kinds(), notify.KindCreated)
}

func TestStartWithNameTableEndsInReview(t *testing.T) {
	e := newTestEnv(t)
	job := e.job("28900", "")
	e.launcher.setScript(finishedRun(t, nil, true))

	_, err := e.ctrl.Start(context.Background(), job, alice, domain.DefaultOptions())
	require.NoError(t, err)
	e.finish(t, job)

	assert.True(t, job.Dir.IsDir(TasksDir))
	assert.Equal(t, domain.StatusReview, e.deriver.Status(job))
}

func TestStartBuildsReviewRegistry(t *testing.T) {
	e := newTestEnv(t)
	job := e.job("28900", "")
	e.launcher.setScript(finishedRun(t, map[string]int{"A0000000000000": 2, "B0000000000000": 0}, false))

	_, err := e.ctrl.Start(context.Background(), job, alice, domain.DefaultOptions())
	require.NoError(t, err)
	e.finish(t, job)

	assert.Equal(t, domain.StatusFixme, e.deriver.Status(job))
	records, err := e.review.List(job)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "A0000000000000", records[0].ItemID)
	assert.Equal(t, 2, records[0].FixmeCount)
	assert.Equal(t, "tasks/A0000000000000.osm.gz", records[0].Path)
	assert.Contains(t, e.sink.Kinds(), notify.KindReviewUpdated)
}

func TestStartRejections(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	job := e.job("28900", "")
	e.launcher.setScript(finishedRun(t, nil, false))

	_, err := e.ctrl.Start(ctx, job, alice, domain.DefaultOptions())
	require.NoError(t, err)

	_, err = e.ctrl.Start(ctx, job, alice, domain.DefaultOptions())
	assert.ErrorIs(t, err, ErrConflict, "running job")

	e.finish(t, job)
	require.Equal(t, domain.StatusDone, e.deriver.Status(job))

	_, err = e.ctrl.Start(ctx, job, alice, domain.Options{Building: true, Address: true})
	assert.ErrorIs(t, err, ErrConflict, "same options on a done job")

	_, err = e.ctrl.Start(ctx, job, bob, domain.Options{Building: true})
	assert.ErrorIs(t, err, ErrConflict, "other owner")

	_, err = e.ctrl.Start(ctx, job, alice, domain.Options{Building: true, Address: false})
	require.NoError(t, err, "different options on a done job")
	assert.True(t, job.Dir.IsDir(PreviousDir, TasksDir))
	assert.Equal(t, domain.StatusRunning, e.deriver.Status(job))
	assert.Equal(t, []string{"-b", "--language", "es_ES", "28900"}, e.launcher.launches()[1].Args)
	e.finish(t, job)
}

func TestStartRejectsFixme(t *testing.T) {
	e := newTestEnv(t)
	job := e.job("28900", "")
	claimFor(t, job, alice)
	writeFile(t, job.Dir, ReportText, "r")
	require.NoError(t, job.Dir.WriteJSON(RegistryFile, domain.Registry{"A": {FixmeCount: 1}}))

	_, err := e.ctrl.Start(context.Background(), job, alice, domain.DefaultOptions())
	assert.ErrorIs(t, err, ErrConflict)
	assert.Empty(t, e.launcher.launches())
}

func TestStartFromReviewArchivesConsumedNames(t *testing.T) {
	e := newTestEnv(t)
	job := e.job("28900", "")
	claimFor(t, job, alice)
	writeFile(t, job.Dir, ReportText, "r")
	writeFile(t, job.Dir, NamesFile, "CL MAYOR\tCalle Mayor\tcatastro\n")
	require.Equal(t, domain.StatusReview, e.deriver.Status(job))

	e.launcher.setScript(finishedRun(t, nil, false))
	_, err := e.ctrl.Start(context.Background(), job, alice, domain.DefaultOptions())
	require.NoError(t, err)
	e.finish(t, job)

	assert.False(t, job.Dir.Exists(NamesFile))
	assert.Equal(t, domain.StatusDone, e.deriver.Status(job))
	names, err := job.Backup.List("")
	require.NoError(t, err)
	require.Len(t, names, 1)
	assert.Contains(t, names[0], "consumed_")
}

func TestStartAfterErrorByOwner(t *testing.T) {
	e := newTestEnv(t)
	job := e.job("28900", "")
	claimFor(t, job, alice)
	writeFile(t, job.Dir, "catatom2osm.log", "ERROR boom\n")
	require.Equal(t, domain.StatusError, e.deriver.Status(job))

	_, err := e.ctrl.Start(context.Background(), job, bob, domain.DefaultOptions())
	assert.ErrorIs(t, err, ErrConflict)

	_, err = e.ctrl.Start(context.Background(), job, alice, domain.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, e.deriver.Status(job), "stale log is cleared")
	e.finish(t, job)
}

func TestLaunchFailureIsImmediateAndRollsBack(t *testing.T) {
	e := newTestEnv(t)
	job := e.job("28900", "")
	e.launcher.err = errors.New("exec: not found")

	_, err := e.ctrl.Start(context.Background(), job, alice, domain.DefaultOptions())
	assert.ErrorIs(t, err, ErrUnexpected)
	assert.False(t, job.Dir.Exists(OwnerFile))
	assert.Equal(t, domain.StatusAvailable, e.deriver.Status(job))
}

func TestEngineFailureBecomesErrorStatus(t *testing.T) {
	e := newTestEnv(t)
	job := e.job("28900", "")
	e.launcher.setScript(func(dir *artifact.Store, spec engine.Spec) error {
		return errors.New("exit status 1")
	})

	_, err := e.ctrl.Start(context.Background(), job, alice, domain.DefaultOptions())
	require.NoError(t, err)
	e.finish(t, job)

	assert.Equal(t, domain.StatusError, e.deriver.Status(job))
	lines, _, err := job.Dir.ReadLines("catatom2osm.log", 0)
	require.NoError(t, err)
	require.NotEmpty(t, lines)
	assert.Contains(t, lines[len(lines)-1], "ERROR engine failed: exit status 1")
}

func TestConcurrentStartHasOneWinner(t *testing.T) {
	e := newTestEnv(t)
	job := e.job("28900", "")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, u := range []*domain.User{alice, bob} {
		wg.Add(1)
		go func(i int, u *domain.User) {
			defer wg.Done()
			_, errs[i] = e.ctrl.Start(context.Background(), e.repo.Get(domain.JobKey{Code: "28900"}), u, domain.DefaultOptions())
		}(i, u)
	}
	wg.Wait()

	failures := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrConflict)
			failures++
		}
	}
	assert.Equal(t, 1, failures)
	assert.Len(t, e.launcher.launches(), 1)
	e.finish(t, job)
}

func TestStartSeedsFromCache(t *testing.T) {
	e := newTestEnv(t)
	job := e.job("28900", "")
	cached := artifact.New(filepath.Join(e.root, "cache", "28900"))
	writeFile(t, cached, "A.ES.SDGC.CP.28900.zip", "cp")

	var seeded bool
	e.launcher.setScript(func(dir *artifact.Store, spec engine.Spec) error {
		seeded = dir.Exists("A.ES.SDGC.CP.28900.zip")
		return finishedRun(t, nil, false)(dir, spec)
	})
	_, err := e.ctrl.Start(context.Background(), job, alice, domain.DefaultOptions())
	require.NoError(t, err)
	assert.True(t, job.Dir.Exists("A.ES.SDGC.CP.28900.zip"))
	e.finish(t, job)
	assert.True(t, seeded)
}

func TestDelete(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	job := e.job("28900", "")
	e.launcher.setScript(finishedRun(t, nil, false))

	_, err := e.ctrl.Start(ctx, job, alice, domain.DefaultOptions())
	require.NoError(t, err)

	_, err = e.ctrl.Delete(ctx, job, alice)
	assert.ErrorIs(t, err, ErrConflict, "running job")

	e.finish(t, job)

	_, err = e.ctrl.Delete(ctx, job, bob)
	assert.ErrorIs(t, err, ErrConflict, "other owner")

	removed, err := e.ctrl.Delete(ctx, job, alice)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, job.Dir.Exists())
	assert.Equal(t, domain.StatusAvailable, e.deriver.Status(job))

	removed, err = e.ctrl.Delete(ctx, job, alice)
	require.NoError(t, err)
	assert.False(t, removed)
	assert.Contains(t, e.sink.Kinds(), notify.KindDeleted)
}

func TestDeleteSplitKeepsOtherResults(t *testing.T) {
	e := newTestEnv(t)
	job := e.job("28900", "")
	claimFor(t, job, alice)
	writeFile(t, job.Dir, ReportText, "r")
	writeItem(t, job.Dir, "tasks/001/a.osm.gz", 0)
	writeItem(t, job.Dir, "tasks/002/b.osm.gz", 0)

	split := e.job("28900", "001")
	require.Equal(t, domain.StatusDone, e.deriver.Status(split))

	removed, err := e.ctrl.Delete(context.Background(), split, alice)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.Equal(t, domain.StatusAvailable, e.deriver.Status(split))
	assert.Equal(t, domain.StatusDone, e.deriver.Status(e.job("28900", "002")))
}

func TestDeletePromotesPreviousRun(t *testing.T) {
	e := newTestEnv(t)
	job := e.job("28900", "")
	claimFor(t, job, alice)
	writeFile(t, job.Dir, ReportText, "current")
	writeItem(t, job.Dir, "tasks/new.osm.gz", 0)
	writeFile(t, job.Dir, "previous/report.txt", "previous")
	writeItem(t, job.Dir, "previous/tasks/old.osm.gz", 0)
	writeFile(t, job.Backup, NamesFile, "x\ty\n")

	removed, err := e.ctrl.Delete(context.Background(), job, alice)
	require.NoError(t, err)
	assert.True(t, removed)

	assert.Equal(t, domain.StatusDone, e.deriver.Status(job))
	assert.True(t, job.Dir.Exists("tasks", "old.osm.gz"))
	assert.False(t, job.Dir.Exists("tasks", "new.osm.gz"))
	assert.False(t, job.Dir.Exists(PreviousDir))
	assert.False(t, job.Backup.Exists())
	assert.True(t, job.Dir.Exists(OwnerFile), "report remains so the owner stays")
}

func TestExport(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	job := e.job("28900", "")

	_, err := e.ctrl.Export(ctx, job)
	assert.ErrorIs(t, err, ErrNotFound)

	claimFor(t, job, alice)
	writeFile(t, job.Dir, ReportText, "r")
	writeItem(t, job.Dir, "tasks/a.osm.gz", 0)
	writeItem(t, job.Dir, "tasks/001/b.osm.gz", 0)

	archive, err := e.ctrl.Export(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, "28900.zip", archive.Name)

	var buf bytes.Buffer
	n, err := archive.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"tasks/a.osm.gz", "tasks/001/b.osm.gz"}, names)

	split, err := e.ctrl.Export(ctx, e.job("28900", "001"))
	require.NoError(t, err)
	assert.Equal(t, "28900_001.zip", split.Name)

	_, err = e.ctrl.Export(ctx, e.job("28900", "009"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEngineExitWithoutReportIsError(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	job := e.job("28900", "")
	e.launcher.setScript(func(dir *artifact.Store, spec engine.Spec) error {
		return dir.AppendLine(spec.LogFile, "INFO Start processing")
	})

	_, err := e.ctrl.Start(ctx, job, alice, domain.DefaultOptions())
	require.NoError(t, err)
	e.finish(t, job)

	assert.Equal(t, domain.StatusError, e.deriver.Status(job))
	lines, _, err := job.Dir.ReadLines("catatom2osm.log", 0)
	require.NoError(t, err)
	assert.Contains(t, lines[len(lines)-1], "ERROR engine exited without a report")

	e.launcher.setScript(finishedRun(t, nil, false))
	_, err = e.ctrl.Start(ctx, job, alice, domain.DefaultOptions())
	require.NoError(t, err, "owner can restart")
	e.finish(t, job)
	assert.Equal(t, domain.StatusDone, e.deriver.Status(job))

	removed, err := e.ctrl.Delete(ctx, job, alice)
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestCompletedIsSentAfterPostRun(t *testing.T) {
	e := newTestEnv(t)
	e.withTailer()
	job := e.job("28900", "")
	claimFor(t, job, alice)
	writeFile(t, job.Dir, ReportText, "r")
	writeFile(t, job.Dir, NamesFile, "CL MAYOR\tCalle Mayor\tcatastro\n")
	require.Equal(t, domain.StatusReview, e.deriver.Status(job))

	e.launcher.setScript(finishedRun(t, nil, false))
	_, err := e.ctrl.Start(context.Background(), job, alice, domain.DefaultOptions())
	require.NoError(t, err)
	e.finish(t, job)

	require.Eventually(t, func() bool {
		kinds := e.sink.Kinds()
		return len(kinds) > 0 && kinds[len(kinds)-1] == notify.KindCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StatusDone, e.deriver.Status(job))
}

func TestCacheFailureKeepsInputs(t *testing.T) {
	e := newTestEnv(t)
	job := e.job("28900", "")
	// A file where the cache directory should be makes every store fail.
	require.NoError(t, os.WriteFile(filepath.Join(e.root, "cache"), []byte("x"), 0o644))
	e.launcher.setScript(finishedRun(t, nil, false))

	_, err := e.ctrl.Start(context.Background(), job, alice, domain.DefaultOptions())
	require.NoError(t, err)
	e.finish(t, job)

	assert.Equal(t, domain.StatusDone, e.deriver.Status(job))
	assert.True(t, job.Dir.Exists("A.ES.SDGC.BU.28900.zip"))
}

func TestStartLeavesPendingMarkerUntilSettled(t *testing.T) {
	e := newTestEnv(t)
	job := e.job("28900", "")
	e.launcher.setScript(finishedRun(t, nil, false))

	_, err := e.ctrl.Start(context.Background(), job, alice, domain.DefaultOptions())
	require.NoError(t, err)
	assert.True(t, job.Dir.Exists(PendingFile))

	e.finish(t, job)
	assert.False(t, job.Dir.Exists(PendingFile))
}
