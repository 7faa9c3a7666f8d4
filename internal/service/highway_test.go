package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/notify"
	"github.com/OSM-es/CatAtomApi/internal/repository"
)

func reviewJob(t *testing.T, e *testEnv) *repository.Job {
	t.Helper()
	job := e.job("28900", "")
	claimFor(t, job, alice)
	writeFile(t, job.Dir, ReportText, "r")
	writeFile(t, job.Dir, NamesFile, "CL MAYOR\tCalle Mayor\tcatastro\nAV PAZ\tAvenida de la Paz\tosm\n")
	require.Equal(t, domain.StatusReview, e.deriver.Status(job))
	return job
}

func TestHighwayUpdateAndUndo(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	job := reviewJob(t, e)

	_, err := e.highway.Update(ctx, job, "CL MAYOR", "Calle Mayor Principal", bob)
	assert.ErrorIs(t, err, ErrConflict, "bob does not own the job")

	entry, err := e.highway.Update(ctx, job, "CL MAYOR", "Calle Mayor Principal", alice)
	require.NoError(t, err)
	assert.Equal(t, "Calle Mayor Principal", entry.ConvertedName)
	assert.Equal(t, "catastro", entry.Provenance)
	assert.True(t, entry.LastEditor.Same(alice))

	_, err = e.highway.Update(ctx, job, "CL MAYOR", "Calle Mayor 2", alice)
	require.NoError(t, err)

	got, ok, err := e.highway.Get(job, "CL MAYOR")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Calle Mayor 2", got.ConvertedName)
	assert.Equal(t, "alice", got.LastEditor.DisplayName)

	entry, err = e.highway.Undo(ctx, job, "CL MAYOR", alice)
	require.NoError(t, err)
	assert.Equal(t, "Calle Mayor", entry.ConvertedName, "undo goes back to the first snapshot")
	assert.Nil(t, entry.LastEditor)

	list, err := e.highway.List(job)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "AV PAZ", list[1].SourceName)
	assert.Contains(t, e.sink.Kinds(), notify.KindHighway)
}

func TestHighwayNoops(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	job := reviewJob(t, e)

	entry, err := e.highway.Update(ctx, job, "CL NADA", "Calle Nada", alice)
	require.NoError(t, err)
	assert.Equal(t, domain.NameEntry{}, entry)
	assert.False(t, job.Backup.Exists(NamesFile), "no snapshot for a no-op")

	entry, err = e.highway.Undo(ctx, job, "AV PAZ", alice)
	require.NoError(t, err)
	assert.Equal(t, "Avenida de la Paz", entry.ConvertedName, "undo without snapshot leaves data unchanged")

	_, ok, err := e.highway.Get(job, "CL NADA")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHighwayRequiresReview(t *testing.T) {
	e := newTestEnv(t)
	job := e.job("28900", "")
	claimFor(t, job, alice)

	_, err := e.highway.Update(context.Background(), job, "CL MAYOR", "x", alice)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = e.highway.Undo(context.Background(), job, "CL MAYOR", alice)
	assert.ErrorIs(t, err, ErrConflict)
}
