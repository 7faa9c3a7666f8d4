package service

import (
	"context"
	"path"
	"time"

	"github.com/OSM-es/CatAtomApi/internal/artifact"
	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/logger"
	"github.com/OSM-es/CatAtomApi/internal/notify"
	"github.com/OSM-es/CatAtomApi/internal/repository"
)

// ReviewWorkflow manages the fixme review of a finished job.
type ReviewWorkflow struct {
	deriver *StatusDeriver
	sink    notify.Sink
	audit   Auditor
}

func NewReviewWorkflow(deriver *StatusDeriver, sink notify.Sink, audit Auditor) *ReviewWorkflow {
	if sink == nil {
		sink = notify.Discard{}
	}
	return &ReviewWorkflow{deriver: deriver, sink: sink, audit: audit}
}

func readRegistry(dir *artifact.Store) (domain.Registry, error) {
	reg := domain.Registry{}
	if _, err := dir.ReadJSON(RegistryFile, &reg); err != nil {
		return nil, Unexpected(err, "read review registry")
	}
	for id, rec := range reg {
		rec.ItemID = id
		if rec.Path == "" {
			rec.Path = path.Join(TasksDir, id+itemSuffix)
		}
		reg[id] = rec
	}
	return reg, nil
}

// List returns the review items sorted by id.
func (w *ReviewWorkflow) List(job *repository.Job) ([]domain.FixmeRecord, error) {
	reg, err := readRegistry(job.Dir)
	if err != nil {
		return nil, err
	}
	return sortedRecords(reg), nil
}

func (w *ReviewWorkflow) requireFixme(job *repository.Job) error {
	if status := w.deriver.Status(job); status != domain.StatusFixme {
		return Conflict("%s is not pending fixmes review (%s)", job.Key, status)
	}
	return nil
}

// snapshot keeps the pre-edit registry and item file in the backup the
// first time an item is touched in this review generation.
func snapshot(job *repository.Job, rec domain.FixmeRecord) error {
	if !job.Backup.Exists(RegistryFile) {
		if err := job.Dir.CopyTo(job.Backup, RegistryFile, RegistryFile); err != nil {
			return Unexpected(err, "back up review registry")
		}
	}
	if rec.Path != "" && !job.Backup.Exists(rec.Path) && job.Dir.Exists(rec.Path) {
		if err := job.Dir.CopyTo(job.Backup, rec.Path, rec.Path); err != nil {
			return Unexpected(err, "back up %s", rec.Path)
		}
	}
	return nil
}

func (w *ReviewWorkflow) save(ctx context.Context, job *repository.Job, reg domain.Registry, rec domain.FixmeRecord) error {
	if err := job.Dir.WriteJSON(RegistryFile, reg); err != nil {
		return Unexpected(err, "write review registry")
	}
	w.sink.Notify(ctx, notify.Event{Kind: notify.KindFixme, JobID: job.Key.ID(), Payload: rec})
	w.sink.Notify(ctx, notify.Event{Kind: notify.KindReviewUpdated, JobID: job.Key.ID(), Payload: sortedRecords(reg)})
	return nil
}

// Lock assigns item to user keeping its fixme count. Unknown items give
// an empty record.
func (w *ReviewWorkflow) Lock(ctx context.Context, job *repository.Job, item string, user *domain.User) (domain.FixmeRecord, error) {
	ctx = jobContext(logger.SetComponent(ctx, "review"), job, user)

	job.Lock()
	defer job.Unlock()

	if err := w.requireFixme(job); err != nil {
		return domain.FixmeRecord{}, err
	}
	if err := CheckOwner(job, user); err != nil {
		return domain.FixmeRecord{}, err
	}
	reg, err := readRegistry(job.Dir)
	if err != nil {
		return domain.FixmeRecord{}, err
	}
	rec, ok := reg[item]
	if !ok {
		return domain.FixmeRecord{}, nil
	}
	if rec.Locked && !rec.LockedBy.Same(user) {
		return domain.FixmeRecord{}, Conflict("%s is locked by %s", item, rec.LockedBy.DisplayName)
	}
	if err := snapshot(job, rec); err != nil {
		return domain.FixmeRecord{}, err
	}

	rec.Locked = true
	rec.LockedBy = user
	reg[item] = rec
	if err := w.save(ctx, job, reg, rec); err != nil {
		return domain.FixmeRecord{}, err
	}
	logger.CtxInfo(ctx, "Fixme %s locked", item)
	record(ctx, w.audit, job, domain.AuditLock, user, item)
	return rec, nil
}

// Unlock discards the correction in progress: the fixme count and the
// item file come back from the backup and the lock is cleared.
func (w *ReviewWorkflow) Unlock(ctx context.Context, job *repository.Job, item string, user *domain.User) (domain.FixmeRecord, error) {
	ctx = jobContext(logger.SetComponent(ctx, "review"), job, user)

	job.Lock()
	defer job.Unlock()

	if err := w.requireFixme(job); err != nil {
		return domain.FixmeRecord{}, err
	}
	if err := CheckOwner(job, user); err != nil {
		return domain.FixmeRecord{}, err
	}
	reg, err := readRegistry(job.Dir)
	if err != nil {
		return domain.FixmeRecord{}, err
	}
	rec, ok := reg[item]
	if !ok {
		return domain.FixmeRecord{}, nil
	}

	backup, err := readRegistry(job.Backup)
	if err != nil {
		return domain.FixmeRecord{}, err
	}
	if orig, ok := backup[item]; ok {
		rec.FixmeCount = orig.FixmeCount
	}
	if rec.Path != "" && job.Backup.Exists(rec.Path) {
		if err := job.Backup.CopyTo(job.Dir, rec.Path, rec.Path); err != nil {
			return domain.FixmeRecord{}, Unexpected(err, "restore %s", rec.Path)
		}
	}
	rec.Locked = false
	rec.LockedBy = nil
	rec.EditedBy = nil
	reg[item] = rec

	if err := w.save(ctx, job, reg, rec); err != nil {
		return domain.FixmeRecord{}, err
	}
	logger.CtxInfo(ctx, "Fixme %s unlocked", item)
	record(ctx, w.audit, job, domain.AuditUnlock, user, item)
	return rec, nil
}

// AcceptUpload replaces a review item with a corrected file. The fixme
// count is always recomputed from the uploaded content.
func (w *ReviewWorkflow) AcceptUpload(ctx context.Context, job *repository.Job, filename string, content []byte, user *domain.User) (domain.FixmeRecord, error) {
	ctx = jobContext(logger.SetComponent(ctx, "review"), job, user)

	info, err := inspectItem(content)
	if err != nil {
		return domain.FixmeRecord{}, NotValid("not a valid gzip result file: %v", err)
	}

	job.Lock()
	defer job.Unlock()

	if err := w.requireFixme(job); err != nil {
		return domain.FixmeRecord{}, err
	}
	reg, err := readRegistry(job.Dir)
	if err != nil {
		return domain.FixmeRecord{}, err
	}

	id := itemID(filename)
	rec, ok := reg[id]
	if !ok {
		for _, ref := range info.Refs {
			if rec, ok = reg[ref]; ok {
				id = ref
				break
			}
		}
	}
	if !ok {
		return domain.FixmeRecord{}, NotFound("only files of existing review items are accepted")
	}
	if rec.Locked && !rec.LockedBy.Same(user) {
		return domain.FixmeRecord{}, Conflict("%s is locked by %s", id, rec.LockedBy.DisplayName)
	}
	if err := snapshot(job, rec); err != nil {
		return domain.FixmeRecord{}, err
	}
	if err := job.Dir.WriteFile(rec.Path, content); err != nil {
		return domain.FixmeRecord{}, Unexpected(err, "store %s", rec.Path)
	}

	rec.FixmeCount = info.Fixmes
	rec.EditedBy = user
	reg[id] = rec
	if err := w.save(ctx, job, reg, rec); err != nil {
		return domain.FixmeRecord{}, err
	}
	logger.With(logger.Fields{logger.FieldCount: info.Fixmes}).Info(ctx, "Fixme %s uploaded", id)
	record(ctx, w.audit, job, domain.AuditUpload, user, id)
	return rec, nil
}

// Clear closes the review when no fixme is left. It reports whether the
// review was closed; with pending fixmes it changes nothing.
func (w *ReviewWorkflow) Clear(ctx context.Context, job *repository.Job, user *domain.User) (bool, error) {
	ctx = jobContext(logger.SetComponent(ctx, "review"), job, user)

	job.Lock()
	defer job.Unlock()

	if err := w.requireFixme(job); err != nil {
		return false, err
	}
	if err := CheckOwner(job, user); err != nil {
		return false, err
	}
	reg, err := readRegistry(job.Dir)
	if err != nil {
		return false, err
	}
	if total := reg.Total(); total != 0 {
		logger.With(logger.Fields{logger.FieldCount: total}).Debug(ctx, "Review not cleared, fixmes pending")
		return false, nil
	}

	archived := "cleared_" + time.Now().UTC().Format("20060102T150405") + "_" + RegistryFile
	if err := job.Dir.CopyTo(job.Backup, RegistryFile, archived); err != nil {
		return false, Unexpected(err, "archive review registry")
	}
	if _, err := job.Dir.Remove(RegistryFile); err != nil {
		return false, Unexpected(err, "close review registry")
	}
	if _, err := job.Backup.Remove(RegistryFile); err != nil {
		return false, Unexpected(err, "drop registry snapshot")
	}

	logger.CtxInfo(ctx, "Review cleared")
	record(ctx, w.audit, job, domain.AuditClear, user, "")
	w.sink.Notify(ctx, notify.Event{Kind: notify.KindReviewUpdated, JobID: job.Key.ID(), Payload: []domain.FixmeRecord{}})
	if status := w.deriver.Status(job); status == domain.StatusDone {
		w.sink.Notify(ctx, notify.Event{Kind: notify.KindCompleted, JobID: job.Key.ID(), Payload: Progress{Status: status, Message: status.Message()}})
	}
	return true, nil
}
