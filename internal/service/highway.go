package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"io/fs"
	"strings"

	"github.com/OSM-es/CatAtomApi/internal/artifact"
	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/logger"
	"github.com/OSM-es/CatAtomApi/internal/notify"
	"github.com/OSM-es/CatAtomApi/internal/repository"
)

// HighwayEditor edits the street name conversion table of a job under
// REVIEW. The first edit of a generation snapshots the table so every
// entry can be undone against it.
type HighwayEditor struct {
	deriver *StatusDeriver
	sink    notify.Sink
	audit   Auditor
}

func NewHighwayEditor(deriver *StatusDeriver, sink notify.Sink, audit Auditor) *HighwayEditor {
	if sink == nil {
		sink = notify.Discard{}
	}
	return &HighwayEditor{deriver: deriver, sink: sink, audit: audit}
}

// names is the table in file order plus an index by source name.
type names struct {
	entries []domain.NameEntry
	index   map[string]int
}

func (n *names) get(source string) (domain.NameEntry, bool) {
	i, ok := n.index[source]
	if !ok {
		return domain.NameEntry{}, false
	}
	return n.entries[i], true
}

func readNames(dir *artifact.Store) (*names, bool, error) {
	data, err := dir.ReadFile(NamesFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &names{index: map[string]int{}}, false, nil
		}
		return nil, false, Unexpected(err, "read name table")
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.Comma = '\t'
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	rows, err := r.ReadAll()
	if err != nil {
		return nil, true, Unexpected(err, "parse name table")
	}

	n := &names{index: make(map[string]int, len(rows))}
	for _, row := range rows {
		if len(row) == 0 || row[0] == "" {
			continue
		}
		entry := domain.NameEntry{SourceName: row[0]}
		if len(row) > 1 {
			entry.ConvertedName = row[1]
		}
		if len(row) > 2 {
			entry.Provenance = row[2]
		}
		if len(row) > 3 && row[3] != "" {
			id, name, _ := strings.Cut(row[3], ":")
			entry.LastEditor = &domain.User{ID: id, DisplayName: name}
		}
		n.index[entry.SourceName] = len(n.entries)
		n.entries = append(n.entries, entry)
	}
	return n, true, nil
}

func writeNames(dir *artifact.Store, n *names) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = '\t'
	for _, e := range n.entries {
		editor := ""
		if e.LastEditor != nil {
			editor = e.LastEditor.ID + ":" + e.LastEditor.DisplayName
		}
		if err := w.Write([]string{e.SourceName, e.ConvertedName, e.Provenance, editor}); err != nil {
			return Unexpected(err, "encode name table")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return Unexpected(err, "encode name table")
	}
	if err := dir.WriteFile(NamesFile, buf.Bytes()); err != nil {
		return Unexpected(err, "write name table")
	}
	return nil
}

// List returns the whole table in file order.
func (h *HighwayEditor) List(job *repository.Job) ([]domain.NameEntry, error) {
	n, _, err := readNames(job.Dir)
	if err != nil {
		return nil, err
	}
	return n.entries, nil
}

// Get returns the entry of source.
func (h *HighwayEditor) Get(job *repository.Job, source string) (domain.NameEntry, bool, error) {
	n, _, err := readNames(job.Dir)
	if err != nil {
		return domain.NameEntry{}, false, err
	}
	entry, ok := n.get(source)
	return entry, ok, nil
}

func (h *HighwayEditor) guard(job *repository.Job, user *domain.User) error {
	if status := h.deriver.Status(job); status != domain.StatusReview {
		return Conflict("%s is not pending street names review (%s)", job.Key, status)
	}
	return CheckOwner(job, user)
}

// Update sets the converted name of source and records user as editor.
// Untracked names are left alone and yield an empty entry.
func (h *HighwayEditor) Update(ctx context.Context, job *repository.Job, source, converted string, user *domain.User) (domain.NameEntry, error) {
	ctx = jobContext(logger.SetComponent(ctx, "highway"), job, user)

	job.Lock()
	defer job.Unlock()

	if err := h.guard(job, user); err != nil {
		return domain.NameEntry{}, err
	}
	n, _, err := readNames(job.Dir)
	if err != nil {
		return domain.NameEntry{}, err
	}
	i, ok := n.index[source]
	if !ok {
		return domain.NameEntry{}, nil
	}
	if !job.Backup.Exists(NamesFile) {
		if err := job.Dir.CopyTo(job.Backup, NamesFile, NamesFile); err != nil {
			return domain.NameEntry{}, Unexpected(err, "back up name table")
		}
	}

	n.entries[i].ConvertedName = converted
	n.entries[i].LastEditor = user
	if err := writeNames(job.Dir, n); err != nil {
		return domain.NameEntry{}, err
	}

	entry := n.entries[i]
	logger.CtxInfo(ctx, "Street name %q updated", source)
	record(ctx, h.audit, job, domain.AuditHighway, user, source)
	h.sink.Notify(ctx, notify.Event{Kind: notify.KindHighway, JobID: job.Key.ID(), Payload: entry})
	return entry, nil
}

// Undo restores source from the snapshot. Without snapshot or entry the
// current entry is returned unchanged.
func (h *HighwayEditor) Undo(ctx context.Context, job *repository.Job, source string, user *domain.User) (domain.NameEntry, error) {
	ctx = jobContext(logger.SetComponent(ctx, "highway"), job, user)

	job.Lock()
	defer job.Unlock()

	if err := h.guard(job, user); err != nil {
		return domain.NameEntry{}, err
	}
	n, _, err := readNames(job.Dir)
	if err != nil {
		return domain.NameEntry{}, err
	}
	i, ok := n.index[source]
	if !ok {
		return domain.NameEntry{}, nil
	}
	backup, found, err := readNames(job.Backup)
	if err != nil {
		return domain.NameEntry{}, err
	}
	orig, ok := backup.get(source)
	if !found || !ok {
		return n.entries[i], nil
	}

	n.entries[i].ConvertedName = orig.ConvertedName
	n.entries[i].LastEditor = orig.LastEditor
	if err := writeNames(job.Dir, n); err != nil {
		return domain.NameEntry{}, err
	}

	entry := n.entries[i]
	logger.CtxInfo(ctx, "Street name %q restored", source)
	record(ctx, h.audit, job, domain.AuditHighwayUndo, user, source)
	h.sink.Notify(ctx, notify.Event{Kind: notify.KindHighway, JobID: job.Key.ID(), Payload: entry})
	return entry, nil
}
