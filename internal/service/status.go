package service

import (
	"context"
	"sort"

	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/logger"
	"github.com/OSM-es/CatAtomApi/internal/repository"
)

// StatusDeriver computes job status from the artifacts on disk. It keeps
// no state and never fails: a missing artifact is a meaningful answer.
type StatusDeriver struct {
	layout Layout
}

func NewStatusDeriver(layout Layout) *StatusDeriver {
	return &StatusDeriver{layout: layout.withDefaults()}
}

// Status applies the checks in order; the first match wins.
func (d *StatusDeriver) Status(job *repository.Job) domain.Status {
	dir := job.Dir
	if !dir.Exists() || !dir.Exists(OwnerFile) {
		return domain.StatusAvailable
	}
	failed, err := dir.Contains(d.layout.LogFile, []byte(d.layout.ErrorMarker))
	if err != nil {
		logger.Warn("Failed to scan log of %s: %v", job.Key, err)
	}
	if failed {
		return domain.StatusError
	}
	if !dir.Exists(ReportText) && !dir.Exists(ReportJSON) {
		return domain.StatusRunning
	}
	if dir.Exists(NamesFile) {
		return domain.StatusReview
	}
	if d.registryOpen(job) {
		return domain.StatusFixme
	}
	if dir.IsDir(resultsDir(job.Key.Split)...) {
		return domain.StatusDone
	}
	return domain.StatusAvailable
}

// registryOpen reports a non-empty review registry. An unreadable
// registry counts as open so a corrupt file never skips the review.
func (d *StatusDeriver) registryOpen(job *repository.Job) bool {
	var reg domain.Registry
	ok, err := job.Dir.ReadJSON(RegistryFile, &reg)
	if err != nil {
		logger.Warn("Failed to read review registry of %s: %v", job.Key, err)
		return true
	}
	return ok && len(reg) > 0
}

// View assembles the read model of a job.
func (d *StatusDeriver) View(ctx context.Context, job *repository.Job) (*domain.JobView, error) {
	status := d.Status(job)
	view := &domain.JobView{
		Code:    job.Key.Code,
		Split:   job.Key.Split,
		Status:  status,
		Message: status.Message(),
	}
	if status == domain.StatusAvailable && !job.Dir.Exists(OwnerFile) {
		return view, nil
	}

	owner, err := Owner(job)
	if err != nil {
		return nil, err
	}
	view.Owner = owner

	var opts domain.Options
	if ok, err := job.Dir.ReadJSON(OptionsFile, &opts); err != nil {
		logger.CtxWarn(ctx, "Ignoring unreadable options of %s: %v", job.Key, err)
	} else if ok {
		view.Options = &opts
	}

	var report domain.Report
	if ok, err := job.Dir.ReadJSON(ReportJSON, &report); err != nil {
		logger.CtxWarn(ctx, "Ignoring unreadable report of %s: %v", job.Key, err)
	} else if ok {
		delete(report, "min_level")
		delete(report, "max_level")
		view.Report = report
	}

	lines, _, err := job.Dir.ReadLines(ReportText, 0)
	if err != nil {
		return nil, Unexpected(err, "read report of %s", job.Key)
	}
	view.ReportLines = lines

	_, count, err := job.Dir.ReadLines(d.layout.LogFile, 0)
	if err != nil {
		return nil, Unexpected(err, "read log of %s", job.Key)
	}
	view.LogLines = count

	if status == domain.StatusFixme {
		reg, err := readRegistry(job.Dir)
		if err != nil {
			return nil, err
		}
		view.Review = sortedRecords(reg)
	}
	return view, nil
}

func sortedRecords(reg domain.Registry) []domain.FixmeRecord {
	records := make([]domain.FixmeRecord, 0, len(reg))
	for _, rec := range reg {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ItemID < records[j].ItemID })
	return records
}
