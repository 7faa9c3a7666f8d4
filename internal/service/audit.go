package service

import (
	"context"

	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/logger"
	"github.com/OSM-es/CatAtomApi/internal/repository"
)

// Auditor stores the trail of accepted mutations.
type Auditor interface {
	Record(ctx context.Context, entry *domain.AuditEntry) error
}

// record appends an audit entry. Audit failures never fail the mutation.
func record(ctx context.Context, a Auditor, job *repository.Job, action domain.AuditAction, user *domain.User, detail string) {
	if a == nil {
		return
	}
	entry := &domain.AuditEntry{
		Code:   job.Key.Code,
		Split:  job.Key.Split,
		Action: action,
		Detail: detail,
	}
	if user != nil {
		entry.UserID = user.ID
		entry.UserName = user.DisplayName
	}
	if err := a.Record(ctx, entry); err != nil {
		logger.CtxWarn(ctx, "Failed to record %s audit entry: %v", action, err)
	}
}
