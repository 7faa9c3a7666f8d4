package service

import (
	"encoding/json"

	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/repository"
)

// Owner returns the user recorded by the last start, or nil.
func Owner(job *repository.Job) (*domain.User, error) {
	var owner domain.User
	ok, err := job.Dir.ReadJSON(OwnerFile, &owner)
	if err != nil {
		return nil, Unexpected(err, "read owner of %s", job.Key)
	}
	if !ok {
		return nil, nil
	}
	return &owner, nil
}

// CheckOwner fails with Conflict when the job is owned by somebody other
// than user. A job without owner can be claimed by anyone.
func CheckOwner(job *repository.Job, user *domain.User) error {
	owner, err := Owner(job)
	if err != nil {
		return err
	}
	if owner == nil || owner.Same(user) {
		return nil
	}
	return Conflict("Process locked by %s (%s)", owner.DisplayName, owner.ID)
}

// claim records user as owner with a create-if-absent write. It reports
// whether this call created the marker.
func claim(job *repository.Job, user *domain.User) (bool, error) {
	if user == nil {
		return false, Conflict("a user is required to start a job")
	}
	data, err := json.Marshal(user)
	if err != nil {
		return false, Unexpected(err, "encode owner")
	}
	created, err := job.Dir.WriteExclusive(OwnerFile, data)
	if err != nil {
		return false, Unexpected(err, "record owner of %s", job.Key)
	}
	if created {
		return true, nil
	}
	// Somebody holds the marker: only its owner may go on.
	if err := CheckOwner(job, user); err != nil {
		return false, err
	}
	return false, nil
}
