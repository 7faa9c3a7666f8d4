package repository

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/OSM-es/CatAtomApi/internal/artifact"
	"github.com/OSM-es/CatAtomApi/internal/domain"
)

var codeDir = regexp.MustCompile(`^[0-9]{5}$`)

// Job is the handle of one job. Every split of an entity shares the
// entity directory and therefore the same lock.
type Job struct {
	Key    domain.JobKey
	Dir    *artifact.Store
	Backup *artifact.Store

	mu *sync.Mutex
}

// Lock serializes mutations of the job directory.
func (j *Job) Lock() { j.mu.Lock() }

func (j *Job) Unlock() { j.mu.Unlock() }

// JobRepository maps job keys to handles. A key always resolves to the
// same handle, so no two handles write the same directory concurrently.
type JobRepository struct {
	workDir   string
	backupDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	jobs  map[domain.JobKey]*Job
}

// NewJobRepository creates a repository over workDir and backupDir.
// Parameters:
//   - workDir: root holding one directory per entity code.
//   - backupDir: root holding the backups of each entity.
// Returns:
//   - *JobRepository: repository instance.
func NewJobRepository(workDir, backupDir string) *JobRepository {
	return &JobRepository{
		workDir:   workDir,
		backupDir: backupDir,
		locks:     make(map[string]*sync.Mutex),
		jobs:      make(map[domain.JobKey]*Job),
	}
}

// Get returns the handle for key. The directory is not created.
func (r *JobRepository) Get(key domain.JobKey) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()

	if job, ok := r.jobs[key]; ok {
		return job
	}
	lock, ok := r.locks[key.Code]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[key.Code] = lock
	}
	job := &Job{
		Key:    key,
		Dir:    artifact.New(filepath.Join(r.workDir, key.Code)),
		Backup: artifact.New(filepath.Join(r.backupDir, key.Code)),
		mu:     lock,
	}
	r.jobs[key] = job
	return job
}

// Codes lists the entity codes that have a job directory.
func (r *JobRepository) Codes() ([]string, error) {
	entries, err := os.ReadDir(r.workDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var codes []string
	for _, e := range entries {
		if e.IsDir() && codeDir.MatchString(e.Name()) {
			codes = append(codes, e.Name())
		}
	}
	sort.Strings(codes)
	return codes, nil
}
