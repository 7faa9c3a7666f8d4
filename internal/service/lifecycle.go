package service

import (
	"context"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/klauspost/compress/zip"

	"github.com/OSM-es/CatAtomApi/internal/cache"
	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/engine"
	"github.com/OSM-es/CatAtomApi/internal/logger"
	"github.com/OSM-es/CatAtomApi/internal/notify"
	"github.com/OSM-es/CatAtomApi/internal/repository"
)

// ControllerConfig wires a Controller.
type ControllerConfig struct {
	Deriver  *StatusDeriver
	Launcher engine.Launcher
	Cache    cache.Provider
	Sink     notify.Sink
	Audit    Auditor
	Tailer   *Tailer
	// StopOnShutdown terminates engines still running when Shutdown
	// times out. By default they are left running and Reconcile settles
	// them on the next start.
	StopOnShutdown bool
	// PollInterval paces the status checks of runs adopted by Reconcile.
	PollInterval time.Duration
}

// Controller starts, deletes and exports jobs.
type Controller struct {
	deriver  *StatusDeriver
	launcher engine.Launcher
	cache    cache.Provider
	sink     notify.Sink
	audit    Auditor
	tailer   *Tailer
	stop     bool
	poll     time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]*engine.Run
}

func NewController(cfg ControllerConfig) *Controller {
	sink := cfg.Sink
	if sink == nil {
		sink = notify.Discard{}
	}
	deriver := cfg.Deriver
	if deriver == nil {
		deriver = NewStatusDeriver(DefaultLayout())
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultWatchInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		deriver:  deriver,
		launcher: cfg.Launcher,
		cache:    cfg.Cache,
		sink:     sink,
		audit:    cfg.Audit,
		tailer:   cfg.Tailer,
		stop:     cfg.StopOnShutdown,
		poll:     poll,
		baseCtx:  ctx,
		cancel:   cancel,
		running:  make(map[string]*engine.Run),
	}
}

func jobContext(ctx context.Context, job *repository.Job, user *domain.User) context.Context {
	ctx = logger.SetJob(ctx, job.Key.ID(), job.Key.Code, job.Key.Split)
	if user != nil {
		ctx = logger.SetUserID(ctx, user.ID)
	}
	return ctx
}

// Running reports whether this controller tracks an unsettled run for
// the entity of job.
func (c *Controller) Running(job *repository.Job) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[job.Key.Code]
	return ok
}

// Start launches the engine for job on behalf of user. Failures of the
// run itself only show up later as ERROR status.
func (c *Controller) Start(ctx context.Context, job *repository.Job, user *domain.User, opts domain.Options) (*domain.JobView, error) {
	ctx = jobContext(logger.SetComponent(ctx, "lifecycle"), job, user)
	opts = opts.Normalize()

	job.Lock()
	defer job.Unlock()

	if c.Running(job) {
		return nil, Conflict("%s", domain.StatusRunning.Message())
	}
	status := c.deriver.Status(job)
	switch status {
	case domain.StatusRunning, domain.StatusFixme:
		return nil, Conflict("%s", status.Message())
	case domain.StatusDone:
		var last domain.Options
		ok, err := job.Dir.ReadJSON(OptionsFile, &last)
		if err != nil {
			return nil, Unexpected(err, "read options of %s", job.Key)
		}
		if ok && last.Equal(opts, job.Key) {
			return nil, Conflict("%s already processed with the same options", job.Key)
		}
	}
	if err := CheckOwner(job, user); err != nil {
		return nil, err
	}

	if err := job.Dir.Create(); err != nil {
		return nil, Unexpected(err, "create job dir")
	}
	claimed, err := claim(job, user)
	if err != nil {
		return nil, err
	}
	rollback := func() {
		if claimed {
			_, _ = job.Dir.Remove(OwnerFile)
		}
	}

	if status == domain.StatusDone {
		if err := c.nestPrevious(job); err != nil {
			rollback()
			return nil, err
		}
	}
	for _, name := range []string{c.deriver.layout.LogFile, ReportText, ReportJSON} {
		if _, err := job.Dir.Remove(name); err != nil {
			rollback()
			return nil, Unexpected(err, "clear %s", name)
		}
	}
	if c.cache != nil {
		if _, err := c.cache.Seed(ctx, job.Key.Code, job.Dir); err != nil {
			logger.CtxWarn(ctx, "Cache seed failed, engine will fetch inputs: %v", err)
		}
	}
	if err := job.Dir.WriteJSON(OptionsFile, opts); err != nil {
		rollback()
		return nil, Unexpected(err, "write options")
	}

	run, err := c.launcher.Launch(ctx, engine.Spec{
		Dir:     job.Dir.Root(),
		Args:    opts.Args(job.Key),
		LogFile: c.deriver.layout.LogFile,
	})
	if err != nil {
		rollback()
		logger.CtxError(ctx, "Failed to launch engine: %v", err)
		return nil, Unexpected(err, "launch engine")
	}

	if err := job.Dir.WriteJSON(PendingFile, pendingRun{Split: job.Key.Split, Before: status, PID: run.PID()}); err != nil {
		logger.CtxWarn(ctx, "Failed to record pending run: %v", err)
	}

	c.track(job, run)
	settled := make(chan struct{})
	c.wg.Add(1)
	go c.complete(job, user, run, status, settled)

	logger.With(logger.Fields{logger.FieldPID: run.PID()}).Info(ctx, "Job started")
	record(ctx, c.audit, job, domain.AuditStart, user, fmt.Sprint(opts.Args(job.Key)))
	c.sink.Notify(ctx, notify.Event{Kind: notify.KindCreated, JobID: job.Key.ID(), Payload: startedPayload{User: user, Room: job.Key.Code}})

	c.watch(job, user, settled)

	view := &domain.JobView{
		Code:    job.Key.Code,
		Split:   job.Key.Split,
		Status:  domain.StatusRunning,
		Message: domain.StatusRunning.Message(),
		Owner:   user,
		Options: &opts,
	}
	return view, nil
}

type startedPayload struct {
	User *domain.User `json:"user,omitempty"`
	Room string       `json:"room"`
}

// nestPrevious keeps a finished variant under previous/ so a run with
// other options does not overwrite it.
func (c *Controller) nestPrevious(job *repository.Job) error {
	if _, err := job.Dir.Remove(PreviousDir); err != nil {
		return Unexpected(err, "clear previous run")
	}
	for _, name := range []string{TasksDir, ReportText, ReportJSON, OptionsFile} {
		if !job.Dir.Exists(name) {
			continue
		}
		if err := job.Dir.Move(name, path.Join(PreviousDir, name)); err != nil {
			return Unexpected(err, "keep previous %s", name)
		}
	}
	return nil
}

// pendingRun marks a launched run whose post-run steps have not been
// applied yet.
type pendingRun struct {
	Split  string        `json:"split,omitempty"`
	Before domain.Status `json:"before"`
	PID    int           `json:"pid,omitempty"`
}

func (c *Controller) track(job *repository.Job, run *engine.Run) {
	c.mu.Lock()
	c.running[job.Key.Code] = run
	c.mu.Unlock()
}

func (c *Controller) untrack(job *repository.Job) {
	c.mu.Lock()
	delete(c.running, job.Key.Code)
	c.mu.Unlock()
}

// watch tails the log of job until settled is closed.
func (c *Controller) watch(job *repository.Job, user *domain.User, settled <-chan struct{}) {
	if c.tailer == nil {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx := jobContext(c.baseCtx, job, user)
		if err := c.tailer.WatchUntil(ctx, job, settled); err != nil && c.baseCtx.Err() == nil {
			logger.CtxWarn(ctx, "Watch ended: %v", err)
		}
	}()
}

// complete waits for the engine and runs the post-run steps.
func (c *Controller) complete(job *repository.Job, user *domain.User, run *engine.Run, before domain.Status, settled chan struct{}) {
	defer c.wg.Done()
	defer close(settled)
	runErr := run.Wait(context.Background())

	ctx := jobContext(logger.SetComponent(context.Background(), "lifecycle"), job, user)

	job.Lock()
	defer job.Unlock()
	defer c.untrack(job)

	c.settle(ctx, job, runErr, before)
}

// settle turns a finished run into its terminal state. The caller holds
// the job lock.
func (c *Controller) settle(ctx context.Context, job *repository.Job, runErr error, before domain.Status) domain.Status {
	started := time.Now()

	switch {
	case runErr != nil:
		c.markFailed(ctx, job, fmt.Sprintf("engine failed: %v", runErr))
	case c.deriver.Status(job) == domain.StatusRunning:
		c.markFailed(ctx, job, "engine exited without a report")
	}

	c.collectInputs(ctx, job)

	status := c.deriver.Status(job)
	if status != domain.StatusError {
		if err := c.postRun(ctx, job, before); err != nil {
			logger.CtxError(ctx, "Post-run step failed: %v", err)
		}
		status = c.deriver.Status(job)
	}
	if _, err := job.Dir.Remove(PendingFile); err != nil {
		logger.CtxWarn(ctx, "Failed to clear pending run: %v", err)
	}

	logger.With(logger.Fields{logger.FieldStatus: string(status)}).
		WithDuration(time.Since(started).Milliseconds()).
		Info(ctx, "Job finished")
	return status
}

// markFailed appends an error line to the job log so the job derives as
// ERROR.
func (c *Controller) markFailed(ctx context.Context, job *repository.Job, reason string) {
	line := fmt.Sprintf("%s %s %s", time.Now().Format(time.RFC3339), c.deriver.layout.ErrorMarker, reason)
	if err := job.Dir.AppendLine(c.deriver.layout.LogFile, line); err != nil {
		logger.CtxError(ctx, "Failed to record engine failure: %v", err)
	}
	logger.CtxError(ctx, "Run failed: %s", reason)
}

// Reconcile settles the runs a previous server process launched but never
// post-processed. Runs whose engine is still alive are followed until it
// exits. It returns the number of runs adopted.
func (c *Controller) Reconcile(ctx context.Context, repo *repository.JobRepository) (int, error) {
	ctx = logger.SetComponent(ctx, "lifecycle")
	codes, err := repo.Codes()
	if err != nil {
		return 0, Unexpected(err, "list jobs")
	}
	adopted := 0
	for _, code := range codes {
		var pending pendingRun
		ok, err := repo.Get(domain.JobKey{Code: code}).Dir.ReadJSON(PendingFile, &pending)
		if err != nil {
			logger.CtxWarn(ctx, "Ignoring unreadable pending run of %s: %v", code, err)
			continue
		}
		if !ok {
			continue
		}
		job := repo.Get(domain.JobKey{Code: code, Split: pending.Split})
		if c.Running(job) {
			continue
		}
		// Adopted runs have no engine handle.
		c.track(job, nil)
		settled := make(chan struct{})
		c.wg.Add(1)
		go c.adopt(job, pending, settled)
		c.watch(job, nil, settled)
		adopted++
	}
	if adopted > 0 {
		logger.With(logger.Fields{logger.FieldCount: adopted}).Info(ctx, "Adopted unfinished runs")
	}
	return adopted, nil
}

func (c *Controller) adopt(job *repository.Job, pending pendingRun, settled chan struct{}) {
	defer c.wg.Done()
	defer close(settled)
	ctx := jobContext(logger.SetComponent(context.Background(), "lifecycle"), job, nil)

	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for c.deriver.Status(job) == domain.StatusRunning && engine.Alive(pending.PID) {
		select {
		case <-c.baseCtx.Done():
			c.untrack(job)
			return
		case <-ticker.C:
		}
	}

	job.Lock()
	defer job.Unlock()
	defer c.untrack(job)

	c.settle(ctx, job, nil, pending.Before)
}

// collectInputs hands the downloaded static inputs to the cache and
// removes them from the job directory.
func (c *Controller) collectInputs(ctx context.Context, job *repository.Job) {
	names, err := job.Dir.List("")
	if err != nil {
		logger.CtxWarn(ctx, "Failed to list inputs: %v", err)
		return
	}
	if c.cache != nil {
		n, err := c.cache.Store(ctx, job.Key.Code, job.Dir)
		if err != nil {
			// Keep the inputs so the next run can still use them.
			logger.CtxWarn(ctx, "Failed to cache inputs: %v", err)
			return
		}
		if n > 0 {
			logger.With(logger.Fields{logger.FieldCount: n}).Debug(ctx, "Cached inputs")
		}
	}
	for _, name := range names {
		if path.Ext(name) == ".zip" {
			if _, err := job.Dir.Remove(name); err != nil {
				logger.CtxWarn(ctx, "Failed to remove input %s: %v", name, err)
			}
		}
	}
}

func (c *Controller) postRun(ctx context.Context, job *repository.Job, before domain.Status) error {
	// A fresh name table opens a new undo generation.
	if _, err := job.Backup.Remove(NamesFile); err != nil {
		return err
	}

	if before == domain.StatusReview && job.Dir.Exists(NamesFile) && job.Dir.IsDir(resultsDir(job.Key.Split)...) {
		stamp := time.Now().UTC().Format("20060102T150405")
		if err := job.Dir.CopyTo(job.Backup, NamesFile, "consumed_"+stamp+"_"+NamesFile); err != nil {
			return err
		}
		if _, err := job.Dir.Remove(NamesFile); err != nil {
			return err
		}
	}

	if job.Dir.Exists(NamesFile) || !job.Dir.IsDir(TasksDir) {
		return nil
	}
	reg, err := scanItems(job.Dir, "")
	if err != nil {
		return err
	}
	if len(reg) == 0 {
		return nil
	}
	if _, err := job.Backup.Remove(RegistryFile); err != nil {
		return err
	}
	if _, err := job.Backup.Remove(TasksDir); err != nil {
		return err
	}
	if err := job.Dir.WriteJSON(RegistryFile, reg); err != nil {
		return err
	}
	logger.With(logger.Fields{logger.FieldCount: len(reg)}).Info(ctx, "Review registry built")
	c.sink.Notify(ctx, notify.Event{Kind: notify.KindReviewUpdated, JobID: job.Key.ID(), Payload: sortedRecords(reg)})
	return nil
}

// Delete removes the results of a split, or reclaims the whole job. It
// reports whether anything was removed.
func (c *Controller) Delete(ctx context.Context, job *repository.Job, user *domain.User) (bool, error) {
	ctx = jobContext(logger.SetComponent(ctx, "lifecycle"), job, user)

	job.Lock()
	defer job.Unlock()

	if c.Running(job) || c.deriver.Status(job) == domain.StatusRunning {
		return false, Conflict("cannot delete %s while it is running", job.Key)
	}
	if err := CheckOwner(job, user); err != nil {
		return false, err
	}

	var removed bool
	var err error
	if job.Key.Split != "" {
		removed, err = job.Dir.Remove(resultsDir(job.Key.Split)...)
		if err != nil {
			return false, Unexpected(err, "delete split %s", job.Key)
		}
	} else {
		removed, err = c.reclaim(job)
		if err != nil {
			return removed, err
		}
	}

	if removed {
		logger.CtxInfo(ctx, "Job deleted")
		record(ctx, c.audit, job, domain.AuditDelete, user, "")
		c.sink.Notify(ctx, notify.Event{Kind: notify.KindDeleted, JobID: job.Key.ID(), Payload: startedPayload{User: user, Room: job.Key.Code}})
	}
	return removed, nil
}

// reclaim removes generated output, backups and the registry, promotes a
// nested previous run, and drops the job directory when no report is left.
func (c *Controller) reclaim(job *repository.Job) (bool, error) {
	removed := false
	for _, name := range []string{TasksDir, RegistryFile, NamesFile, ReportText, ReportJSON, OptionsFile, PendingFile, c.deriver.layout.LogFile} {
		ok, err := job.Dir.Remove(name)
		if err != nil {
			return removed, Unexpected(err, "delete %s", name)
		}
		removed = removed || ok
	}
	ok, err := job.Backup.Remove()
	if err != nil {
		return removed, Unexpected(err, "delete backups")
	}
	removed = removed || ok

	if job.Dir.IsDir(PreviousDir) {
		for _, name := range []string{TasksDir, ReportText, ReportJSON, OptionsFile} {
			if !job.Dir.Exists(PreviousDir, name) {
				continue
			}
			if err := job.Dir.Move(path.Join(PreviousDir, name), name); err != nil {
				return removed, Unexpected(err, "restore previous %s", name)
			}
		}
		if _, err := job.Dir.Remove(PreviousDir); err != nil {
			return removed, Unexpected(err, "delete previous run")
		}
	}

	if !job.Dir.Exists(ReportText) && !job.Dir.Exists(ReportJSON) {
		ok, err := job.Dir.Remove()
		if err != nil {
			return removed, Unexpected(err, "delete job dir")
		}
		removed = removed || ok
	}
	return removed, nil
}

// Archive is a finished results directory ready to be zipped.
type Archive struct {
	Name  string
	job   *repository.Job
	paths []string
}

// Export returns the results of job as an archive, or NotFound when the
// job has no finished results.
func (c *Controller) Export(ctx context.Context, job *repository.Job) (*Archive, error) {
	dir := resultsDir(job.Key.Split)
	if !job.Dir.IsDir(dir...) {
		return nil, NotFound("%s has no results to export", job.Key)
	}
	files, err := job.Dir.Find(path.Join(dir...), "")
	if err != nil {
		return nil, Unexpected(err, "list results")
	}
	name := job.Key.Code
	if job.Key.Split != "" {
		name += "_" + job.Key.Split
	}
	logger.With(logger.Fields{logger.FieldCount: len(files)}).Debug(jobContext(ctx, job, nil), "Exporting results")
	return &Archive{Name: name + ".zip", job: job, paths: files}, nil
}

// WriteTo streams the zip archive to w.
func (a *Archive) WriteTo(w io.Writer) (int64, error) {
	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	for _, rel := range a.paths {
		content, err := a.job.Dir.ReadFile(rel)
		if err != nil {
			return cw.n, fmt.Errorf("read %s: %w", rel, err)
		}
		f, err := zw.Create(rel)
		if err != nil {
			return cw.n, err
		}
		if _, err := f.Write(content); err != nil {
			return cw.n, err
		}
	}
	if err := zw.Close(); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Shutdown stops the watch loops and waits for the post-run steps of
// running engines until ctx is done.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	c.mu.Lock()
	runs := make([]*engine.Run, 0, len(c.running))
	for _, run := range c.running {
		if run != nil {
			runs = append(runs, run)
		}
	}
	c.mu.Unlock()

	if c.stop {
		for _, run := range runs {
			run.Stop(2 * time.Second)
		}
	}
	if len(runs) > 0 {
		logger.Warn("Shutdown left %d engine(s) running", len(runs))
	}
	return ctx.Err()
}
