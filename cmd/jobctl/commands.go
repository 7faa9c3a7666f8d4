package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/OSM-es/CatAtomApi/internal/cache"
	"github.com/OSM-es/CatAtomApi/internal/config"
	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/logger"
	"github.com/OSM-es/CatAtomApi/internal/repository"
	"github.com/OSM-es/CatAtomApi/internal/service"
)

// appContext holds the components shared by the commands.
type appContext struct {
	cfg     *config.Config
	repo    *repository.JobRepository
	deriver *service.StatusDeriver
}

func newAppContext(cmd *cli.Command) (*appContext, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger.SetDefaultLogger(logger.New(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      "text",
		Output:      os.Stderr,
		ServiceName: "jobctl",
	}))
	return &appContext{
		cfg:     cfg,
		repo:    repository.NewJobRepository(cfg.Work.Dir, cfg.Work.BackupDir),
		deriver: service.NewStatusDeriver(service.Layout{LogFile: cfg.Engine.LogFile, ErrorMarker: cfg.Engine.ErrorMarker}),
	}, nil
}

func (a *appContext) job(cmd *cli.Command) (*repository.Job, error) {
	if cmd.Args().Len() != 1 {
		return nil, fmt.Errorf("expected exactly one entity code")
	}
	key, err := domain.ParseJobKey(cmd.Args().First(), cmd.String("split"))
	if err != nil {
		return nil, err
	}
	return a.repo.Get(key), nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func statusAction(ctx context.Context, cmd *cli.Command) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}
	job, err := app.job(cmd)
	if err != nil {
		return err
	}
	view, err := app.deriver.View(ctx, job)
	if err != nil {
		return err
	}
	return printJSON(view)
}

func logAction(ctx context.Context, cmd *cli.Command) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}
	job, err := app.job(cmd)
	if err != nil {
		return err
	}
	tailer := service.NewTailer(app.deriver, nil, app.cfg.Watch.Interval, app.cfg.Watch.StartupTimeout)
	lines, _, err := tailer.ReadDelta(job, int(cmd.Int("from")))
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}
	return nil
}

func deleteAction(ctx context.Context, cmd *cli.Command) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}
	job, err := app.job(cmd)
	if err != nil {
		return err
	}
	user := &domain.User{ID: cmd.String("user"), DisplayName: cmd.String("name")}
	if user.DisplayName == "" {
		user.DisplayName = user.ID
	}

	// A controller outside the server tracks no engine, so the RUNNING
	// status on disk is what rejects the delete of a live job.
	ctrl := service.NewController(service.ControllerConfig{Deriver: app.deriver})
	removed, err := ctrl.Delete(ctx, job, user)
	if err != nil {
		return err
	}
	fmt.Printf("%s: status %s, directory removed: %v\n", job.Key, app.deriver.Status(job), removed)
	return nil
}

func exportAction(ctx context.Context, cmd *cli.Command) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}
	job, err := app.job(cmd)
	if err != nil {
		return err
	}
	ctrl := service.NewController(service.ControllerConfig{Deriver: app.deriver})
	archive, err := ctrl.Export(ctx, job)
	if err != nil {
		return err
	}

	out := cmd.String("out")
	if out == "" {
		out = archive.Name
	}
	f, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("create %s: %w", out, err)
	}
	n, err := archive.WriteTo(f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}
	fmt.Printf("%s: %d bytes\n", out, n)
	return nil
}

func seedAction(ctx context.Context, cmd *cli.Command) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}
	job, err := app.job(cmd)
	if err != nil {
		return err
	}
	provider, err := cache.NewProvider(ctx, app.cfg)
	if err != nil {
		return err
	}
	if err := job.Dir.Create(); err != nil {
		return err
	}
	n, err := provider.Seed(ctx, job.Key.Code, job.Dir)
	if err != nil {
		return err
	}
	fmt.Printf("%s: %d cached input(s) copied\n", job.Key.Code, n)
	return nil
}
