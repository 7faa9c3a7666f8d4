package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/OSM-es/CatAtomApi/internal/artifact"
	"github.com/OSM-es/CatAtomApi/internal/cache"
	"github.com/OSM-es/CatAtomApi/internal/domain"
	"github.com/OSM-es/CatAtomApi/internal/engine"
	"github.com/OSM-es/CatAtomApi/internal/notify"
	"github.com/OSM-es/CatAtomApi/internal/repository"
)

var (
	alice = &domain.User{ID: "1", DisplayName: "alice"}
	bob   = &domain.User{ID: "2", DisplayName: "bob"}
)

// fakeLauncher stands in for the engine. Each launch blocks until
// released, then runs script in the job directory.
type fakeLauncher struct {
	mu     sync.Mutex
	specs  []engine.Spec
	gates  []chan struct{}
	err    error
	script func(dir *artifact.Store, spec engine.Spec) error
}

func (f *fakeLauncher) Launch(_ context.Context, spec engine.Spec) (*engine.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	gate := make(chan struct{})
	f.specs = append(f.specs, spec)
	f.gates = append(f.gates, gate)
	script := f.script
	return engine.NewRun(0, func() error {
		<-gate
		if script == nil {
			return nil
		}
		return script(artifact.New(spec.Dir), spec)
	}), nil
}

func (f *fakeLauncher) releaseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, g := range f.gates {
		if g != nil {
			close(g)
			f.gates[i] = nil
		}
	}
}

func (f *fakeLauncher) launches() []engine.Spec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.Spec(nil), f.specs...)
}

func (f *fakeLauncher) setScript(script func(dir *artifact.Store, spec engine.Spec) error) {
	f.mu.Lock()
	f.script = script
	f.mu.Unlock()
}

type testEnv struct {
	root     string
	repo     *repository.JobRepository
	deriver  *StatusDeriver
	sink     *notify.Recorder
	launcher *fakeLauncher
	cache    *cache.LocalProvider
	ctrl     *Controller
	review   *ReviewWorkflow
	highway  *HighwayEditor
	chat     *ChatLog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	e := &testEnv{
		root:     root,
		repo:     repository.NewJobRepository(filepath.Join(root, "work"), filepath.Join(root, "backup")),
		deriver:  NewStatusDeriver(DefaultLayout()),
		sink:     &notify.Recorder{},
		launcher: &fakeLauncher{},
		cache:    cache.NewLocalProvider(filepath.Join(root, "cache")),
	}
	e.ctrl = NewController(ControllerConfig{
		Deriver:  e.deriver,
		Launcher: e.launcher,
		Cache:    e.cache,
		Sink:     e.sink,
	})
	e.review = NewReviewWorkflow(e.deriver, e.sink, nil)
	e.highway = NewHighwayEditor(e.deriver, e.sink, nil)
	e.chat = NewChatLog(e.sink)

	t.Cleanup(func() {
		e.launcher.releaseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.ctrl.Shutdown(ctx)
	})
	return e
}

// withTailer rebuilds the controller with a log tailer pushing to e.sink.
func (e *testEnv) withTailer() {
	e.ctrl = NewController(ControllerConfig{
		Deriver:      e.deriver,
		Launcher:     e.launcher,
		Cache:        e.cache,
		Sink:         e.sink,
		Tailer:       NewTailer(e.deriver, e.sink, 5*time.Millisecond, time.Second),
		PollInterval: 5 * time.Millisecond,
	})
}

func (e *testEnv) job(code, split string) *repository.Job {
	return e.repo.Get(domain.JobKey{Code: code, Split: split})
}

// finish releases the engine and waits for the post-run steps.
func (e *testEnv) finish(t *testing.T, job *repository.Job) {
	t.Helper()
	e.launcher.releaseAll()
	require.Eventually(t, func() bool { return !e.ctrl.Running(job) }, 5*time.Second, 5*time.Millisecond)
}

func writeFile(t *testing.T, dir *artifact.Store, name, content string) {
	t.Helper()
	require.NoError(t, dir.WriteFile(name, []byte(content)))
}

func claimFor(t *testing.T, job *repository.Job, user *domain.User) {
	t.Helper()
	require.NoError(t, job.Dir.WriteJSON(OwnerFile, user))
}

// osmDoc is an OSM document with n fixme tags and an optional comment.
func osmDoc(n int, comment string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	if comment != "" {
		b.WriteString("<!-- " + comment + " -->\n")
	}
	b.WriteString(`<osm version="0.6" generator="catatom2osm">` + "\n")
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `<node id="-%d" lat="40.4" lon="-3.7"><tag k="fixme" v="check %d"/></node>`+"\n", i+1, i)
	}
	b.WriteString(`<node id="-100" lat="40.4" lon="-3.7"><tag k="building" v="yes"/></node>` + "\n")
	b.WriteString("</osm>\n")
	return b.String()
}

func gz(t *testing.T, content string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func writeItem(t *testing.T, dir *artifact.Store, rel string, fixmes int) {
	t.Helper()
	require.NoError(t, dir.WriteFile(rel, gz(t, osmDoc(fixmes, ""))))
}

// finishedRun simulates an engine run producing a report and results.
func finishedRun(t *testing.T, fixmes map[string]int, withNames bool) func(dir *artifact.Store, spec engine.Spec) error {
	return func(dir *artifact.Store, spec engine.Spec) error {
		if err := dir.AppendLine(spec.LogFile, "INFO Start processing"); err != nil {
			return err
		}
		if err := dir.WriteFile("A.ES.SDGC.BU.28900.zip", []byte("zip")); err != nil {
			return err
		}
		if withNames {
			if err := dir.WriteFile(NamesFile, []byte("CL MAYOR\tCalle Mayor\tcatastro\n")); err != nil {
				return err
			}
		}
		for name, n := range fixmes {
			if err := dir.WriteFile(filepath.ToSlash(filepath.Join(TasksDir, name+itemSuffix)), gz(t, osmDoc(n, ""))); err != nil {
				return err
			}
		}
		if err := dir.Create(TasksDir); err != nil {
			return err
		}
		if err := dir.WriteJSON(ReportJSON, map[string]interface{}{"mun_code": "28900", "min_level": 1, "max_level": 9}); err != nil {
			return err
		}
		return dir.WriteFile(ReportText, []byte("Municipality: 28900\nBuildings: 10\n"))
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
