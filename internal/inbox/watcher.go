// Package inbox submits audio files dropped into a directory and hands the
// resulting jobs to background polling. Files live at {dir}/{owner}/{name}.
package inbox

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/snarg/voicecoach/internal/analysis"
)

// SubmittedDir holds files that were accepted by the analyzer. Its name
// starts with a dot so the watcher ignores it.
const SubmittedDir = ".submitted"

// Submitter sends an upload for analysis.
type Submitter interface {
	SubmitUpload(ctx context.Context, ownerID string, audio analysis.Upload) (string, error)
}

// Registrar tracks a submitted job in the background.
type Registrar interface {
	RegisterFor(jobID, ownerID string) error
}

type Options struct {
	Dir      string
	Debounce time.Duration
	Log      zerolog.Logger
}

type Status struct {
	Status    string `json:"status"`
	Dir       string `json:"dir"`
	Submitted int64  `json:"submitted"`
	Failed    int64  `json:"failed"`
}

// Watcher watches the inbox tree with fsnotify.
type Watcher struct {
	dir       string
	debounce  time.Duration
	submitter Submitter
	registrar Registrar
	log       zerolog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// Coalesces Create+Write bursts on the same file.
	debounceMu     sync.Mutex
	debounceTimers map[string]*time.Timer
	inFlight       map[string]bool

	submitted atomic.Int64
	failed    atomic.Int64
	status    atomic.Value // "starting", "watching", "stopped"
}

func New(opts Options, submitter Submitter, registrar Registrar) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = 500 * time.Millisecond
	}
	w := &Watcher{
		dir:            opts.Dir,
		debounce:       opts.Debounce,
		submitter:      submitter,
		registrar:      registrar,
		log:            opts.Log.With().Str("component", "inbox").Logger(),
		debounceTimers: make(map[string]*time.Timer),
		inFlight:       make(map[string]bool),
	}
	w.status.Store("starting")
	return w
}

// Start watches the inbox and submits files already waiting in it.
func (w *Watcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create inbox: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = fw
	w.ctx, w.cancel = context.WithCancel(ctx)

	var backlog []string
	err = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.log.Warn().Err(err).Str("path", path).Msg("error walking inbox")
			return nil
		}
		if d.IsDir() {
			if path != w.dir && isHidden(d.Name()) {
				return filepath.SkipDir
			}
			if addErr := fw.Add(path); addErr != nil {
				w.log.Warn().Err(addErr).Str("path", path).Msg("failed to watch directory")
			}
			return nil
		}
		if _, ok := w.ownerOf(path); ok && isAudio(path) {
			backlog = append(backlog, path)
		}
		return nil
	})
	if err != nil {
		fw.Close()
		return err
	}

	w.wg.Add(1)
	go w.loop()
	for _, path := range backlog {
		w.schedule(path)
	}
	w.status.Store("watching")
	w.log.Info().Str("dir", w.dir).Int("backlog", len(backlog)).Msg("inbox watcher started")
	return nil
}

// Stop closes the watcher and waits for in-flight submissions.
func (w *Watcher) Stop() {
	w.status.Store("stopped")
	if w.cancel != nil {
		w.cancel()
	}
	if w.watcher != nil {
		w.watcher.Close()
	}
	w.debounceMu.Lock()
	for path, t := range w.debounceTimers {
		if t.Stop() {
			w.wg.Done()
		}
		delete(w.debounceTimers, path)
	}
	w.debounceMu.Unlock()
	w.wg.Wait()
	w.log.Info().
		Int64("submitted", w.submitted.Load()).
		Int64("failed", w.failed.Load()).
		Msg("inbox watcher stopped")
}

func (w *Watcher) Status() Status {
	s, _ := w.status.Load().(string)
	return Status{Status: s, Dir: w.dir, Submitted: w.submitted.Load(), Failed: w.failed.Load()}
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
				if isHidden(filepath.Base(event.Name)) {
					continue
				}
				if err := w.watcher.Add(event.Name); err != nil {
					w.log.Warn().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
				}
				continue
			}
			if _, ok := w.ownerOf(event.Name); !ok || !isAudio(event.Name) {
				continue
			}
			w.schedule(event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error().Err(err).Msg("fsnotify error")
		}
	}
}

// schedule submits path once it has been quiet for the debounce window.
func (w *Watcher) schedule(path string) {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.ctx.Err() != nil || w.inFlight[path] {
		return
	}
	if t, ok := w.debounceTimers[path]; ok {
		// A timer that already fired is about to process the file.
		if t.Stop() {
			t.Reset(w.debounce)
		}
		return
	}
	w.wg.Add(1)
	w.debounceTimers[path] = time.AfterFunc(w.debounce, func() {
		defer w.wg.Done()
		w.debounceMu.Lock()
		delete(w.debounceTimers, path)
		w.inFlight[path] = true
		w.debounceMu.Unlock()

		w.process(path)

		w.debounceMu.Lock()
		delete(w.inFlight, path)
		w.debounceMu.Unlock()
	})
}

func (w *Watcher) process(path string) {
	owner, _ := w.ownerOf(path)
	log := w.log.With().Str("path", path).Str("owner_id", owner).Logger()

	data, err := os.ReadFile(path)
	if err != nil {
		// Already moved by an earlier pass.
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Msg("failed to read inbox file")
		}
		return
	}
	if len(data) == 0 {
		return
	}

	upload := analysis.Upload{
		Filename: filepath.Base(path),
		MIMEType: mimeFor(path),
		Data:     data,
	}
	jobID, err := w.submitter.SubmitUpload(w.ctx, owner, upload)
	if err != nil {
		w.failed.Add(1)
		log.Warn().Err(err).Msg("inbox submission failed, file left in place")
		return
	}
	w.submitted.Add(1)

	dest := filepath.Join(filepath.Dir(path), SubmittedDir, jobID+"_"+filepath.Base(path))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err == nil {
		err = os.Rename(path, dest)
	}
	if err != nil {
		log.Warn().Err(err).Msg("failed to move submitted file")
	}

	if err := w.registrar.RegisterFor(jobID, owner); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("background registration failed")
		return
	}
	log.Info().Str("job_id", jobID).Msg("inbox file submitted")
}

// ownerOf returns the owner directory for a file directly inside it.
func (w *Watcher) ownerOf(path string) (string, bool) {
	rel, err := filepath.Rel(w.dir, path)
	if err != nil {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || isHidden(parts[0]) || isHidden(parts[1]) {
		return "", false
	}
	return parts[0], true
}

func isHidden(name string) bool { return strings.HasPrefix(name, ".") }

func isAudio(path string) bool { return mimeFor(path) != "" }

func mimeFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return "audio/wav"
	case ".webm":
		return "audio/webm"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".m4a":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	default:
		return ""
	}
}
