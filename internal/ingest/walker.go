// Package ingest turns an extracted experiment folder into relational rows
// and blob objects. The Walker owns the single transaction of a walk; the
// Service adds archive intake and request validation around it.
package ingest

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"

	"labportal/internal/blob"
	"labportal/internal/core"
	"labportal/internal/extract"
	"labportal/pkg/domain"
)

// Operation is the metrics and tracing name of a walk.
const Operation = "ingest"

// Per-file outcomes reported to the metrics recorder.
const (
	OutcomeStored          = "stored"
	OutcomeAlreadyRecorded = "already_recorded"
	OutcomeUnsupported     = "unsupported_extension"
	OutcomeMissingAnimalID = "missing_animal_id"
	OutcomeUploadFailed    = "upload_failed"
	OutcomeUndatedSession  = "undated_session"
)

// DefaultExtensions is the allow-list of session file extensions.
var DefaultExtensions = []string{".txt", ".pro", ".ms8"}

// Report summarizes what a walk did. Skips are normal outcomes, not errors.
type Report struct {
	Experiment      string `json:"experiment"`
	Rigs            int    `json:"rigs"`
	Groups          int    `json:"groups"`
	TrainingFolders int    `json:"training_folders"`
	Days            int    `json:"days"`
	Mice            int    `json:"mice_seen"`

	FilesStored          int `json:"files_stored"`
	FilesAlreadyRecorded int `json:"files_already_recorded"`
	SkippedUnsupported   int `json:"skipped_unsupported_extension"`
	SkippedMissingID     int `json:"skipped_missing_animal_id"`
	SkippedUploadFailed  int `json:"skipped_upload_failed"`
	SkippedUndated       int `json:"skipped_undated_sessions"`

	Duration time.Duration `json:"duration_ns"`
}

// Option configures a Walker.
type Option func(*Walker)

// WithLogger sets the walker logger.
func WithLogger(l core.Logger) Option {
	return func(w *Walker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m core.MetricsRecorder) Option {
	return func(w *Walker) {
		if m != nil {
			w.metrics = m
		}
	}
}

// WithTracer sets the tracer used for the walk span.
func WithTracer(t core.Tracer) Option {
	return func(w *Walker) {
		if t != nil {
			w.tracer = t
		}
	}
}

// WithCleanupOnRollback deletes, best effort, the blobs a walk uploaded when
// its transaction does not commit.
func WithCleanupOnRollback(enabled bool) Option {
	return func(w *Walker) { w.cleanupOnRollback = enabled }
}

// WithExtensions replaces the session file extension allow-list.
func WithExtensions(exts ...string) Option {
	return func(w *Walker) {
		w.extensions = make(map[string]struct{}, len(exts))
		for _, e := range exts {
			w.extensions[strings.ToLower(e)] = struct{}{}
		}
	}
}

// Walker ingests experiment folder trees.
type Walker struct {
	store             domain.PersistentStore
	blobs             blob.Store
	logger            core.Logger
	metrics           core.MetricsRecorder
	tracer            core.Tracer
	cleanupOnRollback bool
	extensions        map[string]struct{}
	now               func() time.Time
}

// NewWalker builds a Walker persisting rows to store and file bytes to blobs.
func NewWalker(store domain.PersistentStore, blobs blob.Store, opts ...Option) *Walker {
	w := &Walker{
		store:   store,
		blobs:   blobs,
		logger:  core.NoopLogger(),
		metrics: core.NoopMetrics(),
		tracer:  core.NoopTracer(),
		now:     time.Now,
	}
	WithExtensions(DefaultExtensions...)(w)
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Ingest walks root on fsys in one transaction. The experiment is named after
// the last element of root. On error nothing is committed; blobs already
// uploaded stay unless cleanup on rollback is enabled.
func (w *Walker) Ingest(ctx context.Context, fsys billy.Filesystem, root, uploader, description string) (report Report, err error) {
	start := w.now()
	ctx, span := w.tracer.Start(ctx, Operation)
	defer func() {
		report.Duration = w.now().Sub(start)
		w.metrics.Observe(ctx, Operation, err == nil, report.Duration)
		span.End(err)
	}()

	fi, err := fsys.Stat(root)
	if err != nil {
		return Report{}, fmt.Errorf("%w: experiment folder %s: %v", ErrValidation, root, err)
	}
	if !fi.IsDir() {
		return Report{}, fmt.Errorf("%w: experiment folder %s is not a directory", ErrValidation, root)
	}

	run := &walk{
		Walker:      w,
		fsys:        fsys,
		uploader:    NewUploader(w.blobs, w.logger),
		uploaderTag: uploader,
		mice:        make(map[string]struct{}),
	}
	run.report.Experiment = path.Base(filepath.ToSlash(filepath.Clean(root)))

	err = w.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return run.experiment(ctx, tx, root, description)
	})
	if err != nil {
		w.cleanup(ctx, run.uploaded)
		return run.report, fmt.Errorf("ingest %s: %w", run.report.Experiment, err)
	}
	w.logger.Info("ingest committed",
		"experiment", run.report.Experiment,
		"files_stored", run.report.FilesStored,
		"skipped_upload_failed", run.report.SkippedUploadFailed,
		"skipped_missing_animal_id", run.report.SkippedMissingID,
	)
	return run.report, nil
}

func (w *Walker) cleanup(ctx context.Context, keys []string) {
	if len(keys) == 0 {
		return
	}
	if !w.cleanupOnRollback {
		w.logger.Warn("rolled back walk left blobs behind", "count", len(keys))
		return
	}
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if _, err := w.blobs.Delete(ctx, key); err != nil {
			w.logger.Warn("orphaned blob not removed", "key", key, "error", err)
		}
	}
	w.logger.Info("removed blobs of rolled back walk", "count", len(keys))
}

// walk carries the state of one Ingest call.
type walk struct {
	*Walker
	fsys        billy.Filesystem
	uploader    *Uploader
	uploaderTag string
	report      Report
	mice        map[string]struct{}
	uploaded    []string
}

func (r *walk) experiment(ctx context.Context, tx domain.Transaction, root, description string) error {
	expID, err := tx.UpsertExperiment(ctx, r.report.Experiment, description)
	if err != nil {
		return err
	}
	rigs, err := r.subdirs(root)
	if err != nil {
		return err
	}
	for _, rig := range rigs {
		rigID, err := tx.UpsertRig(ctx, expID, rig)
		if err != nil {
			return err
		}
		r.report.Rigs++
		if err := r.rig(ctx, tx, rigID, r.fsys.Join(root, rig), rig); err != nil {
			return err
		}
	}
	return nil
}

func (r *walk) rig(ctx context.Context, tx domain.Transaction, rigID int64, dir, rigName string) error {
	groups, err := r.subdirs(dir)
	if err != nil {
		return err
	}
	for _, group := range groups {
		groupID, err := tx.UpsertGroup(ctx, rigID, group)
		if err != nil {
			return err
		}
		r.report.Groups++
		if err := r.group(ctx, tx, groupID, r.fsys.Join(dir, group), path.Join(rigName, group)); err != nil {
			return err
		}
	}
	return nil
}

func (r *walk) group(ctx context.Context, tx domain.Transaction, groupID int64, dir, keyPrefix string) error {
	folders, err := r.subdirs(dir)
	if err != nil {
		return err
	}
	for _, folder := range folders {
		folderID, err := tx.UpsertTrainingFolder(ctx, groupID, folder, extract.ClassifyFolder(folder))
		if err != nil {
			return err
		}
		r.report.TrainingFolders++
		if err := r.trainingFolder(ctx, tx, groupID, folderID, r.fsys.Join(dir, folder), path.Join(keyPrefix, folder)); err != nil {
			return err
		}
	}
	return nil
}

type session struct {
	name   string
	date   time.Time
	number int
}

// rankSessions drops undated names and orders the rest by (date, name).
// Day numbers count distinct dates from 1, so folders sharing a date share a day.
func rankSessions(names []string) (dated []session, undated []string) {
	for _, name := range names {
		d, ok := extract.SessionDate(name)
		if !ok {
			undated = append(undated, name)
			continue
		}
		dated = append(dated, session{name: name, date: d})
	}
	sort.SliceStable(dated, func(i, j int) bool {
		if !dated[i].date.Equal(dated[j].date) {
			return dated[i].date.Before(dated[j].date)
		}
		return dated[i].name < dated[j].name
	})
	for i := range dated {
		switch {
		case i == 0:
			dated[i].number = 1
		case dated[i].date.Equal(dated[i-1].date):
			dated[i].number = dated[i-1].number
		default:
			dated[i].number = dated[i-1].number + 1
		}
	}
	return dated, undated
}

func (r *walk) trainingFolder(ctx context.Context, tx domain.Transaction, groupID, folderID int64, dir, keyPrefix string) error {
	names, err := r.subdirs(dir)
	if err != nil {
		return err
	}
	sessions, undated := rankSessions(names)
	for _, name := range undated {
		r.report.SkippedUndated++
		r.metrics.CountOutcome(ctx, Operation, OutcomeUndatedSession)
		r.logger.Debug("session folder skipped: no date", "folder", path.Join(keyPrefix, name))
	}
	lastDay := 0
	for _, s := range sessions {
		dayID, err := tx.UpsertDay(ctx, domain.Day{
			FolderID:    folderID,
			Number:      s.number,
			SessionDate: s.date,
			Label:       s.name,
		})
		if err != nil {
			return err
		}
		if s.number != lastDay {
			r.report.Days++
			lastDay = s.number
		}
		if err := r.session(ctx, tx, groupID, dayID, r.fsys.Join(dir, s.name), path.Join(keyPrefix, s.name)); err != nil {
			return err
		}
	}
	return nil
}

func (r *walk) session(ctx context.Context, tx domain.Transaction, groupID, dayID int64, dir, keyPrefix string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := r.readDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := r.file(ctx, tx, groupID, dayID, r.fsys.Join(dir, entry.Name()), entry.Name(), keyPrefix); err != nil {
			return err
		}
	}
	return nil
}

func (r *walk) file(ctx context.Context, tx domain.Transaction, groupID, dayID int64, local, name, keyPrefix string) error {
	if _, ok := r.extensions[strings.ToLower(path.Ext(name))]; !ok {
		r.skip(ctx, &r.report.SkippedUnsupported, OutcomeUnsupported, local)
		return nil
	}
	mouseID, ok := extract.AnimalIDFromFile(r.fsys, local)
	if !ok {
		r.skip(ctx, &r.report.SkippedMissingID, OutcomeMissingAnimalID, local)
		return nil
	}
	if err := tx.UpsertMouse(ctx, mouseID, groupID); err != nil {
		return err
	}
	if _, seen := r.mice[mouseID]; !seen {
		r.mice[mouseID] = struct{}{}
		r.report.Mice++
	}

	key := path.Join(r.report.Experiment, keyPrefix, name)
	url, ok := r.uploader.Upload(ctx, r.fsys, local, key)
	if !ok {
		r.skip(ctx, &r.report.SkippedUploadFailed, OutcomeUploadFailed, local)
		return nil
	}
	r.uploaded = append(r.uploaded, key)

	inserted, err := tx.InsertFile(ctx, domain.File{
		DayID:        dayID,
		OriginalName: name,
		MouseID:      mouseID,
		Uploader:     r.uploaderTag,
		URL:          url,
	})
	if err != nil {
		return err
	}
	if inserted {
		r.report.FilesStored++
		r.metrics.CountOutcome(ctx, Operation, OutcomeStored)
	} else {
		r.report.FilesAlreadyRecorded++
		r.metrics.CountOutcome(ctx, Operation, OutcomeAlreadyRecorded)
	}
	return nil
}

func (r *walk) skip(ctx context.Context, counter *int, outcome, local string) {
	*counter++
	r.metrics.CountOutcome(ctx, Operation, outcome)
	r.logger.Debug("file skipped", "path", local, "reason", outcome)
}

// subdirs lists the directory names directly under dir in name order.
func (r *walk) subdirs(dir string) ([]string, error) {
	entries, err := r.readDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

func (r *walk) readDir(dir string) ([]os.FileInfo, error) {
	entries, err := r.fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}
