package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"labportal/internal/core"
)

// DefaultMaxArchiveBytes bounds an uploaded archive.
const DefaultMaxArchiveBytes int64 = 512 << 20

// Request is one portal upload.
type Request struct {
	Uploader    string
	Description string
	// ArchiveName is the client file name; only its extension is checked.
	ArchiveName string
	Archive     io.Reader
}

// Validate trims the text fields in place and checks every field is present.
func (r *Request) Validate() error {
	r.Uploader = strings.TrimSpace(r.Uploader)
	r.Description = strings.TrimSpace(r.Description)
	r.ArchiveName = strings.TrimSpace(r.ArchiveName)
	var missing []string
	if r.Uploader == "" {
		missing = append(missing, "uploader")
	}
	if r.Description == "" {
		missing = append(missing, "description")
	}
	if r.Archive == nil {
		missing = append(missing, "archive")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if r.ArchiveName != "" && !strings.EqualFold(path.Ext(r.ArchiveName), ".zip") {
		return fmt.Errorf("%w: archive %q is not a .zip file", ErrValidation, r.ArchiveName)
	}
	return nil
}

// Service runs uploads end to end: validate, unpack into scratch space, clean,
// locate the experiment folder and walk it.
type Service struct {
	walker   *Walker
	scratch  billy.Filesystem
	logger   core.Logger
	maxBytes int64
	// maxExtracted bounds the uncompressed size of the archive.
	maxExtracted int64
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the service logger.
func WithServiceLogger(l core.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxArchiveBytes caps the archive size; non-positive values keep the default.
func WithMaxArchiveBytes(n int64) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithMaxExtractedBytes caps the total uncompressed size of an archive;
// non-positive values keep DefaultMaxExtractedBytes.
func WithMaxExtractedBytes(n int64) ServiceOption {
	return func(s *Service) {
		if n > 0 {
			s.maxExtracted = n
		}
	}
}

// NewService builds a Service unpacking archives on scratch.
func NewService(walker *Walker, scratch billy.Filesystem, opts ...ServiceOption) *Service {
	s := &Service{
		walker:       walker,
		scratch:      scratch,
		logger:       core.NoopLogger(),
		maxBytes:     DefaultMaxArchiveBytes,
		maxExtracted: DefaultMaxExtractedBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upload ingests the archive of req. Validation failures wrap ErrValidation
// and happen before any database work. The scratch directory is always removed.
func (s *Service) Upload(ctx context.Context, req Request) (Report, error) {
	if err := req.Validate(); err != nil {
		return Report{}, err
	}
	tmp, err := util.TempDir(s.scratch, "", "labportal-upload-")
	if err != nil {
		return Report{}, fmt.Errorf("create scratch dir: %w", err)
	}
	defer func() {
		if err := util.RemoveAll(s.scratch, tmp); err != nil {
			s.logger.Warn("scratch dir not removed", "dir", tmp, "error", err)
		}
	}()

	zipPath := s.scratch.Join(tmp, "upload.zip")
	if err := s.save(zipPath, req.Archive); err != nil {
		return Report{}, err
	}
	extracted := s.scratch.Join(tmp, "extracted")
	if err := ExtractArchiveLimit(s.scratch, zipPath, extracted, s.maxExtracted); err != nil {
		return Report{}, err
	}
	if err := CleanSystemFiles(s.scratch, extracted); err != nil {
		return Report{}, err
	}
	root, err := ExperimentRoot(s.scratch, extracted)
	if err != nil {
		return Report{}, err
	}

	report, err := s.walker.Ingest(ctx, s.scratch, root, req.Uploader, req.Description)
	if err != nil {
		if !errors.Is(err, ErrValidation) {
			s.logger.Error("upload failed", "uploader", req.Uploader, "experiment", report.Experiment, "error", err)
		}
		return report, err
	}
	s.logger.Info("upload ingested", "uploader", req.Uploader, "experiment", report.Experiment, "files_stored", report.FilesStored)
	return report, nil
}

func (s *Service) save(dst string, r io.Reader) error {
	f, err := s.scratch.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("store archive: %w", err)
	}
	if n > s.maxBytes {
		return fmt.Errorf("%w: archive exceeds %d bytes", ErrValidation, s.maxBytes)
	}
	return nil
}
