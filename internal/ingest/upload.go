package ingest

import (
	"context"
	"mime"
	"path"

	"github.com/go-git/go-billy/v5"

	"labportal/internal/blob"
	"labportal/internal/core"
)

// Uploader copies session files into the blob store. It never returns an
// error: any failure, including an occupied key, yields ("", false).
type Uploader struct {
	store  blob.Store
	logger core.Logger
}

// NewUploader returns an Uploader writing to store. A nil logger discards output.
func NewUploader(store blob.Store, logger core.Logger) *Uploader {
	if logger == nil {
		logger = core.NoopLogger()
	}
	return &Uploader{store: store, logger: logger}
}

// Upload stores the file at localPath on fs under key and returns its public address.
func (u *Uploader) Upload(ctx context.Context, fs billy.Filesystem, localPath, key string) (string, bool) {
	f, err := fs.Open(localPath)
	if err != nil {
		u.logger.Debug("upload skipped", "key", key, "error", err)
		return "", false
	}
	defer func() { _ = f.Close() }()

	opts := blob.PutOptions{ContentType: contentType(key)}
	info, err := u.store.Put(ctx, key, f, opts)
	if err != nil {
		u.logger.Debug("upload skipped", "key", key, "error", err)
		return "", false
	}
	if info.URL == "" {
		u.logger.Debug("upload skipped", "key", key, "error", "store returned no address")
		return "", false
	}
	return info.URL, true
}

func contentType(key string) string {
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
