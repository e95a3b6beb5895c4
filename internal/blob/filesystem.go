package blob

import (
	"labportal/internal/infra/blob/fs"
)

// NewFilesystem constructs a filesystem-backed blob.Store rooted at root.
// Public URLs are built from publicURL (empty selects a local placeholder host).
func NewFilesystem(root, publicURL string) (Store, error) {
	return fs.New(root, publicURL)
}
