package extract

import (
	"strings"

	"labportal/pkg/domain"
)

// ClassifyFolder maps a training folder name onto its folder type. Protocol
// takes precedence over test; anything else is a training folder.
func ClassifyFolder(name string) domain.FolderType {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "protocol"):
		return domain.FolderProtocol
	case strings.Contains(lower, "test"):
		return domain.FolderTest
	default:
		return domain.FolderTrain
	}
}
