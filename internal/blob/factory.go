package blob

import (
	"context"
	"fmt"
	"os"
)

// Open selects a blob.Store implementation using environment variables.
//
//	LABPORTAL_BLOB_DRIVER: fs|s3|memory (default fs)
//	LABPORTAL_BLOB_FS_ROOT: directory root when driver=fs (default ./blobdata)
//	LABPORTAL_BLOB_FS_PUBLIC_URL: base URL the fs root is served under
//	(S3 specific variables documented in internal/infra/blob/s3)
func Open(ctx context.Context) (Store, error) {
	driver := os.Getenv("LABPORTAL_BLOB_DRIVER")
	if driver == "" {
		driver = string(DriverFilesystem)
	}
	switch Driver(driver) {
	case DriverFilesystem:
		return NewFilesystem(os.Getenv("LABPORTAL_BLOB_FS_ROOT"), os.Getenv("LABPORTAL_BLOB_FS_PUBLIC_URL"))
	case DriverS3:
		return OpenFromEnv(ctx)
	case DriverMemory:
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown blob driver %s", driver)
	}
}
