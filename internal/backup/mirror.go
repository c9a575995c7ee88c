package backup

import "context"

// Mirror is an off-box copy of the archive directory. Names are archive file
// names (snapshot-<timestamp>.csv), never paths.
type Mirror interface {
	Upload(ctx context.Context, name string, data []byte) error
	List(ctx context.Context) ([]string, error)
	Download(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
}
