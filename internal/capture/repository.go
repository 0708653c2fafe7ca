package capture

import (
	"log/slog"

	"edittrail/internal/activity"
	"edittrail/internal/blob"
	"edittrail/internal/pathindex"
	"edittrail/internal/workspace"
)

// Repositories are the three stores of one workspace.
type Repositories struct {
	Blobs blob.Store
	Index pathindex.Index
	Log   activity.Log
}

// RepositoryFactory opens the stores of a resolved workspace.
type RepositoryFactory interface {
	Open(ws *workspace.Workspace) (Repositories, error)
}

// RepositoryFactoryFunc adapts a function to RepositoryFactory.
type RepositoryFactoryFunc func(ws *workspace.Workspace) (Repositories, error)

// Open calls f(ws).
func (f RepositoryFactoryFunc) Open(ws *workspace.Workspace) (Repositories, error) {
	return f(ws)
}

// FileRepositories opens the on-disk stores under the metadata directory.
type FileRepositories struct {
	// CompressionLevel is the gzip level for new blobs. Nil keeps the store
	// default; zero means no compression.
	CompressionLevel *int
	Logger           *slog.Logger
}

// Open implements RepositoryFactory. A corrupt path index is rebuilt from the
// activity log of the same workspace.
func (f FileRepositories) Open(ws *workspace.Workspace) (Repositories, error) {
	var blobOpts []blob.Option
	if f.CompressionLevel != nil {
		blobOpts = append(blobOpts, blob.WithCompressionLevel(*f.CompressionLevel))
	}

	log := activity.NewFileLog(ws.LogPath())
	indexOpts := []pathindex.Option{pathindex.WithRebuild(rebuildFromLog(log))}
	if f.Logger != nil {
		indexOpts = append(indexOpts, pathindex.WithLogger(f.Logger))
	}

	return Repositories{
		Blobs: blob.NewFileStore(ws.SnapshotsDir(), blobOpts...),
		Index: pathindex.NewFileIndex(ws.IndexPath(), indexOpts...),
		Log:   log,
	}, nil
}

// rebuildFromLog replays the path and digest of every record in append order.
func rebuildFromLog(log activity.Log) pathindex.RebuildFunc {
	return func() (map[string][]string, error) {
		events, err := log.Events()
		if err != nil {
			return nil, err
		}
		entries := make(map[string][]string)
		for _, ev := range events {
			pathindex.Replay(entries, ev.Path, ev.SHA256)
		}
		return entries, nil
	}
}
