package ingest

import (
	"context"
	"errors"
	"io"
	"path"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"labportal/internal/blob"
	"labportal/internal/core"
	"labportal/internal/infra/persistence/memory"
	"labportal/internal/infra/persistence/sqlite"
	"labportal/pkg/domain"
)

func writeTree(t *testing.T, fs billy.Filesystem, files map[string]string) {
	t.Helper()
	for name, body := range files {
		require.NoError(t, util.WriteFile(fs, name, []byte(body), 0o644))
	}
}

func exp1Tree(t *testing.T) billy.Filesystem {
	t.Helper()
	fs := memfs.New()
	writeTree(t, fs, map[string]string{
		"/up/Exp1/RigA/GroupX/train1/03102023/m1.txt": "Session header\nAnimal ID,M1\n",
		"/up/Exp1/RigA/GroupX/train1/03152023/m1.txt": "Animal ID: M1\n",
	})
	return fs
}

// flakyBlobs fails every Put whose key contains failKey.
type flakyBlobs struct {
	blob.Store
	failKey string
}

func (f *flakyBlobs) Put(ctx context.Context, key string, r io.Reader, opts blob.PutOptions) (blob.Info, error) {
	if strings.Contains(key, f.failKey) {
		return blob.Info{}, errors.New("connection reset")
	}
	return f.Store.Put(ctx, key, r, opts)
}

// failingStore injects an error on the failAt-th InsertFile of a transaction.
type failingStore struct {
	domain.PersistentStore
	failAt int
}

func (s *failingStore) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	return s.PersistentStore.RunInTransaction(ctx, func(tx domain.Transaction) error {
		return fn(&failingTx{Transaction: tx, failAt: s.failAt})
	})
}

type failingTx struct {
	domain.Transaction
	failAt  int
	inserts int
}

func (t *failingTx) InsertFile(ctx context.Context, f domain.File) (bool, error) {
	t.inserts++
	if t.inserts == t.failAt {
		return false, errors.New("disk full")
	}
	return t.Transaction.InsertFile(ctx, f)
}

func TestIngestBuildsHierarchy(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	blobs := blob.NewMemory()
	metrics := core.NewExpvarMetricsRecorder("")
	tracer := core.NewJSONTracer(nil)
	w := NewWalker(store, blobs, WithMetrics(metrics), WithTracer(tracer))

	report, err := w.Ingest(ctx, exp1Tree(t), "/up/Exp1", "alice", "pilot")
	require.NoError(t, err)

	assert.Equal(t, "Exp1", report.Experiment)
	assert.Equal(t, 1, report.Rigs)
	assert.Equal(t, 1, report.Groups)
	assert.Equal(t, 1, report.TrainingFolders)
	assert.Equal(t, 2, report.Days)
	assert.Equal(t, 1, report.Mice)
	assert.Equal(t, 2, report.FilesStored)

	snap := store.ExportState()
	require.Len(t, snap.Experiments, 1)
	assert.Equal(t, "pilot", snap.Experiments[0].Description)
	require.Len(t, snap.TrainingFolders, 1)
	assert.Equal(t, domain.FolderTrain, snap.TrainingFolders[0].Type)
	require.Len(t, snap.Days, 2)
	assert.Equal(t, 1, snap.Days[0].Number)
	assert.Equal(t, time.Date(2023, 3, 10, 0, 0, 0, 0, time.UTC), snap.Days[0].SessionDate)
	assert.Equal(t, "03102023", snap.Days[0].Label)
	assert.Equal(t, 2, snap.Days[1].Number)
	assert.Equal(t, "03152023", snap.Days[1].Label)
	require.Len(t, snap.Mice, 1)
	assert.Equal(t, "M1", snap.Mice[0].ID)
	assert.Equal(t, snap.Groups[0].ID, snap.Mice[0].GroupID)
	require.Len(t, snap.Files, 2)
	assert.Equal(t, "alice", snap.Files[0].Uploader)
	assert.Equal(t, "memory://blob/Exp1/RigA/GroupX/train1/03102023/m1.txt", snap.Files[0].URL)

	info, err := blobs.Head(ctx, "Exp1/RigA/GroupX/train1/03152023/m1.txt")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(info.ContentType, "text/plain"), info.ContentType)

	assert.Equal(t, int64(2), metrics.Snapshot().Outcomes[Operation][OutcomeStored])
	assert.Equal(t, int64(1), metrics.Snapshot().Results[Operation]["success"])
	entries := tracer.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, Operation, entries[0].Operation)
	assert.Equal(t, "success", entries[0].Status)
}

func TestIngestTwiceAddsNothing(t *testing.T) {
	ctx := context.Background()
	fs := exp1Tree(t)
	store := memory.NewStore()
	w := NewWalker(store, blob.NewMemory())

	_, err := w.Ingest(ctx, fs, "/up/Exp1", "alice", "first")
	require.NoError(t, err)
	before := store.ExportState()

	report, err := w.Ingest(ctx, fs, "/up/Exp1", "bob", "second")
	require.NoError(t, err)
	assert.Equal(t, 0, report.FilesStored)
	assert.Equal(t, 2, report.SkippedUploadFailed)

	after := store.ExportState()
	assert.Len(t, after.Files, len(before.Files))
	assert.Len(t, after.Days, len(before.Days))
	assert.Len(t, after.Mice, len(before.Mice))
	assert.Equal(t, "second", after.Experiments[0].Description)
	assert.Equal(t, before.Files, after.Files)
}

func TestIngestSQLiteIdempotent(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.NewStore(ctx, filepath.Join(t.TempDir(), "portal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	fs := exp1Tree(t)
	w := NewWalker(store, blob.NewMemory())

	for i := 0; i < 2; i++ {
		_, err := w.Ingest(ctx, fs, "/up/Exp1", "alice", "pilot")
		require.NoError(t, err)
	}

	counts := map[domain.Table]int{
		domain.TableExperiments:     1,
		domain.TableRigs:            1,
		domain.TableGroups:          1,
		domain.TableTrainingFolders: 1,
		domain.TableDays:            2,
		domain.TableMice:            1,
		domain.TableFiles:           2,
	}
	for table, want := range counts {
		view, err := store.Browse(ctx, table, 0)
		require.NoError(t, err)
		assert.Len(t, view.Rows, want, "table %s", table)
	}
	days, err := store.Browse(ctx, domain.TableDays, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), days.Rows[0][2])
	assert.Equal(t, "2023-03-15", days.Rows[0][3])
}

func TestIngestSkipsUndatedSessions(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()
	writeTree(t, fs, map[string]string{
		"/Exp1/RigA/GroupX/train1/03152023/a.txt": "Animal ID M1",
		"/Exp1/RigA/GroupX/train1/notes/a.txt":    "Animal ID M1",
		"/Exp1/RigA/GroupX/train1/03102023/a.txt": "Animal ID M1",
	})
	store := memory.NewStore()

	report, err := NewWalker(store, blob.NewMemory()).Ingest(ctx, fs, "/Exp1", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.SkippedUndated)
	assert.Equal(t, 2, report.Days)

	snap := store.ExportState()
	require.Len(t, snap.Days, 2)
	numbers := map[string]int{}
	for _, d := range snap.Days {
		numbers[d.Label] = d.Number
	}
	assert.Equal(t, map[string]int{"03102023": 1, "03152023": 2}, numbers)
}

func TestIngestSkipsFiles(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()
	writeTree(t, fs, map[string]string{
		"/Exp1/RigA/GroupX/Protocol_A/03102023/data.csv":     "Animal ID,M1",
		"/Exp1/RigA/GroupX/Protocol_A/03102023/noid.txt":     "no identifier here",
		"/Exp1/RigA/GroupX/Protocol_A/03102023/ok.PRO":       "Animal ID,M2",
		"/Exp1/RigA/GroupX/Protocol_A/03102023/nested/x.txt": "Animal ID,M3",
		"/Exp1/RigA/stray.txt":                               "Animal ID,M4",
	})
	store := memory.NewStore()
	metrics := core.NewExpvarMetricsRecorder("")

	report, err := NewWalker(store, blob.NewMemory(), WithMetrics(metrics)).Ingest(ctx, fs, "/Exp1", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.SkippedUnsupported)
	assert.Equal(t, 1, report.SkippedMissingID)
	assert.Equal(t, 1, report.FilesStored)

	snap := store.ExportState()
	require.Len(t, snap.Files, 1)
	assert.Equal(t, "ok.PRO", snap.Files[0].OriginalName)
	require.Len(t, snap.Mice, 1)
	assert.Equal(t, "M2", snap.Mice[0].ID)
	assert.Equal(t, domain.FolderProtocol, snap.TrainingFolders[0].Type)

	outcomes := metrics.Snapshot().Outcomes[Operation]
	assert.Equal(t, int64(1), outcomes[OutcomeUnsupported])
	assert.Equal(t, int64(1), outcomes[OutcomeMissingAnimalID])
}

func TestIngestCustomExtensions(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()
	writeTree(t, fs, map[string]string{
		"/Exp1/RigA/GroupX/test1/03102023/a.csv": "Animal ID,M1",
		"/Exp1/RigA/GroupX/test1/03102023/b.txt": "Animal ID,M1",
	})
	store := memory.NewStore()
	report, err := NewWalker(store, blob.NewMemory(), WithExtensions(".CSV")).Ingest(ctx, fs, "/Exp1", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 1, report.FilesStored)
	assert.Equal(t, 1, report.SkippedUnsupported)
	assert.Equal(t, domain.FolderTest, store.ExportState().TrainingFolders[0].Type)
}

func TestIngestContinuesPastFailedUpload(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()
	writeTree(t, fs, map[string]string{
		"/Exp1/RigA/GroupX/train1/03102023/m1.txt": "Animal ID,M1",
		"/Exp1/RigA/GroupX/train1/03102023/m2.txt": "Animal ID,M2",
		"/Exp1/RigA/GroupX/train1/03102023/m3.txt": "Animal ID,M3",
	})
	store := memory.NewStore()
	blobs := &flakyBlobs{Store: blob.NewMemory(), failKey: "m2.txt"}

	report, err := NewWalker(store, blobs).Ingest(ctx, fs, "/Exp1", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 2, report.FilesStored)
	assert.Equal(t, 1, report.SkippedUploadFailed)

	snap := store.ExportState()
	require.Len(t, snap.Files, 2)
	assert.Equal(t, "m1.txt", snap.Files[0].OriginalName)
	assert.Equal(t, "m3.txt", snap.Files[1].OriginalName)
	assert.Len(t, snap.Mice, 3, "mouse rows are written before the upload")
}

func TestIngestUnreachableDatabase(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.NewStore(ctx, filepath.Join(t.TempDir(), "portal.db"))
	require.NoError(t, err)
	require.NoError(t, store.Close())
	blobs := blob.NewMemory()
	metrics := core.NewExpvarMetricsRecorder("")

	_, err = NewWalker(store, blobs, WithMetrics(metrics)).Ingest(ctx, exp1Tree(t), "/up/Exp1", "alice", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest Exp1")
	assert.Equal(t, 0, blobs.(interface{ Len() int }).Len())
	assert.Equal(t, int64(1), metrics.Snapshot().Results[Operation]["error"])
}

func TestIngestRollsBackMidWalk(t *testing.T) {
	for _, cleanup := range []bool{false, true} {
		name := "keep blobs"
		if cleanup {
			name = "cleanup"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			inner := memory.NewStore()
			store := &failingStore{PersistentStore: inner, failAt: 2}
			blobs := blob.NewMemory()

			logger := &recordingLogger{}
			_, err := NewWalker(store, blobs, WithCleanupOnRollback(cleanup), WithLogger(logger)).Ingest(ctx, exp1Tree(t), "/up/Exp1", "alice", "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), "disk full")

			snap := inner.ExportState()
			assert.Empty(t, snap.Experiments)
			assert.Empty(t, snap.Files)
			assert.Empty(t, snap.Mice)

			left := blobs.(interface{ Len() int }).Len()
			if cleanup {
				assert.Equal(t, 0, left)
				assert.True(t, logger.has("info removed blobs of rolled back walk"))
			} else {
				assert.Equal(t, 2, left)
				assert.True(t, logger.has("warn rolled back walk left blobs behind"))
			}
		})
	}
}

func TestIngestRejectsBadRoot(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()
	writeTree(t, fs, map[string]string{"/file.txt": "x"})
	w := NewWalker(memory.NewStore(), blob.NewMemory())

	_, err := w.Ingest(ctx, fs, "/missing", "alice", "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = w.Ingest(ctx, fs, "/file.txt", "alice", "")
	assert.ErrorIs(t, err, ErrValidation)
}

func TestIngestCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := memory.NewStore()
	_, err := NewWalker(store, blob.NewMemory()).Ingest(ctx, exp1Tree(t), "/up/Exp1", "alice", "")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, store.ExportState().Experiments)
}

func TestRankSessions(t *testing.T) {
	dated, undated := rankSessions([]string{"03152023", "readme", "03102023_b", "03102023_a", "2023"})
	assert.Equal(t, []string{"readme", "2023"}, undated)
	var names []string
	for _, s := range dated {
		names = append(names, s.name)
	}
	assert.Equal(t, []string{"03102023_a", "03102023_b", "03152023"}, names)
	var numbers []int
	for _, s := range dated {
		numbers = append(numbers, s.number)
	}
	assert.Equal(t, []int{1, 1, 2}, numbers)
}

func TestIngestSharedSessionDate(t *testing.T) {
	ctx := context.Background()
	fs := memfs.New()
	writeTree(t, fs, map[string]string{
		"/up/Exp1/RigA/GroupX/train1/03102023_am/m1.txt": "Animal ID,M1\n",
		"/up/Exp1/RigA/GroupX/train1/03102023_pm/m2.txt": "Animal ID,M2\n",
		"/up/Exp1/RigA/GroupX/train1/03152023/m1.txt":    "Animal ID,M1\n",
	})
	store := memory.NewStore()

	report, err := NewWalker(store, blob.NewMemory()).Ingest(ctx, fs, "/up/Exp1", "alice", "")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Days)
	assert.Equal(t, 3, report.FilesStored)

	snap := store.ExportState()
	require.Len(t, snap.Days, 2)
	assert.Equal(t, 1, snap.Days[0].Number)
	assert.Equal(t, time.Date(2023, 3, 10, 0, 0, 0, 0, time.UTC), snap.Days[0].SessionDate)
	assert.Equal(t, 2, snap.Days[1].Number)
	assert.Equal(t, time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC), snap.Days[1].SessionDate)

	dayOf := map[string]int64{}
	for _, f := range snap.Files {
		dayOf[f.MouseID+"/"+path.Base(path.Dir(f.URL))] = f.DayID
	}
	assert.Equal(t, snap.Days[0].ID, dayOf["M1/03102023_am"])
	assert.Equal(t, snap.Days[0].ID, dayOf["M2/03102023_pm"])
	assert.Equal(t, snap.Days[1].ID, dayOf["M1/03152023"])
}
