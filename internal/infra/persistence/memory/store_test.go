package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"labportal/pkg/domain"
)

func seed(ctx context.Context, tx domain.Transaction, description string, dayNumber int) (int64, int64, error) {
	exp, err := tx.UpsertExperiment(ctx, "Exp1", description)
	if err != nil {
		return 0, 0, err
	}
	rig, err := tx.UpsertRig(ctx, exp, "RigA")
	if err != nil {
		return 0, 0, err
	}
	group, err := tx.UpsertGroup(ctx, rig, "GroupX")
	if err != nil {
		return 0, 0, err
	}
	folder, err := tx.UpsertTrainingFolder(ctx, group, "train1", domain.FolderTrain)
	if err != nil {
		return 0, 0, err
	}
	day, err := tx.UpsertDay(ctx, domain.Day{FolderID: folder, Number: dayNumber, SessionDate: time.Date(2023, 3, 10, 0, 0, 0, 0, time.UTC), Label: "03102023"})
	return group, day, err
}

func TestStore_UpsertsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store.SetNowFunc(func() time.Time { return fixed })

	var day1, day2 int64
	if err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		_, day1, err = seed(ctx, tx, "first", 1)
		return err
	}); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		_, day2, err = seed(ctx, tx, "second", 4)
		return err
	}); err != nil {
		t.Fatalf("second: %v", err)
	}
	if day1 != day2 {
		t.Fatalf("expected same day id, got %d and %d", day1, day2)
	}
	snap := store.ExportState()
	if len(snap.Experiments) != 1 || len(snap.Rigs) != 1 || len(snap.Groups) != 1 || len(snap.TrainingFolders) != 1 || len(snap.Days) != 1 {
		t.Fatalf("expected single row per level, got %+v", snap)
	}
	if snap.Experiments[0].Description != "second" {
		t.Fatalf("expected description overwrite, got %q", snap.Experiments[0].Description)
	}
	if snap.Days[0].Number != 1 {
		t.Fatalf("expected day number preserved, got %d", snap.Days[0].Number)
	}
	if !snap.Experiments[0].CreatedAt.Equal(fixed) {
		t.Fatalf("expected injected clock, got %s", snap.Experiments[0].CreatedAt)
	}
}

func TestStore_RollbackDiscardsState(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	boom := errors.New("boom")
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, _, err := seed(ctx, tx, "", 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if snap := store.ExportState(); len(snap.Experiments) != 0 || len(snap.Days) != 0 {
		t.Fatalf("expected empty state after rollback, got %+v", snap)
	}
}

func TestStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := NewStore().RunInTransaction(ctx, func(domain.Transaction) error {
		called = true
		return nil
	})
	if !errors.Is(err, context.Canceled) || called {
		t.Fatalf("expected canceled before fn, got %v called=%v", err, called)
	}
}

func TestStore_MouseAndFileConflicts(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		group, day, err := seed(ctx, tx, "", 1)
		if err != nil {
			return err
		}
		if err := tx.UpsertMouse(ctx, "M1", group); err != nil {
			return err
		}
		if err := tx.UpsertMouse(ctx, "M1", 424242); err != nil {
			return err
		}
		ok, err := tx.InsertFile(ctx, domain.File{DayID: day, OriginalName: "a.txt", MouseID: "M1", URL: "u1"})
		if err != nil || !ok {
			t.Fatalf("insert: %v %v", ok, err)
		}
		ok, err = tx.InsertFile(ctx, domain.File{DayID: day, OriginalName: "a.txt", MouseID: "M1", URL: "u2"})
		if err != nil || ok {
			t.Fatalf("duplicate insert: %v %v", ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	snap := store.ExportState()
	if len(snap.Mice) != 1 || snap.Mice[0].GroupID == 424242 {
		t.Fatalf("expected first group to win, got %+v", snap.Mice)
	}
	if len(snap.Files) != 1 || snap.Files[0].URL != "u1" {
		t.Fatalf("expected original file kept, got %+v", snap.Files)
	}
}

func TestStore_ReferentialChecks(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	cases := map[string]func(domain.Transaction) error{
		"rig":   func(tx domain.Transaction) error { _, err := tx.UpsertRig(ctx, 1, "r"); return err },
		"group": func(tx domain.Transaction) error { _, err := tx.UpsertGroup(ctx, 1, "g"); return err },
		"folder": func(tx domain.Transaction) error {
			_, err := tx.UpsertTrainingFolder(ctx, 1, "f", domain.FolderTest)
			return err
		},
		"folder type": func(tx domain.Transaction) error {
			_, err := tx.UpsertTrainingFolder(ctx, 1, "f", "weird")
			return err
		},
		"day": func(tx domain.Transaction) error {
			_, err := tx.UpsertDay(ctx, domain.Day{FolderID: 1, Number: 1})
			return err
		},
		"mouse": func(tx domain.Transaction) error { return tx.UpsertMouse(ctx, "M", 1) },
		"file": func(tx domain.Transaction) error {
			_, err := tx.InsertFile(ctx, domain.File{DayID: 1, OriginalName: "a", MouseID: "M"})
			return err
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			if err := store.RunInTransaction(ctx, fn); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestStore_Browse(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	if err := store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		for _, name := range []string{"A", "B", "C"} {
			if _, err := tx.UpsertExperiment(ctx, name, ""); err != nil {
				return err
			}
		}
		_, _, err := seed(ctx, tx, "", 1)
		return err
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	view, err := store.Browse(ctx, domain.TableExperiments, 2)
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	if len(view.Rows) != 2 || view.Rows[0][1] != "Exp1" || view.Rows[1][1] != "C" {
		t.Fatalf("unexpected rows %v", view.Rows)
	}
	for _, table := range domain.Tables {
		v, err := store.Browse(ctx, table, 0)
		if err != nil {
			t.Fatalf("browse %s: %v", table, err)
		}
		for _, row := range v.Rows {
			if len(row) != len(v.Columns) {
				t.Fatalf("%s row width %d != %d", table, len(row), len(v.Columns))
			}
		}
	}
	days, _ := store.Browse(ctx, domain.TableDays, 0)
	if days.Rows[0][3] != "2023-03-10" {
		t.Fatalf("expected date text, got %v", days.Rows[0][3])
	}
	if _, err := store.Browse(ctx, "nope", 1); !errors.Is(err, domain.ErrUnknownTable) {
		t.Fatalf("expected ErrUnknownTable, got %v", err)
	}
}
