// Package memory provides an in-memory implementation of the portal
// persistence store used for tests and ephemeral environments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"labportal/pkg/domain"
)

// Compile-time contract assertion ensuring memory.Store adheres to the domain persistence interface.
var _ domain.PersistentStore = (*Store)(nil)

// childKey is the natural key of a named row under its parent.
type childKey struct {
	parent int64
	name   string
}

type (
	rigKey    = childKey
	groupKey  = childKey
	folderKey = childKey
	dayKey    = childKey
	fileKey   = childKey
)

type memoryState struct {
	experiments map[int64]domain.Experiment
	rigs        map[int64]domain.Rig
	groups      map[int64]domain.Group
	folders     map[int64]domain.TrainingFolder
	days        map[int64]domain.Day
	mice        map[string]domain.Mouse
	files       map[int64]domain.File

	experimentByName map[string]int64
	rigByKey         map[rigKey]int64
	groupByKey       map[groupKey]int64
	folderByKey      map[folderKey]int64
	dayByKey         map[dayKey]int64
	fileByKey        map[fileKey]int64

	nextID int64
}

// Snapshot captures a point-in-time copy of every table.
type Snapshot struct {
	Experiments     []domain.Experiment     `json:"experiments"`
	Rigs            []domain.Rig            `json:"rigs"`
	Groups          []domain.Group          `json:"exp_groups"`
	TrainingFolders []domain.TrainingFolder `json:"training_folders"`
	Days            []domain.Day            `json:"days"`
	Mice            []domain.Mouse          `json:"mice"`
	Files           []domain.File           `json:"files"`
}

func newMemoryState() memoryState {
	return memoryState{
		experiments:      make(map[int64]domain.Experiment),
		rigs:             make(map[int64]domain.Rig),
		groups:           make(map[int64]domain.Group),
		folders:          make(map[int64]domain.TrainingFolder),
		days:             make(map[int64]domain.Day),
		mice:             make(map[string]domain.Mouse),
		files:            make(map[int64]domain.File),
		experimentByName: make(map[string]int64),
		rigByKey:         make(map[rigKey]int64),
		groupByKey:       make(map[groupKey]int64),
		folderByKey:      make(map[folderKey]int64),
		dayByKey:         make(map[dayKey]int64),
		fileByKey:        make(map[fileKey]int64),
	}
}

func (s memoryState) clone() memoryState {
	c := newMemoryState()
	for k, v := range s.experiments {
		c.experiments[k] = v
	}
	for k, v := range s.rigs {
		c.rigs[k] = v
	}
	for k, v := range s.groups {
		c.groups[k] = v
	}
	for k, v := range s.folders {
		c.folders[k] = v
	}
	for k, v := range s.days {
		c.days[k] = v
	}
	for k, v := range s.mice {
		c.mice[k] = v
	}
	for k, v := range s.files {
		c.files[k] = v
	}
	for k, v := range s.experimentByName {
		c.experimentByName[k] = v
	}
	for k, v := range s.rigByKey {
		c.rigByKey[k] = v
	}
	for k, v := range s.groupByKey {
		c.groupByKey[k] = v
	}
	for k, v := range s.folderByKey {
		c.folderByKey[k] = v
	}
	for k, v := range s.dayByKey {
		c.dayByKey[k] = v
	}
	for k, v := range s.fileByKey {
		c.fileByKey[k] = v
	}
	c.nextID = s.nextID
	return c
}

// Store is an in-memory persistent store. Transactions operate on a clone of
// the state that replaces it only when the transaction function succeeds.
type Store struct {
	mu    sync.RWMutex
	state memoryState
	nowFn func() time.Time
}

// NewStore constructs an empty in-memory store.
func NewStore() *Store {
	return &Store{
		state: newMemoryState(),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// SetNowFunc overrides the clock used for CreatedAt stamps.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.nowFn = fn
	}
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// RunInTransaction executes fn against a transactional copy of the state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(domain.Transaction) error) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{state: s.state.clone(), now: s.nowFn()}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	s.state = tx.state
	return nil
}

// ExportState returns a copy of every table ordered by identifier.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	snap := Snapshot{
		Experiments:     sortedByID(st.experiments, func(v domain.Experiment) int64 { return v.ID }),
		Rigs:            sortedByID(st.rigs, func(v domain.Rig) int64 { return v.ID }),
		Groups:          sortedByID(st.groups, func(v domain.Group) int64 { return v.ID }),
		TrainingFolders: sortedByID(st.folders, func(v domain.TrainingFolder) int64 { return v.ID }),
		Days:            sortedByID(st.days, func(v domain.Day) int64 { return v.ID }),
		Files:           sortedByID(st.files, func(v domain.File) int64 { return v.ID }),
	}
	for _, m := range st.mice {
		snap.Mice = append(snap.Mice, m)
	}
	sort.Slice(snap.Mice, func(i, j int) bool { return snap.Mice[i].ID < snap.Mice[j].ID })
	return snap
}

func sortedByID[K comparable, V any](m map[K]V, id func(V) int64) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return id(out[i]) < id(out[j]) })
	return out
}

// Browse renders a table with the same columns the relational schema exposes.
func (s *Store) Browse(_ context.Context, table domain.Table, limit int) (domain.TableView, error) {
	t, ok := domain.ParseTable(string(table))
	if !ok {
		return domain.TableView{}, fmt.Errorf("%w: %q", domain.ErrUnknownTable, table)
	}
	if limit <= 0 {
		limit = domain.DefaultBrowseLimit
	}
	snap := s.ExportState()
	view := domain.TableView{Table: t, Rows: [][]any{}}
	stamp := func(ts time.Time) any { return ts.UTC().Format(time.RFC3339) }
	switch t {
	case domain.TableExperiments:
		view.Columns = []string{"experiment_id", "experiment_name", "description", "created_at"}
		for _, v := range snap.Experiments {
			view.Rows = append(view.Rows, []any{v.ID, v.Name, v.Description, stamp(v.CreatedAt)})
		}
	case domain.TableRigs:
		view.Columns = []string{"rig_id", "experiment_id", "rig_name", "created_at"}
		for _, v := range snap.Rigs {
			view.Rows = append(view.Rows, []any{v.ID, v.ExperimentID, v.Name, stamp(v.CreatedAt)})
		}
	case domain.TableGroups:
		view.Columns = []string{"group_id", "rig_id", "group_name", "created_at"}
		for _, v := range snap.Groups {
			view.Rows = append(view.Rows, []any{v.ID, v.RigID, v.Name, stamp(v.CreatedAt)})
		}
	case domain.TableMice:
		view.Columns = []string{"mouse_id", "group_id", "created_at"}
		for _, v := range snap.Mice {
			view.Rows = append(view.Rows, []any{v.ID, v.GroupID, stamp(v.CreatedAt)})
		}
	case domain.TableTrainingFolders:
		view.Columns = []string{"folder_id", "group_id", "folder_name", "folder_type", "created_at"}
		for _, v := range snap.TrainingFolders {
			view.Rows = append(view.Rows, []any{v.ID, v.GroupID, v.Name, string(v.Type), stamp(v.CreatedAt)})
		}
	case domain.TableDays:
		view.Columns = []string{"day_id", "folder_id", "day_number", "session_date", "day_label", "created_at"}
		for _, v := range snap.Days {
			view.Rows = append(view.Rows, []any{v.ID, v.FolderID, int64(v.Number), v.SessionDate.Format(domain.SessionDateLayout), v.Label, stamp(v.CreatedAt)})
		}
	case domain.TableFiles:
		view.Columns = []string{"file_id", "day_id", "original_name", "mouse_id", "uploader", "file_url", "created_at"}
		for _, v := range snap.Files {
			view.Rows = append(view.Rows, []any{v.ID, v.DayID, v.OriginalName, v.MouseID, v.Uploader, v.URL, stamp(v.CreatedAt)})
		}
	}
	// Snapshots are ascending by the leading column; browse wants newest first.
	for i, j := 0, len(view.Rows)-1; i < j; i, j = i+1, j-1 {
		view.Rows[i], view.Rows[j] = view.Rows[j], view.Rows[i]
	}
	if len(view.Rows) > limit {
		view.Rows = view.Rows[:limit]
	}
	return view, nil
}

type transaction struct {
	state memoryState
	now   time.Time
}

func (tx *transaction) newID() int64 {
	tx.state.nextID++
	return tx.state.nextID
}

func (tx *transaction) UpsertExperiment(_ context.Context, name, description string) (int64, error) {
	if id, ok := tx.state.experimentByName[name]; ok {
		exp := tx.state.experiments[id]
		exp.Description = description
		tx.state.experiments[id] = exp
		return id, nil
	}
	id := tx.newID()
	tx.state.experiments[id] = domain.Experiment{ID: id, Name: name, Description: description, CreatedAt: tx.now}
	tx.state.experimentByName[name] = id
	return id, nil
}

func (tx *transaction) UpsertRig(_ context.Context, experimentID int64, name string) (int64, error) {
	if _, ok := tx.state.experiments[experimentID]; !ok {
		return 0, fmt.Errorf("upsert rig %s: experiment %d not found", name, experimentID)
	}
	key := rigKey{parent: experimentID, name: name}
	if id, ok := tx.state.rigByKey[key]; ok {
		return id, nil
	}
	id := tx.newID()
	tx.state.rigs[id] = domain.Rig{ID: id, ExperimentID: experimentID, Name: name, CreatedAt: tx.now}
	tx.state.rigByKey[key] = id
	return id, nil
}

func (tx *transaction) UpsertGroup(_ context.Context, rigID int64, name string) (int64, error) {
	if _, ok := tx.state.rigs[rigID]; !ok {
		return 0, fmt.Errorf("upsert group %s: rig %d not found", name, rigID)
	}
	key := groupKey{parent: rigID, name: name}
	if id, ok := tx.state.groupByKey[key]; ok {
		return id, nil
	}
	id := tx.newID()
	tx.state.groups[id] = domain.Group{ID: id, RigID: rigID, Name: name, CreatedAt: tx.now}
	tx.state.groupByKey[key] = id
	return id, nil
}

func (tx *transaction) UpsertTrainingFolder(_ context.Context, groupID int64, name string, folderType domain.FolderType) (int64, error) {
	if !folderType.Valid() {
		return 0, fmt.Errorf("upsert training folder %s: invalid folder type %q", name, folderType)
	}
	if _, ok := tx.state.groups[groupID]; !ok {
		return 0, fmt.Errorf("upsert training folder %s: group %d not found", name, groupID)
	}
	key := folderKey{parent: groupID, name: name}
	if id, ok := tx.state.folderByKey[key]; ok {
		return id, nil
	}
	id := tx.newID()
	tx.state.folders[id] = domain.TrainingFolder{ID: id, GroupID: groupID, Name: name, Type: folderType, CreatedAt: tx.now}
	tx.state.folderByKey[key] = id
	return id, nil
}

func (tx *transaction) UpsertDay(_ context.Context, day domain.Day) (int64, error) {
	if day.Number < 1 {
		return 0, fmt.Errorf("upsert day %s: day number %d out of range", day.Label, day.Number)
	}
	if _, ok := tx.state.folders[day.FolderID]; !ok {
		return 0, fmt.Errorf("upsert day %s: training folder %d not found", day.Label, day.FolderID)
	}
	date := day.SessionDate.UTC().Format(domain.SessionDateLayout)
	key := dayKey{parent: day.FolderID, name: date}
	if id, ok := tx.state.dayByKey[key]; ok {
		return id, nil
	}
	day.ID = tx.newID()
	day.SessionDate, _ = time.Parse(domain.SessionDateLayout, date)
	day.CreatedAt = tx.now
	tx.state.days[day.ID] = day
	tx.state.dayByKey[key] = day.ID
	return day.ID, nil
}

func (tx *transaction) UpsertMouse(_ context.Context, mouseID string, groupID int64) error {
	if _, ok := tx.state.mice[mouseID]; ok {
		return nil
	}
	if _, ok := tx.state.groups[groupID]; !ok {
		return fmt.Errorf("upsert mouse %s: group %d not found", mouseID, groupID)
	}
	tx.state.mice[mouseID] = domain.Mouse{ID: mouseID, GroupID: groupID, CreatedAt: tx.now}
	return nil
}

func (tx *transaction) InsertFile(_ context.Context, file domain.File) (bool, error) {
	if _, ok := tx.state.days[file.DayID]; !ok {
		return false, fmt.Errorf("insert file %s: day %d not found", file.OriginalName, file.DayID)
	}
	if _, ok := tx.state.mice[file.MouseID]; !ok {
		return false, fmt.Errorf("insert file %s: mouse %s not found", file.OriginalName, file.MouseID)
	}
	key := fileKey{parent: file.DayID, name: file.OriginalName}
	if _, ok := tx.state.fileByKey[key]; ok {
		return false, nil
	}
	file.ID = tx.newID()
	file.CreatedAt = tx.now
	tx.state.files[file.ID] = file
	tx.state.fileByKey[key] = file.ID
	return true, nil
}
