// Package domain defines the persistent entities of the lab-data portal and
// the persistence contracts that ingestion and browsing rely on.
package domain

import (
	"strings"
	"time"
)

// FolderType classifies a training folder by its role in an experiment.
type FolderType string

// Training folder classifications.
const (
	// FolderProtocol marks a folder holding protocol definitions.
	FolderProtocol FolderType = "protocol"
	// FolderTest marks a folder holding test sessions.
	FolderTest FolderType = "test"
	// FolderTrain marks a folder holding training sessions. It is the fallback.
	FolderTrain FolderType = "train"
)

// Valid reports whether t is one of the known folder types.
func (t FolderType) Valid() bool {
	switch t {
	case FolderProtocol, FolderTest, FolderTrain:
		return true
	default:
		return false
	}
}

// Experiment is the root of an uploaded folder hierarchy.
type Experiment struct {
	ID          int64     `json:"experiment_id"`
	Name        string    `json:"experiment_name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Rig is a recording rig inside an experiment.
type Rig struct {
	ID           int64     `json:"rig_id"`
	ExperimentID int64     `json:"experiment_id"`
	Name         string    `json:"rig_name"`
	CreatedAt    time.Time `json:"created_at"`
}

// Group is an animal group recorded on a rig.
type Group struct {
	ID        int64     `json:"group_id"`
	RigID     int64     `json:"rig_id"`
	Name      string    `json:"group_name"`
	CreatedAt time.Time `json:"created_at"`
}

// TrainingFolder groups the session folders of one protocol, test, or training phase.
type TrainingFolder struct {
	ID        int64      `json:"folder_id"`
	GroupID   int64      `json:"group_id"`
	Name      string     `json:"folder_name"`
	Type      FolderType `json:"folder_type"`
	CreatedAt time.Time  `json:"created_at"`
}

// Day is one session date of a training folder. Number is the 1-based rank of
// SessionDate among the distinct dates of its dated sibling folders.
type Day struct {
	ID          int64     `json:"day_id"`
	FolderID    int64     `json:"folder_id"`
	Number      int       `json:"day_number"`
	SessionDate time.Time `json:"session_date"`
	Label       string    `json:"day_label"`
	CreatedAt   time.Time `json:"created_at"`
}

// Mouse is a globally identified animal. GroupID records the first group the
// animal was observed in and is never overwritten.
type Mouse struct {
	ID        string    `json:"mouse_id"`
	GroupID   int64     `json:"group_id"`
	CreatedAt time.Time `json:"created_at"`
}

// File is a raw session file stored in the object store.
type File struct {
	ID           int64     `json:"file_id"`
	DayID        int64     `json:"day_id"`
	OriginalName string    `json:"original_name"`
	MouseID      string    `json:"mouse_id"`
	Uploader     string    `json:"uploader"`
	URL          string    `json:"file_url"`
	CreatedAt    time.Time `json:"created_at"`
}

// Table names a browsable relational table.
type Table string

// Browsable tables, in the order the portal lists them.
const (
	TableExperiments     Table = "experiments"
	TableRigs            Table = "rigs"
	TableGroups          Table = "exp_groups"
	TableMice            Table = "mice"
	TableTrainingFolders Table = "training_folders"
	TableDays            Table = "days"
	TableFiles           Table = "files"
)

// Tables lists every browsable table.
var Tables = []Table{
	TableExperiments,
	TableRigs,
	TableGroups,
	TableMice,
	TableTrainingFolders,
	TableDays,
	TableFiles,
}

// ParseTable resolves a user supplied table name against the allow-list.
func ParseTable(name string) (Table, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, t := range Tables {
		if string(t) == name {
			return t, true
		}
	}
	return "", false
}

// TableView is a read-only page of rows from one table. Row values are
// normalised to JSON-friendly scalars (string, int64, float64, bool, nil).
type TableView struct {
	Table   Table    `json:"table"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}
