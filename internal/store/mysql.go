package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gobii_runner/internal/model"
)

const settingAPIKey = "apiKey"

// TaskRow is the gobii_tasks table.
// Position keeps the insertion order of the collection.
type TaskRow struct {
	ID           string         `gorm:"primaryKey;type:varchar(64)"`
	Position     int            `gorm:"not null;index"`
	Name         string         `gorm:"type:varchar(255)"`
	Prompt       string         `gorm:"type:text"`
	OutputSchema datatypes.JSON `gorm:"type:json"`
	Status       string         `gorm:"type:varchar(32);index"`
	LastResult   string         `gorm:"type:mediumtext"`
}

// TableName specifies the table name for TaskRow
func (TaskRow) TableName() string {
	return "gobii_tasks"
}

// SettingRow is the gobii_settings key/value table
type SettingRow struct {
	Key   string `gorm:"primaryKey;column:key;type:varchar(64)"`
	Value string `gorm:"column:value;type:text"`
}

// TableName specifies the table name for SettingRow
func (SettingRow) TableName() string {
	return "gobii_settings"
}

// MySQLStore keeps tasks and the credential in MySQL through gorm
type MySQLStore struct {
	db *gorm.DB
}

// NewMySQLStore creates a new MySQL backed store
func NewMySQLStore(db *gorm.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Models lists the tables used by MySQLStore, for migrations
func Models() []interface{} {
	return []interface{}{&TaskRow{}, &SettingRow{}}
}

// Load reads all rows in insertion order
func (s *MySQLStore) Load(ctx context.Context) ([]model.Task, error) {
	return loadRows(s.db.WithContext(ctx))
}

// Save replaces every row in one transaction
func (s *MySQLStore) Save(ctx context.Context, tasks []model.Task) error {
	rows, err := tasksToRows(tasks)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return replaceRows(tx, rows)
	})
}

// Modify reads the rows with SELECT ... FOR UPDATE and rewrites them in the
// same transaction, so writers on other instances wait for it
func (s *MySQLStore) Modify(ctx context.Context, fn ModifyFunc) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tasks, err := loadRows(tx.Clauses(clause.Locking{Strength: "UPDATE"}))
		if err != nil {
			return err
		}
		next, err := fn(tasks)
		if err != nil {
			return err
		}
		rows, err := tasksToRows(next)
		if err != nil {
			return err
		}
		return replaceRows(tx, rows)
	})
}

func loadRows(db *gorm.DB) ([]model.Task, error) {
	var rows []TaskRow
	if err := db.Order("position ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}

	tasks := make([]model.Task, 0, len(rows))
	for _, row := range rows {
		t, err := rowToTask(row)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func replaceRows(tx *gorm.DB, rows []TaskRow) error {
	if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&TaskRow{}).Error; err != nil {
		return fmt.Errorf("failed to clear tasks: %w", err)
	}
	if len(rows) == 0 {
		return nil
	}
	if err := tx.Create(&rows).Error; err != nil {
		return fmt.Errorf("failed to insert tasks: %w", err)
	}
	return nil
}

func tasksToRows(tasks []model.Task) ([]TaskRow, error) {
	rows := make([]TaskRow, 0, len(tasks))
	for i, t := range tasks {
		row, err := taskToRow(t, i)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Get returns the stored API key
func (s *MySQLStore) Get(ctx context.Context) (string, bool, error) {
	var row SettingRow
	err := s.db.WithContext(ctx).Where("`key` = ?", settingAPIKey).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to load API key: %w", err)
	}
	if row.Value == "" {
		return "", false, nil
	}
	return row.Value, true, nil
}

// Set stores the API key
func (s *MySQLStore) Set(ctx context.Context, apiKey string) error {
	row := SettingRow{Key: settingAPIKey, Value: apiKey}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to save API key: %w", err)
	}
	return nil
}

// Delete removes the API key
func (s *MySQLStore) Delete(ctx context.Context) error {
	if err := s.db.WithContext(ctx).Where("`key` = ?", settingAPIKey).Delete(&SettingRow{}).Error; err != nil {
		return fmt.Errorf("failed to delete API key: %w", err)
	}
	return nil
}

func taskToRow(t model.Task, position int) (TaskRow, error) {
	row := TaskRow{
		ID:         t.ID,
		Position:   position,
		Name:       t.Name,
		Prompt:     t.Prompt,
		Status:     string(t.Status),
		LastResult: t.LastResult,
	}
	if t.OutputSchema != nil {
		data, err := json.Marshal(t.OutputSchema)
		if err != nil {
			return TaskRow{}, fmt.Errorf("failed to encode schema of task %s: %w", t.ID, err)
		}
		row.OutputSchema = datatypes.JSON(data)
	}
	return row, nil
}

func rowToTask(row TaskRow) (model.Task, error) {
	t := model.Task{
		ID:         row.ID,
		Name:       row.Name,
		Prompt:     row.Prompt,
		Status:     model.TaskStatus(row.Status),
		LastResult: row.LastResult,
	}
	if len(row.OutputSchema) > 0 && string(row.OutputSchema) != "null" {
		var schema model.OutputSchema
		if err := json.Unmarshal(row.OutputSchema, &schema); err != nil {
			return model.Task{}, fmt.Errorf("failed to decode schema of task %s: %w", row.ID, err)
		}
		t.OutputSchema = &schema
	}
	return t, nil
}
