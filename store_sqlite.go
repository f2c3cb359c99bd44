package learnsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/learnhub/learnsync/internal/logger"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormLogger "gorm.io/gorm/logger"
)

// recordRow is the single table backing every partition. Well-known indexes
// get their own columns; everything else lives in the Indexes map.
type recordRow struct {
	Part      string            `gorm:"column:part;primaryKey;size:32"`
	ID        string            `gorm:"column:id;primaryKey;size:191"`
	Seq       int64             `gorm:"column:seq;index"`
	ContentID string            `gorm:"column:content_id;index"`
	UserID    string            `gorm:"column:user_id;index"`
	Status    string            `gorm:"column:status;index"`
	Indexes   datatypes.JSONMap `gorm:"column:indexes"`
	Data      datatypes.JSON    `gorm:"column:data"`
	UpdatedAt time.Time
}

func (recordRow) TableName() string { return "records" }

type storeMeta struct {
	Key   string `gorm:"column:meta_key;primaryKey;size:64"`
	Value string
}

func (storeMeta) TableName() string { return "store_meta" }

var indexColumns = map[string]string{
	IndexContentID: "content_id",
	IndexUserID:    "user_id",
	IndexStatus:    "status",
}

// SQLiteStore is the durable store backed by a SQLite file.
type SQLiteStore struct {
	db  *gorm.DB
	log *logger.Logger
}

// OpenSQLiteStore opens (creating if needed) the database at path and runs
// migrations. An empty path opens a private in-memory database.
func OpenSQLiteStore(path string, log *logger.Logger) (*SQLiteStore, error) {
	log = logger.OrNop(log)
	dsn := "file::memory:"
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
		// serve and one-shot CLI commands may write the same file.
		dsn = path + "?_busy_timeout=5000&_txlock=immediate"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(1)
	}
	s := &SQLiteStore{db: db, log: log}
	if err := s.migrate(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if err := s.db.AutoMigrate(&recordRow{}, &storeMeta{}); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	var meta storeMeta
	err := s.db.Where("meta_key = ?", "schema_version").First(&meta).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("read schema version: %w", err)
	}
	if meta.Value == strconv.Itoa(schemaVersion) {
		return nil
	}
	if meta.Value != "" {
		s.log.Info("store schema upgraded", "from", meta.Value, "to", schemaVersion)
	}
	return s.db.Save(&storeMeta{Key: "schema_version", Value: strconv.Itoa(schemaVersion)}).Error
}

func (s *SQLiteStore) Put(ctx context.Context, p Partition, rec Record) Record {
	out := rec
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if out.ID == "" {
			if !autoIncrement(p) {
				return fmt.Errorf("missing key")
			}
			seq, err := nextSeq(tx, p)
			if err != nil {
				return err
			}
			out.Seq = seq
			out.ID = strconv.FormatInt(seq, 10)
		}
		for _, ix := range schema[p] {
			v := out.Indexes[ix.name]
			if !ix.unique || v == "" {
				continue
			}
			var n int64
			if err := tx.Model(&recordRow{}).
				Where("part = ? AND "+indexColumns[ix.name]+" = ? AND id <> ?", string(p), v, out.ID).
				Count(&n).Error; err != nil {
				return err
			}
			if n > 0 {
				return fmt.Errorf("unique index %s violated by %q", ix.name, v)
			}
		}
		row := toRow(p, out)
		out.Updated = row.UpdatedAt
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "part"}, {Name: "id"}},
			UpdateAll: true,
		}).Create(&row).Error
	})
	if err != nil {
		s.log.Error("put failed", "partition", p, "id", rec.ID, "error", err)
		return rec
	}
	return out
}

func nextSeq(tx *gorm.DB, p Partition) (int64, error) {
	key := "seq:" + string(p)
	var meta storeMeta
	err := tx.Where("meta_key = ?", key).First(&meta).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}
	cur, _ := strconv.ParseInt(meta.Value, 10, 64)
	cur++
	if err := tx.Save(&storeMeta{Key: key, Value: strconv.FormatInt(cur, 10)}).Error; err != nil {
		return 0, err
	}
	return cur, nil
}

func (s *SQLiteStore) Get(ctx context.Context, p Partition, id string) (Record, bool) {
	var row recordRow
	err := s.db.WithContext(ctx).Where("part = ? AND id = ?", string(p), id).First(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.log.Error("get failed", "partition", p, "id", id, "error", err)
		}
		return Record{}, false
	}
	return fromRow(row), true
}

func (s *SQLiteStore) GetAll(ctx context.Context, p Partition) []Record {
	var rows []recordRow
	if err := s.db.WithContext(ctx).Where("part = ?", string(p)).Order("seq, id").Find(&rows).Error; err != nil {
		s.log.Error("get all failed", "partition", p, "error", err)
		return nil
	}
	return fromRows(rows)
}

// GetByIndex queries the index column when one exists and otherwise scans
// the partition.
func (s *SQLiteStore) GetByIndex(ctx context.Context, p Partition, index, value string) []Record {
	col, ok := indexColumns[index]
	if !ok {
		return filterByIndex(s.GetAll(ctx, p), index, value)
	}
	var rows []recordRow
	err := s.db.WithContext(ctx).Where("part = ? AND "+col+" = ?", string(p), value).Order("seq, id").Find(&rows).Error
	if err != nil {
		s.log.Warn("index query failed, scanning", "partition", p, "index", index, "error", err)
		return filterByIndex(s.GetAll(ctx, p), index, value)
	}
	return fromRows(rows)
}

func (s *SQLiteStore) Delete(ctx context.Context, p Partition, id string) {
	if err := s.db.WithContext(ctx).Where("part = ? AND id = ?", string(p), id).Delete(&recordRow{}).Error; err != nil {
		s.log.Error("delete failed", "partition", p, "id", id, "error", err)
	}
}

func (s *SQLiteStore) Clear(ctx context.Context, p Partition) {
	if err := s.db.WithContext(ctx).Where("part = ?", string(p)).Delete(&recordRow{}).Error; err != nil {
		s.log.Error("clear failed", "partition", p, "error", err)
	}
}

func (s *SQLiteStore) Count(ctx context.Context, p Partition) int {
	var n int64
	if err := s.db.WithContext(ctx).Model(&recordRow{}).Where("part = ?", string(p)).Count(&n).Error; err != nil {
		s.log.Error("count failed", "partition", p, "error", err)
		return 0
	}
	return int(n)
}

// Transition is a single conditional UPDATE, which SQLite applies under its
// write lock, so concurrent processes cannot both win it.
func (s *SQLiteStore) Transition(ctx context.Context, p Partition, id, from, to string) bool {
	res := s.db.WithContext(ctx).Model(&recordRow{}).
		Where("part = ? AND id = ? AND status = ?", string(p), id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		s.log.Error("transition failed", "partition", p, "id", id, "from", from, "to", to, "error", res.Error)
		return false
	}
	return res.RowsAffected == 1
}

func (s *SQLiteStore) Degraded() bool { return false }

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(p Partition, r Record) recordRow {
	idx := datatypes.JSONMap{}
	for k, v := range r.Indexes {
		idx[k] = v
	}
	return recordRow{
		Part:      string(p),
		ID:        r.ID,
		Seq:       r.Seq,
		ContentID: r.Indexes[IndexContentID],
		UserID:    r.Indexes[IndexUserID],
		Status:    r.Indexes[IndexStatus],
		Indexes:   idx,
		Data:      datatypes.JSON(r.Data),
		UpdatedAt: time.Now().UTC(),
	}
}

// fromRow rebuilds a Record. Index columns win over the Indexes map, since
// Transition updates only the column.
func fromRow(row recordRow) Record {
	rec := Record{ID: row.ID, Seq: row.Seq, Data: []byte(row.Data), Updated: row.UpdatedAt}
	if len(row.Indexes) > 0 {
		rec.Indexes = make(map[string]string, len(row.Indexes))
		for k, v := range row.Indexes {
			if s, ok := v.(string); ok {
				rec.Indexes[k] = s
			}
		}
	}
	cols := map[string]string{IndexContentID: row.ContentID, IndexUserID: row.UserID, IndexStatus: row.Status}
	for name, v := range cols {
		if v == "" {
			continue
		}
		if rec.Indexes == nil {
			rec.Indexes = make(map[string]string, len(cols))
		}
		rec.Indexes[name] = v
	}
	return rec
}

func fromRows(rows []recordRow) []Record {
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	return out
}
