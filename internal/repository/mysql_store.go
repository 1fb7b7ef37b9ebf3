package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Snapshot 是 MySQL 中的一行快照记录。
type Snapshot struct {
	Key       string    `gorm:"column:k;primaryKey;size:128"`
	Value     []byte    `gorm:"column:v;type:mediumblob;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (Snapshot) TableName() string {
	return "client_snapshot"
}

// MySQLStore 基于 gorm，适合多个客户端进程共用一个库做集中备份的部署。
type MySQLStore struct {
	db *gorm.DB
}

func NewMySQLStore(db *gorm.DB) (*MySQLStore, error) {
	if err := db.AutoMigrate(&Snapshot{}); err != nil {
		return nil, err
	}
	return &MySQLStore{db: db}, nil
}

// DB 暴露底层 *gorm.DB，便于测试/复用。
func (s *MySQLStore) DB() *gorm.DB {
	return s.db
}

func (s *MySQLStore) Save(ctx context.Context, key string, blob []byte) error {
	row := Snapshot{Key: key, Value: blob, UpdatedAt: time.Now()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "k"}},
		DoUpdates: clause.AssignmentColumns([]string{"v", "updated_at"}),
	}).Create(&row).Error
}

func (s *MySQLStore) Load(ctx context.Context, key string) ([]byte, error) {
	var row Snapshot
	err := s.db.WithContext(ctx).Where("k = ?", key).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.Value, nil
}
