package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"docrelay/internal/logger"
	"docrelay/pkg/model"
)

// EventRecord 拦截事件日志
type EventRecord struct {
	ID        uint   `gorm:"primaryKey"`
	ControlID string `gorm:"index;size:64"`
	RequestID string `gorm:"size:64"`
	Type      string `gorm:"index;size:16"`
	URL       string
	Mechanism string `gorm:"size:8"`
	Status    int
	Error     string
	Timestamp int64
	CreatedAt time.Time
}

// Store 基于 SQLite 的事件日志，只记录元数据，不保存文档内容
type Store struct {
	db  *gorm.DB
	log logger.Logger
}

// Open 打开数据库并迁移表结构，prefix 为表名前缀
func Open(dsn, prefix string, l logger.Logger) (*Store, error) {
	if l == nil {
		l = logger.NewNop()
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         NewGormLogger(l),
		NamingStrategy: schema.NamingStrategy{TablePrefix: prefix},
	})
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		// 内存库每个连接各自独立
		sqlDB.SetMaxOpenConns(1)
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("迁移表结构失败: %w", err)
	}
	return &Store{db: db, log: l.With("component", "storage")}, nil
}

// Close 关闭底层连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Record 写入一条事件
func (s *Store) Record(ctx context.Context, evt model.Event) error {
	rec := EventRecord{
		ControlID: string(evt.Control),
		RequestID: string(evt.Request),
		Type:      evt.Type,
		URL:       evt.URL,
		Mechanism: string(evt.Mechanism),
		Status:    evt.Status,
		Error:     evt.Error,
		Timestamp: evt.Timestamp,
	}
	return s.db.WithContext(ctx).Create(&rec).Error
}

// Events 按时间倒序查询控件事件，limit <= 0 时不限制
func (s *Store) Events(ctx context.Context, id model.ControlID, limit int) ([]model.Event, error) {
	q := s.db.WithContext(ctx).Order("id desc")
	if id != "" {
		q = q.Where("control_id = ?", string(id))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var recs []EventRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.Event, 0, len(recs))
	for _, r := range recs {
		out = append(out, model.Event{
			Type:      r.Type,
			Control:   model.ControlID(r.ControlID),
			Request:   model.RequestID(r.RequestID),
			URL:       r.URL,
			Mechanism: model.Mechanism(r.Mechanism),
			Status:    r.Status,
			Error:     r.Error,
			Timestamp: r.Timestamp,
		})
	}
	return out, nil
}

// Run 持续消费事件并落库，直到 ctx 结束或通道关闭
func (s *Store) Run(ctx context.Context, events <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if err := s.Record(ctx, evt); err != nil && ctx.Err() == nil {
				s.log.Err(err, "写入事件失败", "type", evt.Type, "control", string(evt.Control))
			}
		}
	}
}
