// Package audit 操作审计日志（append-only）
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Action 审计动作类型
type Action string

const (
	ActionSagaRetry           Action = "SAGA_RETRY"
	ActionSagaForceCompensate Action = "SAGA_FORCE_COMPENSATE"
	ActionSagaManualResolve   Action = "SAGA_MANUAL_RESOLVE"
	ActionSagaRecoverySweep   Action = "SAGA_RECOVERY_SWEEP"
)

// Entry 一条审计记录。记录操作者对 saga 的干预，写入后不可修改。
type Entry struct {
	ID           int64  `json:"id"`
	Action       Action `json:"action"`
	Actor        string `json:"actor"`
	SagaID       string `json:"sagaId"`
	BeforeStatus string `json:"beforeStatus"`
	Notes        string `json:"notes"`
	RequestID    string `json:"requestId"`
	Timestamp    int64  `json:"timestamp"`
}

// Sink 审计日志出口
type Sink interface {
	Record(ctx context.Context, entry *Entry) error
	Query(ctx context.Context, filter *QueryFilter) ([]*Entry, error)
}

// QueryFilter 审计查询条件
type QueryFilter struct {
	SagaID    string
	Action    Action
	StartTime int64
	EndTime   int64
	Limit     int
	Offset    int
}

// NewEntry 创建审计记录。Timestamp 使用 Unix 毫秒。
func NewEntry(action Action, actor, sagaID, beforeStatus, notes string) *Entry {
	return &Entry{
		Action:       action,
		Actor:        actor,
		SagaID:       sagaID,
		BeforeStatus: beforeStatus,
		Notes:        notes,
		Timestamp:    time.Now().UnixMilli(),
	}
}

// DBSink 使用 PostgreSQL（database/sql）实现审计存储，默认异步写入以避免阻塞主流程。
//
// 表名固定为 saga_audit_logs（append-only），应用需自行 import PostgreSQL driver。
type DBSink struct {
	db *sql.DB

	insertQueue chan *Entry
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	nextID  func() int64
	onError func(error)
}

// Option DBSink 选项
type Option func(*sinkOptions)

type sinkOptions struct {
	queueSize  int
	workers    int
	onError    func(error)
	skipWorker bool
}

func WithQueueSize(size int) Option {
	return func(o *sinkOptions) {
		if size > 0 {
			o.queueSize = size
		}
	}
}

func WithWorkers(n int) Option {
	return func(o *sinkOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(o *sinkOptions) {
		if fn != nil {
			o.onError = fn
		}
	}
}

// WithSynchronousWrite 让 Record() 直接写数据库（测试或低流量场景）。
func WithSynchronousWrite() Option {
	return func(o *sinkOptions) {
		o.skipWorker = true
	}
}

// NewDBSink 创建审计出口。nextID 提供记录主键（雪花 ID）。
func NewDBSink(db *sql.DB, nextID func() int64, opts ...Option) (*DBSink, error) {
	if db == nil {
		return nil, errors.New("audit: db is nil")
	}
	if nextID == nil {
		return nil, errors.New("audit: nextID is nil")
	}

	cfg := sinkOptions{
		queueSize: 1024,
		workers:   1,
		onError:   func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	s := &DBSink{
		db:      db,
		nextID:  nextID,
		onError: cfg.onError,
	}

	if cfg.skipWorker {
		return s, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.insertQueue = make(chan *Entry, cfg.queueSize)

	for i := 0; i < cfg.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case item := <-s.insertQueue:
					if item == nil {
						continue
					}
					if err := s.insert(ctx, item); err != nil {
						s.onError(err)
					}
				}
			}
		}()
	}

	return s, nil
}

// Close 关闭后台写入协程（可选调用）。
func (s *DBSink) Close() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *DBSink) Record(ctx context.Context, entry *Entry) error {
	if s == nil || s.db == nil || entry == nil {
		return nil
	}

	if entry.ID == 0 {
		entry.ID = s.nextID()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().UnixMilli()
	}

	if s.insertQueue == nil {
		return s.insert(ctx, entry)
	}

	select {
	case s.insertQueue <- entry:
	default:
		// 队列满：通知错误处理器，但不阻塞主流程
		if s.onError != nil {
			s.onError(errors.New("audit: queue full, entry dropped"))
		}
	}
	return nil
}

func (s *DBSink) Query(ctx context.Context, filter *QueryFilter) ([]*Entry, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("audit: sink not initialized")
	}

	var (
		where  []string
		args   []interface{}
		argIdx = 1
	)
	if filter != nil {
		if filter.SagaID != "" {
			where = append(where, fmt.Sprintf("saga_id = $%d", argIdx))
			args = append(args, filter.SagaID)
			argIdx++
		}
		if filter.Action != "" {
			where = append(where, fmt.Sprintf("action = $%d", argIdx))
			args = append(args, filter.Action)
			argIdx++
		}
		if filter.StartTime != 0 {
			where = append(where, fmt.Sprintf("timestamp >= $%d", argIdx))
			args = append(args, filter.StartTime)
			argIdx++
		}
		if filter.EndTime != 0 {
			where = append(where, fmt.Sprintf("timestamp <= $%d", argIdx))
			args = append(args, filter.EndTime)
			argIdx++
		}
	}

	query := `
SELECT id, action, actor, saga_id, before_status, notes, request_id, timestamp
FROM saga_audit_logs
`
	if len(where) > 0 {
		query += "WHERE " + strings.Join(where, " AND ") + "\n"
	}
	query += "ORDER BY timestamp DESC, id DESC\n"

	limit := 100
	offset := 0
	if filter != nil {
		if filter.Limit > 0 {
			limit = filter.Limit
		}
		if filter.Offset > 0 {
			offset = filter.Offset
		}
	}
	query += fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var item Entry
		if err := rows.Scan(
			&item.ID,
			&item.Action,
			&item.Actor,
			&item.SagaID,
			&item.BeforeStatus,
			&item.Notes,
			&item.RequestID,
			&item.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *DBSink) insert(ctx context.Context, entry *Entry) error {
	const stmt = `
INSERT INTO saga_audit_logs (
  id, action, actor, saga_id, before_status, notes, request_id, timestamp
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
)
`
	_, err := s.db.ExecContext(ctx, stmt,
		entry.ID,
		entry.Action,
		entry.Actor,
		entry.SagaID,
		entry.BeforeStatus,
		entry.Notes,
		entry.RequestID,
		entry.Timestamp,
	)
	return err
}

// CreateTableSQL 提供 saga_audit_logs 表结构（可用于初始化/迁移）。
const CreateTableSQL = `
CREATE TABLE IF NOT EXISTS saga_audit_logs (
  id BIGINT PRIMARY KEY,
  action VARCHAR(64) NOT NULL,
  actor VARCHAR(128) NOT NULL DEFAULT '',
  saga_id VARCHAR(64) NOT NULL DEFAULT '',
  before_status VARCHAR(40) NOT NULL DEFAULT '',
  notes TEXT NOT NULL DEFAULT '',
  request_id VARCHAR(128) NOT NULL DEFAULT '',
  timestamp BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_saga_audit_logs_ts ON saga_audit_logs(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_saga_audit_logs_saga_ts ON saga_audit_logs(saga_id, timestamp DESC);
`
