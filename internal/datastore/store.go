package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"orrery/internal/model"

	_ "modernc.org/sqlite"
)

// Manifest 记录某个 product@timeframe 文件的统计信息。
type Manifest struct {
	ProductID  string `json:"product_id"`
	Timeframe  string `json:"timeframe"`
	MinTime    int64  `json:"min_time"`
	MaxTime    int64  `json:"max_time"`
	Rows       int64  `json:"rows"`
	LastSyncAt int64  `json:"last_sync_at"`
	Path       string `json:"path"`
}

// Gap 是一段缺失的 open_time 闭区间。
type Gap struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

// IntegrityReport 描述某区间本地数据的完整性。
type IntegrityReport struct {
	Expected int64 `json:"expected"`
	Present  int64 `json:"present"`
	Gaps     []Gap `json:"gaps"`
}

// Complete 报告区间是否无缺口。
func (r IntegrityReport) Complete() bool {
	return len(r.Gaps) == 0 && r.Present >= r.Expected
}

// Store 按 product@timeframe 一个 sqlite 文件组织 K 线落盘。
type Store struct {
	root string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("data root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, dbs: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for k, db := range s.dbs {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, k)
	}
	return firstErr
}

func (s *Store) db(productID, timeframe string) (*sql.DB, string, error) {
	if productID == "" || timeframe == "" {
		return nil, "", fmt.Errorf("product/timeframe 不能为空")
	}
	key := strings.ToUpper(productID) + "@" + strings.ToLower(timeframe)
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[key]; ok && db != nil {
		return db, s.dbPath(productID, timeframe), nil
	}
	path := s.dbPath(productID, timeframe)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, "", err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureSchema(db, productID, timeframe); err != nil {
		_ = db.Close()
		return nil, "", err
	}
	s.dbs[key] = db
	return db, path, nil
}

func (s *Store) dbPath(productID, timeframe string) string {
	// 路径分隔符在 product id 中不合法，落盘前替换掉
	safe := strings.NewReplacer("/", "_", "\\", "_").Replace(strings.ToUpper(productID))
	dir := filepath.Join(s.root, safe)
	return filepath.Join(dir, strings.ToLower(timeframe)+".db")
}

// InsertBars 批量写入 K 线（重复 open_time 将被覆盖）。
func (s *Store) InsertBars(ctx context.Context, productID, timeframe string, bars []model.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	db, _, err := s.db(productID, timeframe)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (open_time, close_time, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(open_time) DO UPDATE SET
		    close_time=excluded.close_time,
		    open=excluded.open,
		    high=excluded.high,
		    low=excluded.low,
		    close=excluded.close,
		    volume=excluded.volume`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	count := 0
	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.StartTime, b.EndTime, b.Open, b.High, b.Low, b.Close, b.Volume); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
		count++
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if err := s.refreshManifest(ctx, db); err != nil {
		return count, err
	}
	return count, nil
}

// LoadOpenTimes 返回指定区间内已有的 open_time。
func (s *Store) LoadOpenTimes(ctx context.Context, productID, timeframe string, start, end int64) ([]int64, error) {
	db, _, err := s.db(productID, timeframe)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT open_time FROM bars WHERE open_time BETWEEN ? AND ? ORDER BY open_time`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// CheckIntegrity 按周期网格比对区间内已有 open_time，汇总缺口。
func (s *Store) CheckIntegrity(ctx context.Context, productID, timeframe string, tf Timeframe, start, end int64) (IntegrityReport, error) {
	step := tf.durationMillis()
	if step <= 0 || end < start {
		return IntegrityReport{}, fmt.Errorf("区间或周期不合法")
	}
	have, err := s.LoadOpenTimes(ctx, productID, timeframe, start, end)
	if err != nil {
		return IntegrityReport{}, err
	}
	report := IntegrityReport{
		Expected: tf.ExpectedBars(start, end),
		Present:  int64(len(have)),
	}
	idx := 0
	var gapFrom int64 = -1
	for ts := start; ts <= end; ts += step {
		for idx < len(have) && have[idx] < ts {
			idx++
		}
		if idx < len(have) && have[idx] == ts {
			if gapFrom >= 0 {
				report.Gaps = append(report.Gaps, Gap{From: gapFrom, To: ts - step})
				gapFrom = -1
			}
			continue
		}
		if gapFrom < 0 {
			gapFrom = ts
		}
	}
	if gapFrom >= 0 {
		report.Gaps = append(report.Gaps, Gap{From: gapFrom, To: alignDown(end, step)})
	}
	return report, nil
}

func (s *Store) Manifest(ctx context.Context, productID, timeframe string) (Manifest, error) {
	db, path, err := s.db(productID, timeframe)
	if err != nil {
		return Manifest{}, err
	}
	row := db.QueryRowContext(ctx, `SELECT product_id,timeframe,min_time,max_time,row_count,last_sync_at FROM manifest WHERE id=1`)
	var m Manifest
	if err := row.Scan(&m.ProductID, &m.Timeframe, &m.MinTime, &m.MaxTime, &m.Rows, &m.LastSyncAt); err != nil {
		return Manifest{}, err
	}
	m.Path = path
	return m, nil
}

func (s *Store) refreshManifest(ctx context.Context, db *sql.DB) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		UPDATE manifest
		SET min_time = (SELECT COALESCE(MIN(open_time), 0) FROM bars),
		    max_time = (SELECT COALESCE(MAX(open_time), 0) FROM bars),
		    row_count = (SELECT COUNT(1) FROM bars),
		    last_sync_at = ?
		WHERE id = 1`, now)
	return err
}

func ensureSchema(db *sql.DB, productID, timeframe string) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bars (
			open_time  INTEGER PRIMARY KEY,
			close_time INTEGER NOT NULL,
			open       REAL NOT NULL,
			high       REAL NOT NULL,
			low        REAL NOT NULL,
			close      REAL NOT NULL,
			volume     REAL NOT NULL,
			inserted_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000)
		);`,
		`CREATE TABLE IF NOT EXISTS manifest (
			id INTEGER PRIMARY KEY CHECK (id=1),
			product_id TEXT NOT NULL,
			timeframe TEXT NOT NULL,
			min_time INTEGER,
			max_time INTEGER,
			row_count INTEGER DEFAULT 0,
			last_sync_at INTEGER
		);`,
		`INSERT INTO manifest (id, product_id, timeframe) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET product_id=excluded.product_id, timeframe=excluded.timeframe;`,
	}
	for i, stmt := range stmts {
		var err error
		if i == len(stmts)-1 {
			_, err = db.Exec(stmt, strings.ToUpper(productID), strings.ToLower(timeframe))
		} else {
			_, err = db.Exec(stmt)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// RangeBars 返回 start~end 范围内的全部 K 线（开盘时间闭区间）。
func (s *Store) RangeBars(ctx context.Context, productID, timeframe string, start, end int64) ([]model.Bar, error) {
	db, _, err := s.db(productID, timeframe)
	if err != nil {
		return nil, err
	}
	if start > 0 && end > 0 && end < start {
		start, end = end, start
	}
	if start <= 0 || end <= 0 {
		return nil, fmt.Errorf("start/end 需 > 0")
	}
	rows, err := db.QueryContext(ctx, `
		SELECT open_time, close_time, open, high, low, close, volume
		FROM bars
		WHERE open_time BETWEEN ? AND ?
		ORDER BY open_time ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Bar
	for rows.Next() {
		b := model.Bar{ProductID: productID, Timeframe: strings.ToLower(timeframe)}
		if err := rows.Scan(&b.StartTime, &b.EndTime, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		list = append(list, b)
	}
	return list, rows.Err()
}

// ListAllBars 返回全部 K 线（按 open_time ASC），仅适合数据规模较小场景。
func (s *Store) ListAllBars(ctx context.Context, productID, timeframe string) ([]model.Bar, error) {
	db, _, err := s.db(productID, timeframe)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `
		SELECT open_time, close_time, open, high, low, close, volume
		FROM bars ORDER BY open_time ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Bar
	for rows.Next() {
		b := model.Bar{ProductID: productID, Timeframe: strings.ToLower(timeframe)}
		if err := rows.Scan(&b.StartTime, &b.EndTime, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume); err != nil {
			return nil, err
		}
		list = append(list, b)
	}
	return list, rows.Err()
}
