package cleanup

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeResult struct {
	rowsAffected int64
}

func (r *fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r *fakeResult) RowsAffected() (int64, error) { return r.rowsAffected, nil }

// mockExecutor はExecutorのモック実装。クエリと引数を記録する。
type mockExecutor struct {
	mu     sync.Mutex
	calls  int
	query  string
	args   []any
	result sql.Result
	err    error
}

func (m *mockExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.query = query
	m.args = args
	return m.result, m.err
}

func (m *mockExecutor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// syncBuffer はゴルーチンから書き込まれるログ用のバッファ。
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestLogger(w *syncBuffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// findLogField はJSONログの各行から指定キーを探す。
func findLogField(out, key string) (any, bool) {
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue
		}
		if v, ok := entry[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func TestNewCleanupJob_RetentionDays(t *testing.T) {
	var buf syncBuffer
	tests := []struct {
		in   int
		want int
	}{
		{30, 30},
		{0, 90},
		{-1, 90},
	}
	for _, tt := range tests {
		job := NewCleanupJob(&mockExecutor{}, tt.in, newTestLogger(&buf))
		if job.RetentionDays != tt.want {
			t.Errorf("NewCleanupJob(%d).RetentionDays = %d, want %d", tt.in, job.RetentionDays, tt.want)
		}
	}
}

func TestCleanupJob_Run_DeletesFinishedRunsOnly(t *testing.T) {
	var buf syncBuffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 5}}
	job := NewCleanupJob(mock, 90, newTestLogger(&buf))

	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if !strings.Contains(mock.query, "DELETE FROM sync_runs") {
		t.Errorf("クエリに 'DELETE FROM sync_runs' が含まれていない: %s", mock.query)
	}
	if !strings.Contains(mock.query, "status <> 'running'") {
		t.Errorf("実行中の履歴を除外する条件が含まれていない: %s", mock.query)
	}
	if len(mock.args) != 1 || mock.args[0] != "90 days" {
		t.Errorf("args = %v, want [90 days]", mock.args)
	}
}

func TestCleanupJob_Run_LogsDeletedCountAndRetention(t *testing.T) {
	var buf syncBuffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 42}}
	job := NewCleanupJob(mock, 30, newTestLogger(&buf))

	_ = job.Run(context.Background())

	if v, ok := findLogField(buf.String(), "deleted_count"); !ok || v != float64(42) {
		t.Errorf("ログに deleted_count=42 が記録されていない。ログ出力: %s", buf.String())
	}
	if v, ok := findLogField(buf.String(), "retention_days"); !ok || v != float64(30) {
		t.Errorf("ログに retention_days=30 が記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_ZeroRowsIsNotError(t *testing.T) {
	var buf syncBuffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 0}}
	job := NewCleanupJob(mock, 90, newTestLogger(&buf))

	for i := 0; i < 2; i++ {
		if err := job.Run(context.Background()); err != nil {
			t.Fatalf("%d回目の Run() がエラーを返した: %v", i+1, err)
		}
	}
	if v, ok := findLogField(buf.String(), "deleted_count"); !ok || v != float64(0) {
		t.Errorf("0件削除時にもログに deleted_count=0 が記録されるべき。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Run_ReturnsErrorOnDBFailure(t *testing.T) {
	var buf syncBuffer
	mock := &mockExecutor{err: sql.ErrConnDone}
	job := NewCleanupJob(mock, 90, newTestLogger(&buf))

	err := job.Run(context.Background())
	if err == nil {
		t.Fatal("DBエラー時に Run() は nil でないエラーを返すべき")
	}
	if !strings.Contains(err.Error(), "sql: connection is already closed") {
		t.Errorf("エラーメッセージが期待と異なる: %v", err)
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("エラー時にERRORレベルのログが記録されていない。ログ出力: %s", buf.String())
	}
}

func TestCleanupJob_Start_RunsImmediatelyAndStopsOnCancel(t *testing.T) {
	var buf syncBuffer
	mock := &mockExecutor{result: &fakeResult{rowsAffected: 1}}
	job := NewCleanupJob(mock, 90, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		job.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for mock.callCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("Runが定期実行されていない: calls=%d", mock.callCount())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("キャンセル後にStartが終了しない")
	}
}
