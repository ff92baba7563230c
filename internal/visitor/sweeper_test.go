package visitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

type mockEvicter struct {
	idle    time.Duration
	evicted int
}

func (m *mockEvicter) EvictIdle(idle time.Duration) int {
	m.idle = idle
	return m.evicted
}

type mockDeleter struct {
	called  bool
	deleted int64
	err     error
}

func (m *mockDeleter) DeleteExpired(_ context.Context) (int64, error) {
	m.called = true
	return m.deleted, m.err
}

var _ Evicter = (*mockEvicter)(nil)
var _ ExpiredDeleter = (*mockDeleter)(nil)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func TestNewSweeper_DefaultIdleTimeout(t *testing.T) {
	s := NewSweeper(&mockEvicter{}, &mockDeleter{}, nil)

	if s.IdleTimeout != 30*time.Minute {
		t.Errorf("IdleTimeout = %v, want 30m", s.IdleTimeout)
	}
}

func TestSweeper_Run_EvictsAndDeletes(t *testing.T) {
	var buf bytes.Buffer
	ev := &mockEvicter{evicted: 3}
	del := &mockDeleter{deleted: 7}
	s := NewSweeper(ev, del, newTestLogger(&buf))
	s.IdleTimeout = 10 * time.Minute

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run() がエラーを返した: %v", err)
	}

	if ev.idle != 10*time.Minute {
		t.Errorf("EvictIdle に渡されたidle = %v, want 10m", ev.idle)
	}
	if !del.called {
		t.Fatal("DeleteExpired が呼び出されなかった")
	}

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("ログのJSONパースに失敗: %v", err)
	}
	if entry["evicted_count"] != float64(3) {
		t.Errorf("evicted_count = %v, want 3", entry["evicted_count"])
	}
	if entry["deleted_count"] != float64(7) {
		t.Errorf("deleted_count = %v, want 7", entry["deleted_count"])
	}
}

func TestSweeper_Run_DeleteError(t *testing.T) {
	var buf bytes.Buffer
	s := NewSweeper(&mockEvicter{}, &mockDeleter{err: errors.New("connection refused")}, newTestLogger(&buf))

	err := s.Run(context.Background())
	if err == nil {
		t.Fatal("エラーが返されるべき")
	}
	if !strings.Contains(buf.String(), "ERROR") {
		t.Errorf("ERRORレベルのログが出力されていない: %s", buf.String())
	}
}

func TestSweeper_Start_StopsOnCancel(t *testing.T) {
	del := &mockDeleter{}
	s := NewSweeper(&mockEvicter{}, del, slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx, time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Start() error = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not stop after cancel")
	}
}
