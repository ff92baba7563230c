// Package session は訪問者ごとのセッション状態（SessionStore）と、
// それを更新する唯一の書き手であるAuthController（Controller）を提供する。
//
// Storeは現在のスナップショットを保持し、遷移のたびに購読者へ同期的に通知する。
// 状態を変更するメソッドは非公開で、同一パッケージのControllerからのみ呼ばれる。
// 非同期の応答は発行時のチケット（単調増加の操作番号）を伴い、
// より新しい操作が開始されていた場合は破棄される。
package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/hitoshi/shopportal/internal/model"
)

// Listener は状態遷移の通知を受け取る関数。
// 遷移の順序どおりに同期的に呼ばれる。Listener内からStoreを変更してはならない。
type Listener func(state model.SessionState)

// ProfileFetcher はプロフィール確認に必要なゲートウェイの部分集合。
type ProfileFetcher interface {
	FetchProfile(ctx context.Context) (*model.Session, error)
}

// ticket は操作の発行順序を表す番号。
type ticket uint64

// Store は1訪問者分の権威あるセッション状態を保持する。
type Store struct {
	fetcher ProfileFetcher
	logger  *slog.Logger

	// notifyMu は遷移と通知を直列化し、購読者が遷移順に通知を受けることを保証する。
	notifyMu sync.Mutex

	mu           sync.RWMutex
	state        model.SessionState
	seq          uint64
	initialized  bool
	resolved     chan struct{}
	listeners    map[uint64]Listener
	nextListener uint64
}

// NewStore はStoreを生成する。初期状態はchecking。
func NewStore(fetcher ProfileFetcher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		fetcher:   fetcher,
		logger:    logger,
		state:     model.SessionState{Status: model.StatusChecking},
		resolved:  make(chan struct{}),
		listeners: make(map[uint64]Listener),
	}
}

// Initialize は初回呼び出し時のみプロフィール確認を行い、状態を確定させる。
// 2回目以降の呼び出しは何もしない。確認が完了するまでブロックする。
func (s *Store) Initialize(ctx context.Context) {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return
	}
	s.initialized = true
	s.mu.Unlock()

	t := s.begin()
	s.resolveProfile(ctx, t, false)
}

// InitializeAnonymous はプロフィール確認を行わずにanonymousで確定させる。
// 資格情報を持たない訪問者に使う。Initializeと同じく初回の呼び出しのみ有効。
func (s *Store) InitializeAnonymous() {
	s.mu.Lock()
	if s.initialized {
		s.mu.Unlock()
		return
	}
	s.initialized = true
	s.mu.Unlock()

	s.beginWith(func(model.SessionState) model.SessionState {
		return model.SessionState{Status: model.StatusAnonymous}
	})
}

// Reinitialize は新たなchecking期間を開始し、プロフィール確認をやり直す。
// checkingに戻るのはこのメソッドによる場合のみ。
func (s *Store) Reinitialize(ctx context.Context) {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	t := s.beginWith(func(model.SessionState) model.SessionState {
		return model.SessionState{Status: model.StatusChecking}
	})
	s.resolveProfile(ctx, t, false)
}

// Get は現在のスナップショットを返す。呼び出し側が変更しても内部状態には影響しない。
func (s *Store) Get() model.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Resolved は最初の確定（checking以外への遷移）で閉じられるチャネルを返す。
// Reinitialize後は新しいチャネルを返す。
func (s *Store) Resolved() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.resolved
}

// Subscribe は購読者を登録し、登録解除用の関数を返す。
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = l
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners, id)
			s.mu.Unlock()
		})
	}
}

// resolveProfile はプロフィール確認の結果をチケットtで反映する。
// keepOnFailureがtrueの場合、通信失敗時は現在の状態を保ちエラーのみ記録する。
func (s *Store) resolveProfile(ctx context.Context, t ticket, keepOnFailure bool) error {
	sess, err := s.fetcher.FetchProfile(ctx)
	switch {
	case err == nil && sess != nil:
		if !s.replace(t, authenticated(sess)) {
			return model.ErrSuperseded
		}
		return nil
	case err == nil || errors.Is(err, model.ErrUnauthenticated):
		if !s.replace(t, model.SessionState{Status: model.StatusAnonymous}) {
			return model.ErrSuperseded
		}
		return nil
	default:
		s.logger.Warn("profile check failed", slog.String("error", err.Error()))
		msg := model.MessageOf(err, "Could not verify your session")
		applied := s.update(t, func(cur model.SessionState) model.SessionState {
			if keepOnFailure && cur.Status != model.StatusChecking {
				cur.Error = msg
				return cur
			}
			return model.SessionState{Status: model.StatusAnonymous, Error: msg}
		})
		if !applied {
			return model.ErrSuperseded
		}
		return err
	}
}

// begin は新しい操作を開始する。操作番号を進め、直前のエラーを消去する。
func (s *Store) begin() ticket {
	return s.beginWith(func(cur model.SessionState) model.SessionState {
		cur.Error = ""
		return cur
	})
}

// beginWith は操作番号を進めると同時にfnで状態を遷移させる。
func (s *Store) beginWith(fn func(model.SessionState) model.SessionState) ticket {
	var t ticket
	s.transition(func() bool {
		s.seq++
		t = ticket(s.seq)
		return true
	}, fn)
	return t
}

// replace はチケットが最新の場合のみ状態をnextに置き換える。
// Controllerからのみ呼ばれる。
func (s *Store) replace(t ticket, next model.SessionState) bool {
	return s.update(t, func(model.SessionState) model.SessionState { return next })
}

// update はチケットが最新の場合のみfnで状態を遷移させる。
// より新しい操作が開始されていれば何もせずfalseを返す。
func (s *Store) update(t ticket, fn func(model.SessionState) model.SessionState) bool {
	return s.transition(func() bool {
		return uint64(t) == s.seq
	}, fn)
}

// annotate は操作番号を進めずにfnで状態を遷移させる。
// 進行中の操作を追い越してはならないローカルな結果の記録に使う。
func (s *Store) annotate(fn func(model.SessionState) model.SessionState) {
	s.transition(func() bool { return true }, fn)
}

// current はチケットがまだ最新かどうかを返す。
func (s *Store) current(t ticket) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(t) == s.seq
}

// transition は遷移の共通処理。guardがfalseを返すと遷移しない。
// 状態が変化した場合のみ、ロック解放後に購読者へ通知する。
func (s *Store) transition(guard func() bool, fn func(model.SessionState) model.SessionState) bool {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if !guard() {
		s.mu.Unlock()
		return false
	}
	prev := s.state
	next := fn(prev.Clone())
	if next.Status != model.StatusAuthenticated {
		next.Session = nil
	}
	s.state = next

	switch {
	case next.Status == model.StatusChecking && prev.Status != model.StatusChecking:
		s.resolved = make(chan struct{})
	case next.Status != model.StatusChecking:
		select {
		case <-s.resolved:
		default:
			close(s.resolved)
		}
	}

	changed := !sameState(prev, next)
	var listeners []Listener
	if changed {
		ids := make([]uint64, 0, len(s.listeners))
		for id := range s.listeners {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			listeners = append(listeners, s.listeners[id])
		}
	}
	snapshot := next.Clone()
	s.mu.Unlock()

	for _, l := range listeners {
		l(snapshot.Clone())
	}
	return true
}

func authenticated(sess *model.Session) model.SessionState {
	return model.SessionState{
		Status:  model.StatusAuthenticated,
		Session: sess.Clone(),
	}
}

func sameState(a, b model.SessionState) bool {
	if a.Status != b.Status || a.Error != b.Error {
		return false
	}
	if (a.Session == nil) != (b.Session == nil) {
		return false
	}
	if a.Session == nil {
		return true
	}
	return a.Session.Username == b.Session.Username && slices.Equal(a.Session.Shops, b.Session.Shops)
}
