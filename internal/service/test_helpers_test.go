package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/observelab/termdemo/config"
	"github.com/observelab/termdemo/internal/domain"
	"github.com/observelab/termdemo/internal/models"
	repo "github.com/observelab/termdemo/internal/repository/redis"
	"github.com/observelab/termdemo/internal/telemetry"
	"github.com/observelab/termdemo/internal/terminal"
	"github.com/observelab/termdemo/pkg/logger"
)

// fakeNotifier records every frame pushed to a client.
type fakeNotifier struct {
	mu     sync.Mutex
	frames []any
}

func (f *fakeNotifier) Notify(msg any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, msg)
}

func (f *fakeNotifier) all() []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]any, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakeNotifier) types() []string {
	var out []string
	for _, fr := range f.all() {
		out = append(out, frameType(fr))
	}
	return out
}

func (f *fakeNotifier) last(msgType string) (any, bool) {
	frames := f.all()
	for i := len(frames) - 1; i >= 0; i-- {
		if frameType(frames[i]) == msgType {
			return frames[i], true
		}
	}
	return nil, false
}

func (f *fakeNotifier) has(msgType string) bool {
	_, ok := f.last(msgType)
	return ok
}

func frameType(frame any) string {
	switch m := frame.(type) {
	case models.StatusMsg:
		return m.Type
	case models.QueuePositionMsg:
		return m.Type
	case models.QueueFullMsg:
		return m.Type
	case models.LeftQueueMsg:
		return m.Type
	case models.SessionTokenMsg:
		return m.Type
	case models.SessionStartingMsg:
		return m.Type
	case models.SessionWarningMsg:
		return m.Type
	case models.SessionEndedMsg:
		return m.Type
	case models.InviteInvalidMsg:
		return m.Type
	case models.HeartbeatAckMsg:
		return m.Type
	case models.ErrorMsg:
		return m.Type
	default:
		return ""
	}
}

// fakeProcess stands in for a spawned ttyd.
type fakeProcess struct {
	mu         sync.Mutex
	terminated bool
	killed     bool
}

func (p *fakeProcess) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated = true
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed = true
	return nil
}

func (p *fakeProcess) Pid() int { return 4242 }

func (p *fakeProcess) wasTerminated() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

// fakeSupervisor hands out fake processes and remembers the exit callback so
// tests can simulate a container exit.
type fakeSupervisor struct {
	mu       sync.Mutex
	spawned  int
	failNext bool
	lastExit func(error)
	lastProc *fakeProcess
}

func (s *fakeSupervisor) Spawn(ctx context.Context, credFilePath string, onExit func(err error)) (terminal.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext {
		s.failNext = false
		return nil, errors.New("spawn refused")
	}

	p := &fakeProcess{}
	s.spawned++
	s.lastExit = onExit
	s.lastProc = p
	return p, nil
}

func (s *fakeSupervisor) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawned
}

func (s *fakeSupervisor) proc() *fakeProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastProc
}

func (s *fakeSupervisor) exitCurrent() {
	s.mu.Lock()
	onExit := s.lastExit
	s.mu.Unlock()
	if onExit != nil {
		onExit(nil)
	}
}

// fakeInviteRepo is an in-memory invite store. Get returns copies so the
// service's mutations only land through Save, like a real store.
type fakeInviteRepo struct {
	mu      sync.Mutex
	recs    map[string]*domain.InviteRecord
	ttls    map[string]time.Duration
	failGet bool
}

func newFakeInviteRepo() *fakeInviteRepo {
	return &fakeInviteRepo{
		recs: make(map[string]*domain.InviteRecord),
		ttls: make(map[string]time.Duration),
	}
}

func (r *fakeInviteRepo) put(token string, rec domain.InviteRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs[token] = &rec
}

func (r *fakeInviteRepo) get(token string) (domain.InviteRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.recs[token]
	if !ok {
		return domain.InviteRecord{}, false
	}
	return copyRecord(rec), true
}

func (r *fakeInviteRepo) Get(ctx context.Context, token string) (*domain.InviteRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failGet {
		return nil, errors.New("store unavailable")
	}
	rec, ok := r.recs[token]
	if !ok {
		return nil, repo.ErrInviteNotFound
	}
	cp := copyRecord(rec)
	return &cp, nil
}

func (r *fakeInviteRepo) Save(ctx context.Context, token string, rec *domain.InviteRecord, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := copyRecord(rec)
	r.recs[token] = &cp
	r.ttls[token] = ttl
	return nil
}

func (r *fakeInviteRepo) SaveKeepTTL(ctx context.Context, token string, rec *domain.InviteRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := copyRecord(rec)
	r.recs[token] = &cp
	return nil
}

func copyRecord(rec *domain.InviteRecord) domain.InviteRecord {
	cp := *rec
	cp.Sessions = append([]domain.SessionAuditEntry(nil), rec.Sessions...)
	return cp
}

// fakeSessionRepo counts best-effort persistence calls.
type fakeSessionRepo struct {
	mu      sync.Mutex
	saves   int
	deletes int
}

func (r *fakeSessionRepo) Save(ctx context.Context, clientID string, ss *domain.PersistedSession, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saves++
}

func (r *fakeSessionRepo) Delete(ctx context.Context, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes++
}

type testEnv struct {
	coord   *Coordinator
	sup     *fakeSupervisor
	invites *fakeInviteRepo
	store   *fakeSessionRepo
}

func defaultTestSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		Timeout:         5 * time.Second,
		MaxQueueSize:    10,
		AverageSession:  45 * time.Minute,
		DisconnectGrace: 60 * time.Millisecond,
		AuditRetention:  30 * 24 * time.Hour,
		Secret:          "test-secret",
	}
}

func newTestEnv(t *testing.T, cfg config.SessionConfig) *testEnv {
	t.Helper()

	l := logger.InitializeTestZapLogger()
	tel, err := telemetry.New("", l)
	if err != nil {
		t.Fatalf("telemetry: %v", err)
	}

	inviteRepo := newFakeInviteRepo()
	store := &fakeSessionRepo{}
	sup := &fakeSupervisor{}

	tcfg := config.TerminalConfig{
		TtydPort:      7681,
		EnvHostPath:   filepath.Join(t.TempDir(), "session.env"),
		HardKillGrace: time.Minute,
	}

	coord := NewCoordinator(
		cfg,
		tcfg,
		NewTokenMinter(cfg.Secret),
		NewInviteService(inviteRepo, tel, cfg.AuditRetention, l),
		store,
		sup,
		func() map[string]string { return map[string]string{"SPLUNK_HEC_TOKEN": "hec-test"} },
		nil,
		nil,
		tel,
		l,
	)

	return &testEnv{coord: coord, sup: sup, invites: inviteRepo, store: store}
}

// connect registers a fresh connection and returns its id and notifier.
func (e *testEnv) connect(sourceAddr string) (string, *fakeNotifier) {
	n := &fakeNotifier{}
	id := e.coord.Register(n, sourceAddr, "test-agent/1.0")
	return id, n
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func activeInvite(expiresIn time.Duration) domain.InviteRecord {
	return domain.InviteRecord{
		ExpiresAt: time.Now().Add(expiresIn),
		MaxUses:   1,
		Status:    domain.InviteStatusActive,
	}
}
