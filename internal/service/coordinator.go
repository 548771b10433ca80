package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/observelab/termdemo/config"
	"github.com/observelab/termdemo/internal/delivery/kafka/producer"
	"github.com/observelab/termdemo/internal/domain"
	"github.com/observelab/termdemo/internal/models"
	"github.com/observelab/termdemo/internal/ratelimit"
	repo "github.com/observelab/termdemo/internal/repository/redis"
	"github.com/observelab/termdemo/internal/telemetry"
	"github.com/observelab/termdemo/internal/terminal"
	"github.com/observelab/termdemo/pkg/logger"
)

// TerminalURL is the reverse-proxy path that forwards to the ttyd port.
const TerminalURL = "/terminal"

// Coordinator owns the queue, the single active-session slot, the two token
// maps, and the reconnect lock. All state mutations serialize under one
// mutex; store round trips and the subprocess spawn run outside it with a
// recheck on re-entry, and timers carry identity checks instead of relying on
// cancellation alone.
type Coordinator struct {
	cfg  config.SessionConfig
	tcfg config.TerminalConfig

	l       logger.Logger
	tel     telemetry.Emitter
	minter  *TokenMinter
	invites InviteService
	store   repo.SessionRepository
	sup     terminal.Supervisor
	creds   func() map[string]string
	prod    producer.Producer  // nil when the event stream is disabled
	limiter *ratelimit.Limiter // nil when rate limiting is disabled

	mu            sync.Mutex
	clients       map[string]*client
	queue         []string
	active        *domain.Session
	activeProc    terminal.Process
	credCleanup   func()
	pendingTokens map[string]domain.PendingToken
	sessionTokens map[string]string
	reconnectLock bool
	graceTimer    *time.Timer
	warnTimer     *time.Timer
	timeoutTimer  *time.Timer
	hardKillTimer *time.Timer
	closed        bool

	nowFn func() time.Time
}

func NewCoordinator(
	cfg config.SessionConfig,
	tcfg config.TerminalConfig,
	minter *TokenMinter,
	invites InviteService,
	store repo.SessionRepository,
	sup terminal.Supervisor,
	creds func() map[string]string,
	prod producer.Producer,
	limiter *ratelimit.Limiter,
	tel telemetry.Emitter,
	l logger.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:           cfg,
		tcfg:          tcfg,
		l:             l,
		tel:           tel,
		minter:        minter,
		invites:       invites,
		store:         store,
		sup:           sup,
		creds:         creds,
		prod:          prod,
		limiter:       limiter,
		clients:       make(map[string]*client),
		pendingTokens: make(map[string]domain.PendingToken),
		sessionTokens: make(map[string]string),
		nowFn:         time.Now,
	}
}

// Register records a freshly opened connection and sends the initial status
// frame. Returns the process-unique client id.
func (c *Coordinator) Register(n Notifier, sourceAddress, userAgent string) string {
	id := uuid.New().String()

	c.mu.Lock()
	c.clients[id] = &client{
		Client: domain.Client{
			ID:            id,
			State:         domain.ClientStateConnected,
			SourceAddress: sourceAddress,
			UserAgent:     userAgent,
		},
		notifier: n,
	}
	queueSize := len(c.queue)
	sessionActive := c.active != nil
	c.mu.Unlock()

	n.Notify(models.NewStatus(queueSize, sessionActive))

	c.l.Infof(context.Background(), "Client connected: client_id=%s addr=%s", id, sourceAddress)

	return id
}

// Join handles a join_queue intent: reconnect takeover, invite validation,
// direct admission, or queue entry.
func (c *Coordinator) Join(ctx context.Context, clientID, inviteToken string) {
	c.mu.Lock()
	cl := c.clients[clientID]
	if cl == nil || c.closed {
		c.mu.Unlock()
		return
	}
	if cl.State != domain.ClientStateConnected {
		n := cl.notifier
		c.mu.Unlock()
		n.Notify(models.NewError(ErrAlreadyInQueue.Error()))
		return
	}

	// Reconnect needs no store round trip: the session already proved the
	// invite, token equality is enough.
	if c.active != nil && c.active.CanReconnect(inviteToken, cl.SourceAddress) {
		posts := c.reconnectLocked(cl, inviteToken)
		c.mu.Unlock()
		runAll(posts)
		return
	}

	snap := c.rejoinSnapshotLocked()
	c.mu.Unlock()

	// Invite validation does store I/O; the slot is rechecked afterwards.
	if inviteToken != "" {
		res := c.invites.Validate(ctx, inviteToken, cl.SourceAddress, snap)
		if !res.Valid {
			if c.limiter != nil {
				c.limiter.RecordFailure(cl.SourceAddress)
			}
			cl.notifier.Notify(models.NewInviteInvalid(string(res.Reason), ValidationMessage(res.Reason)))
			return
		}
		if c.limiter != nil {
			c.limiter.RecordSuccess(cl.SourceAddress)
		}
	}

	c.mu.Lock()
	posts := c.admitLocked(cl, inviteToken)
	c.mu.Unlock()
	runAll(posts)
}

// admitLocked finishes a join after validation, re-verifying every
// precondition the unlocked window may have invalidated.
func (c *Coordinator) admitLocked(cl *client, inviteToken string) []func() {
	if c.closed || c.clients[cl.ID] != cl || cl.State != domain.ClientStateConnected {
		return nil
	}

	// The holder may have dropped while we were validating; the same join is
	// now a reconnect.
	if c.active != nil && c.active.CanReconnect(inviteToken, cl.SourceAddress) {
		return c.reconnectLocked(cl, inviteToken)
	}

	cl.InviteToken = inviteToken

	if c.active == nil && len(c.queue) == 0 {
		now := c.nowFn()
		cl.JoinedAt = &now
		return c.startSessionLocked(cl, false)
	}

	if len(c.queue) >= c.cfg.MaxQueueSize {
		cl.notifier.Notify(models.NewQueueFull("The queue is currently full. Please try again later."))
		return nil
	}

	now := c.nowFn()
	cl.JoinedAt = &now
	token := c.minter.Mint(cl.ID)
	cl.PendingSessionToken = token
	c.pendingTokens[token] = domain.PendingToken{
		ClientID:      cl.ID,
		InviteToken:   inviteToken,
		SourceAddress: cl.SourceAddress,
		CreatedAt:     now,
	}
	c.queue = append(c.queue, cl.ID)
	cl.State = domain.ClientStateQueued

	cl.notifier.Notify(models.NewSessionToken(token))
	c.broadcastPositionsLocked()

	position := len(c.queue)
	c.l.Infof(context.Background(), "Client queued: client_id=%s position=%d", cl.ID, position)

	return []func(){c.publishQueueJoined(cl.ID, position, len(c.queue), now)}
}

// Leave removes a queued client. Idempotent: a non-queued client is a no-op
// and emits nothing.
func (c *Coordinator) Leave(ctx context.Context, clientID string) {
	c.mu.Lock()
	cl := c.clients[clientID]
	if cl == nil || !cl.IsQueued() {
		c.mu.Unlock()
		return
	}

	c.removeFromQueueLocked(clientID)
	delete(c.pendingTokens, cl.PendingSessionToken)
	cl.State = domain.ClientStateConnected
	cl.JoinedAt = nil
	cl.InviteToken = ""
	cl.PendingSessionToken = ""

	cl.notifier.Notify(models.NewLeftQueue())
	c.broadcastPositionsLocked()
	post := c.publishQueueLeft(clientID, "user_left")
	c.mu.Unlock()

	c.l.Infof(ctx, "Client left queue: client_id=%s", clientID)
	post()
}

// Heartbeat acknowledges a keepalive frame.
func (c *Coordinator) Heartbeat(clientID string) {
	c.mu.Lock()
	cl := c.clients[clientID]
	c.mu.Unlock()

	if cl != nil {
		cl.notifier.Notify(models.NewHeartbeatAck())
	}
}

// Disconnect reacts to a closed connection: queued clients are removed
// promptly, the active holder enters the reconnect grace window.
func (c *Coordinator) Disconnect(ctx context.Context, clientID string) {
	c.mu.Lock()
	cl := c.clients[clientID]
	if cl == nil {
		c.mu.Unlock()
		return
	}
	delete(c.clients, clientID)

	var posts []func()
	switch {
	case cl.IsQueued():
		c.removeFromQueueLocked(clientID)
		delete(c.pendingTokens, cl.PendingSessionToken)
		c.broadcastPositionsLocked()
		posts = append(posts, c.publishQueueLeft(clientID, "disconnected"))

	case c.active != nil && c.active.ClientID == clientID:
		now := c.nowFn()
		c.active.AwaitingReconnect = true
		c.active.DisconnectedAt = &now
		sessionID := c.active.ID
		if c.graceTimer != nil {
			c.graceTimer.Stop()
		}
		c.graceTimer = time.AfterFunc(c.cfg.DisconnectGrace, func() {
			c.graceExpired(sessionID)
		})
		c.l.Infof(ctx, "Session holder disconnected, grace window open: session_id=%s grace=%s",
			sessionID, c.cfg.DisconnectGrace)
	}
	cl.State = domain.ClientStateEnded
	c.mu.Unlock()

	runAll(posts)
}

// graceExpired ends the session with reason disconnected unless a reconnect
// claimed it first.
func (c *Coordinator) graceExpired(sessionID string) {
	c.mu.Lock()
	if c.active == nil || c.active.ID != sessionID || !c.active.AwaitingReconnect {
		c.mu.Unlock()
		return
	}
	posts := c.endSessionLocked(domain.EndReasonDisconnected)
	c.mu.Unlock()
	runAll(posts)
}

// reconnectLocked hands the existing session to a new connection from the
// original address. The reconnect lock rejects a second claim arriving while
// one is being processed.
func (c *Coordinator) reconnectLocked(cl *client, inviteToken string) []func() {
	if c.reconnectLock {
		cl.notifier.Notify(models.NewError(ErrReconnectInProgress.Error()))
		return nil
	}
	c.reconnectLock = true
	defer func() { c.reconnectLock = false }()

	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}

	sess := c.active
	oldClientID := sess.ClientID
	sess.ClientID = cl.ID
	sess.AwaitingReconnect = false
	sess.DisconnectedAt = nil

	cl.State = domain.ClientStateActive
	cl.InviteToken = inviteToken
	cl.PendingSessionToken = sess.Token

	cl.notifier.Notify(models.NewSessionToken(sess.Token))
	cl.notifier.Notify(models.SessionStartingMsg{
		Type:         models.MsgTypeSessionStart,
		TerminalURL:  TerminalURL,
		ExpiresAt:    iso8601(sess.ExpiresAt),
		SessionToken: sess.Token,
		Reconnected:  true,
	})

	c.l.Infof(context.Background(), "Session reconnected: session_id=%s old_client=%s new_client=%s",
		sess.ID, oldClientID, cl.ID)

	snapshot := persistedSession(sess)
	newClientID := cl.ID
	ttl := sess.ExpiresAt.Sub(c.nowFn())
	return []func(){
		func() {
			ctx := context.Background()
			c.store.Delete(ctx, oldClientID)
			c.store.Save(ctx, newClientID, snapshot, ttl)
		},
		c.publishSessionStarted(sess, true),
	}
}

// ValidateSessionToken answers the reverse proxy's auth sub-request: a token
// is live iff it maps to the current session or to a pending queue entry.
// Stale session-map entries are evicted on sight.
func (c *Coordinator) ValidateSessionToken(token string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if sessionID, ok := c.sessionTokens[token]; ok {
		if c.active != nil && c.active.ID == sessionID {
			return "demo-" + shortID(sessionID), true
		}
		delete(c.sessionTokens, token)
		return "", false
	}

	if pt, ok := c.pendingTokens[token]; ok {
		return "demo-" + shortID(pt.ClientID), true
	}

	return "", false
}

// Status backs GET /status.
func (c *Coordinator) Status() StatusOutput {
	c.mu.Lock()
	defer c.mu.Unlock()

	return StatusOutput{
		QueueSize:     len(c.queue),
		SessionActive: c.active != nil,
		EstimatedWait: c.estimatedWait(len(c.queue)),
		MaxQueueSize:  c.cfg.MaxQueueSize,
	}
}

// QueueSize and SessionActive feed the pollable gauges.
func (c *Coordinator) QueueSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Coordinator) SessionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil
}

// Shutdown ends the active session with reason shutdown and refuses further
// joins. Called before the listener closes.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	c.closed = true
	posts := c.endSessionLocked(domain.EndReasonShutdown)
	c.mu.Unlock()
	runAll(posts)

	c.l.Info(ctx, "Coordinator shut down")
}

// RejoinSnapshot exposes the rejoin-eligibility view for out-of-band invite
// validation (the HTTP sub-request path).
func (c *Coordinator) RejoinSnapshot() RejoinSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rejoinSnapshotLocked()
}

func (c *Coordinator) rejoinSnapshotLocked() RejoinSnapshot {
	snap := RejoinSnapshot{}
	if c.active != nil {
		snap.ActiveInviteToken = c.active.InviteToken
		snap.ActiveSourceAddress = c.active.SourceAddress
	}
	for _, pt := range c.pendingTokens {
		snap.Pending = append(snap.Pending, PendingRef{
			InviteToken:   pt.InviteToken,
			SourceAddress: pt.SourceAddress,
		})
	}
	return snap
}

func (c *Coordinator) removeFromQueueLocked(clientID string) {
	for i, id := range c.queue {
		if id == clientID {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) broadcastPositionsLocked() {
	queueSize := len(c.queue)
	for i, id := range c.queue {
		cl := c.clients[id]
		if cl == nil {
			continue
		}
		cl.notifier.Notify(models.NewQueuePosition(i+1, queueSize, c.estimatedWait(i+1)))
	}
}

func (c *Coordinator) estimatedWait(position int) string {
	minutes := position * int(c.cfg.AverageSession.Minutes())
	return fmt.Sprintf("%d minutes", minutes)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func runAll(fns []func()) {
	for _, fn := range fns {
		if fn != nil {
			fn()
		}
	}
}
