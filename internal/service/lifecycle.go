package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	kafka "github.com/observelab/termdemo/internal/delivery/kafka"
	"github.com/observelab/termdemo/internal/domain"
	"github.com/observelab/termdemo/internal/models"
	"github.com/observelab/termdemo/internal/telemetry"
	"github.com/observelab/termdemo/internal/terminal"
	"github.com/observelab/termdemo/pkg/util"
)

// startSessionLocked reserves the active slot for the client, moves its token
// into the session map, arms the timers, and notifies it, all before the
// subprocess is reachable. The spawn itself runs on its own goroutine; a
// spawn failure reverts the slot and advances the queue.
func (c *Coordinator) startSessionLocked(cl *client, promoted bool) []func() {
	sessionID := uuid.New().String()

	token := cl.PendingSessionToken
	if token == "" {
		token = c.minter.Mint(sessionID)
	}

	now := c.nowFn()
	var waitMs int64
	if cl.JoinedAt != nil {
		waitMs = now.Sub(*cl.JoinedAt).Milliseconds()
	}

	sess := &domain.Session{
		ID:            sessionID,
		ClientID:      cl.ID,
		Token:         token,
		InviteToken:   cl.InviteToken,
		SourceAddress: cl.SourceAddress,
		UserAgent:     cl.UserAgent,
		StartedAt:     now,
		ExpiresAt:     now.Add(c.cfg.Timeout),
		QueueWaitMs:   waitMs,
	}

	c.active = sess
	cl.State = domain.ClientStateActive
	cl.PendingSessionToken = token
	delete(c.pendingTokens, token)
	c.sessionTokens[token] = sessionID

	c.armSessionTimersLocked(sessionID)

	cl.notifier.Notify(models.NewSessionToken(token))
	cl.notifier.Notify(models.SessionStartingMsg{
		Type:         models.MsgTypeSessionStart,
		TerminalURL:  TerminalURL,
		ExpiresAt:    iso8601(sess.ExpiresAt),
		SessionToken: token,
	})

	c.tel.Histogram(telemetry.MetricQueueWait, float64(waitMs)/1000.0)
	c.tel.Incr(telemetry.MetricSessionsStarted)

	c.l.Infof(context.Background(), "Session starting: session_id=%s client_id=%s promoted=%t wait_ms=%d",
		sessionID, cl.ID, promoted, waitMs)

	go c.spawnSession(sessionID)

	snapshot := persistedSession(sess)
	clientID := cl.ID
	ttl := c.cfg.Timeout
	return []func(){
		func() {
			c.store.Save(context.Background(), clientID, snapshot, ttl)
		},
		c.publishSessionStarted(sess, false),
	}
}

// spawnSession writes the credential file and starts the terminal sharer. It
// runs off the coordinator lock; the slot was already reserved, so concurrent
// joins observe an active session throughout.
func (c *Coordinator) spawnSession(sessionID string) {
	ctx := context.Background()
	done := c.tel.Span("session.start")
	defer done()

	cleanup, err := terminal.WriteCredentialFile(c.tcfg.EnvHostPath, c.creds())
	if err != nil {
		c.spawnFailed(ctx, sessionID, nil, err)
		return
	}

	spawnStart := time.Now()
	proc, err := c.sup.Spawn(ctx, c.tcfg.EnvHostPath, func(error) {
		c.onProcessExit(sessionID)
	})
	if err != nil {
		c.spawnFailed(ctx, sessionID, cleanup, err)
		return
	}
	c.tel.Histogram(telemetry.MetricTtydSpawn, time.Since(spawnStart).Seconds())

	c.mu.Lock()
	if c.active == nil || c.active.ID != sessionID {
		// The session ended while the subprocess was starting.
		c.mu.Unlock()
		proc.Terminate()
		cleanup()
		return
	}
	c.activeProc = proc
	c.credCleanup = cleanup
	c.mu.Unlock()
}

// spawnFailed reverts a reserved slot: the client drops back to connected
// with an error frame, the slot frees, and the queue advances.
func (c *Coordinator) spawnFailed(ctx context.Context, sessionID string, cleanup func(), err error) {
	c.l.Errorf(ctx, "coordinator: terminal spawn failed: %v", err)
	if cleanup != nil {
		cleanup()
	}

	c.mu.Lock()
	if c.active == nil || c.active.ID != sessionID {
		c.mu.Unlock()
		return
	}
	sess := c.active
	c.active = nil
	c.stopSessionTimersLocked()
	delete(c.sessionTokens, sess.Token)

	if cl := c.clients[sess.ClientID]; cl != nil {
		cl.State = domain.ClientStateConnected
		cl.PendingSessionToken = ""
		cl.JoinedAt = nil
		cl.notifier.Notify(models.NewError(ErrSpawnFailed.Error()))
	}

	posts := []func(){func() {
		c.store.Delete(context.Background(), sess.ClientID)
	}}
	posts = append(posts, c.promoteLocked()...)
	c.mu.Unlock()

	runAll(posts)
}

// onProcessExit ends the session when the subprocess goes away, if it is
// still the current session.
func (c *Coordinator) onProcessExit(sessionID string) {
	c.endSession(sessionID, domain.EndReasonContainerExit)
}

// endSession is the timer/exit entry point; the identity check makes late
// firings no-ops.
func (c *Coordinator) endSession(sessionID string, reason domain.EndReason) {
	done := c.tel.Span("session.end")
	defer done()

	c.mu.Lock()
	if c.active == nil || (sessionID != "" && c.active.ID != sessionID) {
		c.mu.Unlock()
		return
	}
	posts := c.endSessionLocked(reason)
	c.mu.Unlock()
	runAll(posts)
}

// endSessionLocked tears the session down: metrics, subprocess soft kill,
// credential file release, token eviction, audit, holder notification,
// persistence delete, slot clear, promotion.
func (c *Coordinator) endSessionLocked(reason domain.EndReason) []func() {
	if c.active == nil {
		return nil
	}

	sess := c.active
	proc := c.activeProc
	cleanup := c.credCleanup
	c.active = nil
	c.activeProc = nil
	c.credCleanup = nil

	c.stopSessionTimersLocked()
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}

	now := c.nowFn()
	duration := now.Sub(sess.StartedAt)
	c.tel.Histogram(telemetry.MetricSessionDuration, duration.Seconds(), "reason:"+string(reason))
	c.tel.Incr(telemetry.MetricSessionsEnded, "reason:"+string(reason))

	delete(c.sessionTokens, sess.Token)

	if cl := c.clients[sess.ClientID]; cl != nil {
		cl.notifier.Notify(models.NewSessionEnded(string(reason)))
		cl.State = domain.ClientStateConnected
		cl.PendingSessionToken = ""
		cl.InviteToken = ""
		cl.JoinedAt = nil
	}

	c.l.Infof(context.Background(), "Session ended: session_id=%s client_id=%s reason=%s duration=%s",
		sess.ID, sess.ClientID, reason, duration)

	var posts []func()
	if proc != nil {
		posts = append(posts, func() { proc.Terminate() })
	}
	if cleanup != nil {
		posts = append(posts, cleanup)
	}
	if sess.InviteToken != "" {
		entry := domain.SessionAuditEntry{
			SessionID:     sess.ID,
			ClientID:      sess.ClientID,
			StartedAt:     sess.StartedAt,
			EndedAt:       now,
			EndReason:     string(reason),
			QueueWaitMs:   sess.QueueWaitMs,
			SourceAddress: sess.SourceAddress,
			UserAgent:     sess.UserAgent,
		}
		inviteToken := sess.InviteToken
		posts = append(posts, func() {
			c.invites.RecordSessionAudit(context.Background(), inviteToken, entry)
		})
	}
	clientID := sess.ClientID
	posts = append(posts, func() {
		c.store.Delete(context.Background(), clientID)
	})
	posts = append(posts, c.publishSessionEnded(sess, reason, duration))
	posts = append(posts, c.promoteLocked()...)

	return posts
}

// promoteLocked advances the queue into the freed slot: dead heads are
// discarded without disturbing the rest of the ordering.
func (c *Coordinator) promoteLocked() []func() {
	for len(c.queue) > 0 {
		id := c.queue[0]
		c.queue = c.queue[1:]

		cl := c.clients[id]
		if cl == nil || cl.State != domain.ClientStateQueued {
			continue
		}

		posts := c.startSessionLocked(cl, true)
		c.broadcastPositionsLocked()
		return posts
	}
	return nil
}

// armSessionTimersLocked sets the warning, soft-timeout, and hard-kill
// timers. Each rechecks the session identity when it fires.
func (c *Coordinator) armSessionTimersLocked(sessionID string) {
	warnDelay := c.cfg.Timeout - 5*time.Minute
	if warnDelay > 0 {
		c.warnTimer = time.AfterFunc(warnDelay, func() {
			c.sessionWarning(sessionID)
		})
	}
	c.timeoutTimer = time.AfterFunc(c.cfg.Timeout, func() {
		c.endSession(sessionID, domain.EndReasonTimeout)
	})
	c.hardKillTimer = time.AfterFunc(c.cfg.Timeout+c.tcfg.HardKillGrace, func() {
		c.sessionHardKill(sessionID)
	})
}

func (c *Coordinator) stopSessionTimersLocked() {
	for _, t := range []*time.Timer{c.warnTimer, c.timeoutTimer, c.hardKillTimer} {
		if t != nil {
			t.Stop()
		}
	}
	c.warnTimer = nil
	c.timeoutTimer = nil
	c.hardKillTimer = nil
}

func (c *Coordinator) sessionWarning(sessionID string) {
	c.mu.Lock()
	if c.active == nil || c.active.ID != sessionID {
		c.mu.Unlock()
		return
	}
	cl := c.clients[c.active.ClientID]
	c.mu.Unlock()

	if cl != nil {
		cl.notifier.Notify(models.NewSessionWarning(5))
	}
}

// sessionHardKill force-kills a subprocess still alive past the grace beyond
// the soft timeout.
func (c *Coordinator) sessionHardKill(sessionID string) {
	c.mu.Lock()
	if c.active == nil || c.active.ID != sessionID || c.activeProc == nil {
		c.mu.Unlock()
		return
	}
	proc := c.activeProc
	c.mu.Unlock()

	c.l.Warnf(context.Background(), "Hard-killing session subprocess: session_id=%s pid=%d", sessionID, proc.Pid())
	proc.Kill()
}

func (c *Coordinator) publishQueueJoined(clientID string, position, queueSize int, joinedAt time.Time) func() {
	if c.prod == nil {
		return nil
	}
	return func() {
		ctx := context.Background()
		if err := c.prod.PublishQueueJoined(ctx, kafka.QueueJoinedEvent{
			ClientID:  clientID,
			Position:  position,
			QueueSize: queueSize,
			JoinedAt:  joinedAt,
		}); err != nil {
			c.l.Warnf(ctx, "Failed to publish queue joined event: %v", err)
		}
	}
}

func (c *Coordinator) publishQueueLeft(clientID, reason string) func() {
	if c.prod == nil {
		return func() {}
	}
	return func() {
		ctx := context.Background()
		if err := c.prod.PublishQueueLeft(ctx, kafka.QueueLeftEvent{
			ClientID: clientID,
			Reason:   reason,
		}); err != nil {
			c.l.Warnf(ctx, "Failed to publish queue left event: %v", err)
		}
	}
}

func (c *Coordinator) publishSessionStarted(sess *domain.Session, reconnected bool) func() {
	if c.prod == nil {
		return nil
	}
	ev := kafka.SessionStartedEvent{
		SessionID:   sess.ID,
		ClientID:    sess.ClientID,
		Reconnected: reconnected,
		QueueWaitMs: sess.QueueWaitMs,
		StartedAt:   sess.StartedAt,
		ExpiresAt:   sess.ExpiresAt,
	}
	return func() {
		ctx := context.Background()
		if err := c.prod.PublishSessionStarted(ctx, ev); err != nil {
			c.l.Warnf(ctx, "Failed to publish session started event: %v", err)
		}
	}
}

func (c *Coordinator) publishSessionEnded(sess *domain.Session, reason domain.EndReason, duration time.Duration) func() {
	if c.prod == nil {
		return nil
	}
	ev := kafka.SessionEndedEvent{
		SessionID:   sess.ID,
		ClientID:    sess.ClientID,
		Reason:      string(reason),
		DurationSec: duration.Seconds(),
	}
	return func() {
		ctx := context.Background()
		if err := c.prod.PublishSessionEnded(ctx, ev); err != nil {
			c.l.Warnf(ctx, "Failed to publish session ended event: %v", err)
		}
	}
}

func persistedSession(sess *domain.Session) *domain.PersistedSession {
	return &domain.PersistedSession{
		SessionID:     sess.ID,
		StartedAt:     sess.StartedAt,
		ExpiresAt:     sess.ExpiresAt,
		InviteToken:   sess.InviteToken,
		SourceAddress: sess.SourceAddress,
		UserAgent:     sess.UserAgent,
		QueueWaitMs:   sess.QueueWaitMs,
	}
}

func iso8601(t time.Time) string {
	return util.TimeToISO8601Str(t)
}
