package service

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/observelab/termdemo/internal/domain"
	repo "github.com/observelab/termdemo/internal/repository/redis"
	"github.com/observelab/termdemo/internal/telemetry"
	"github.com/observelab/termdemo/pkg/logger"
)

// tokenSyntax gates tokens before any store lookup.
var tokenSyntax = regexp.MustCompile(`^[A-Za-z0-9_-]{4,64}$`)

// RejoinSnapshot is the coordinator state an invite decision needs: who holds
// the active session and who is waiting, by invite token and source address.
type RejoinSnapshot struct {
	ActiveInviteToken   string
	ActiveSourceAddress string
	Pending             []PendingRef
}

type PendingRef struct {
	InviteToken   string
	SourceAddress string
}

type ValidationResult struct {
	Valid  bool
	Rejoin bool
	Reason domain.ValidationReason
	Record *domain.InviteRecord
}

type InviteService interface {
	// Validate decides whether the token admits the caller. It performs a
	// store read and may write back an expiry flip; it never consumes a use.
	Validate(ctx context.Context, token, sourceAddress string, snap RejoinSnapshot) ValidationResult
	// RecordSessionAudit appends an end-of-session entry and consumes a use.
	// Store failures are logged and swallowed; audit loss must never block a
	// user-visible path.
	RecordSessionAudit(ctx context.Context, token string, entry domain.SessionAuditEntry)
}

type inviteService struct {
	repo           repo.InviteRepository
	tel            telemetry.Emitter
	auditRetention time.Duration
	l              logger.Logger
	nowFn          func() time.Time
}

func NewInviteService(r repo.InviteRepository, tel telemetry.Emitter, auditRetention time.Duration, l logger.Logger) InviteService {
	return &inviteService{
		repo:           r,
		tel:            tel,
		auditRetention: auditRetention,
		l:              l,
		nowFn:          time.Now,
	}
}

func (s *inviteService) Validate(ctx context.Context, token, sourceAddress string, snap RejoinSnapshot) ValidationResult {
	defer s.tel.Span("invite.validate")()

	res := s.validate(ctx, token, sourceAddress, snap)

	status := string(res.Reason)
	if res.Valid && res.Rejoin {
		status = string(domain.ValidationReasonRejoin)
	} else if res.Valid {
		status = string(domain.ValidationReasonValid)
	}
	s.tel.Incr(telemetry.MetricInvitesValidated, "status:"+status)

	return res
}

func (s *inviteService) validate(ctx context.Context, token, sourceAddress string, snap RejoinSnapshot) ValidationResult {
	if !tokenSyntax.MatchString(token) {
		return ValidationResult{Reason: domain.ValidationReasonInvalid}
	}

	rec, err := s.repo.Get(ctx, token)
	if err != nil {
		if err != repo.ErrInviteNotFound {
			// Fail closed on store trouble.
			s.l.Warnf(ctx, "inviteService.Validate: store read failed, treating as not found: %v", err)
		}
		return ValidationResult{Reason: domain.ValidationReasonNotFound}
	}

	if rec.Status == domain.InviteStatusRevoked {
		return ValidationResult{Reason: domain.ValidationReasonRevoked}
	}

	if rec.IsExhausted() {
		if s.isRejoinEligible(token, sourceAddress, snap) {
			return ValidationResult{Valid: true, Rejoin: true, Reason: domain.ValidationReasonRejoin, Record: rec}
		}
		return ValidationResult{Reason: domain.ValidationReasonUsed}
	}

	if rec.ExpiresAt.Before(s.nowFn()) {
		rec.Status = domain.InviteStatusExpired
		if err := s.repo.SaveKeepTTL(ctx, token, rec); err != nil {
			s.l.Warnf(ctx, "inviteService.Validate: failed to persist expiry: %v", err)
		}
		return ValidationResult{Reason: domain.ValidationReasonExpired}
	}

	return ValidationResult{Valid: true, Reason: domain.ValidationReasonValid, Record: rec}
}

// isRejoinEligible allows an exhausted invite when the caller matches the
// active session or a pending-token holder for that invite by source address.
func (s *inviteService) isRejoinEligible(token, sourceAddress string, snap RejoinSnapshot) bool {
	if snap.ActiveInviteToken == token && snap.ActiveSourceAddress == sourceAddress {
		return true
	}
	for _, p := range snap.Pending {
		if p.InviteToken == token && p.SourceAddress == sourceAddress {
			return true
		}
	}
	return false
}

func (s *inviteService) RecordSessionAudit(ctx context.Context, token string, entry domain.SessionAuditEntry) {
	rec, err := s.repo.Get(ctx, token)
	if err != nil {
		s.l.Errorf(ctx, "inviteService.RecordSessionAudit: %v", err)
		return
	}

	rec.Sessions = append(rec.Sessions, entry)
	rec.UseCount++
	if rec.UseCount >= rec.MaxUses {
		rec.Status = domain.InviteStatusUsed
	}

	ttl := time.Until(rec.ExpiresAt.Add(s.auditRetention))
	if ttl < 24*time.Hour {
		ttl = 24 * time.Hour
	}

	if err := s.repo.Save(ctx, token, rec, ttl); err != nil {
		s.l.Errorf(ctx, "inviteService.RecordSessionAudit: %v", err)
		return
	}

	s.l.Infof(ctx, "Invite audit recorded: token=%s useCount=%d status=%s", token, rec.UseCount, rec.Status)
}

// ValidationMessage maps a rejection reason to the human-readable text sent
// in invite_invalid frames and 401 bodies.
func ValidationMessage(reason domain.ValidationReason) string {
	switch reason {
	case domain.ValidationReasonInvalid:
		return "Invite token is malformed"
	case domain.ValidationReasonNotFound:
		return "Invite token not found"
	case domain.ValidationReasonRevoked:
		return "Invite token has been revoked"
	case domain.ValidationReasonUsed:
		return "Invite token has already been used"
	case domain.ValidationReasonExpired:
		return "Invite token has expired"
	default:
		return fmt.Sprintf("Invite token rejected: %s", reason)
	}
}
