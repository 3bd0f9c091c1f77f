package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-provenance/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-provenance/pkg/audit"
	"github.com/ekaya-inc/ekaya-provenance/pkg/database"
	"github.com/ekaya-inc/ekaya-provenance/pkg/ledger"
	"github.com/ekaya-inc/ekaya-provenance/pkg/metrics"
	"github.com/ekaya-inc/ekaya-provenance/pkg/models"
	"github.com/ekaya-inc/ekaya-provenance/pkg/repositories"
	"github.com/ekaya-inc/ekaya-provenance/pkg/retry"
)

const (
	// DefaultLedgerPageSize is used when List is called without a limit.
	DefaultLedgerPageSize = 100
	// MaxLedgerPageSize caps a single List call.
	MaxLedgerPageSize = 1000
)

// PreparedEvent is a ledger event built against a specific head. Committing it
// fails with apperrors.ErrChainHeadMoved if the head has advanced since.
type PreparedEvent struct {
	PrevSeq int64
	Event   *models.LedgerEvent
}

// LedgerService appends to and verifies per-tenant hash chains.
type LedgerService interface {
	// Append adds one event, retrying on head contention.
	Append(ctx context.Context, tenantID uuid.UUID, correlationID, eventType string, payload any) (*models.LedgerEvent, error)
	// VerifyChain replays the chain up to the head observed at the start of
	// the call and reports the first break.
	VerifyChain(ctx context.Context, tenantID uuid.UUID) (*models.ChainVerification, error)
	// List returns events with seq > afterSeq.
	List(ctx context.Context, tenantID uuid.UUID, afterSeq int64, limit int) ([]models.LedgerEvent, error)
	// GetBySeq returns a single event.
	GetBySeq(ctx context.Context, tenantID uuid.UUID, seq int64) (*models.LedgerEvent, error)

	// Prepare builds the next event from the current head without writing.
	Prepare(ctx context.Context, tenantID uuid.UUID, correlationID, eventType string, payload any) (*PreparedEvent, error)
	// Commit advances the head and stores the event. Callers composing a
	// larger unit of work run it inside their own transaction.
	Commit(ctx context.Context, p *PreparedEvent) error
}

type ledgerService struct {
	repo     repositories.LedgerRepository
	tx       database.Transactor
	auditor  *audit.SecurityAuditor
	retryCfg *retry.Config
	now      func() time.Time
	logger   *zap.Logger
}

// NewLedgerService creates a new ledger service.
func NewLedgerService(
	repo repositories.LedgerRepository,
	tx database.Transactor,
	auditor *audit.SecurityAuditor,
	logger *zap.Logger,
) LedgerService {
	return &ledgerService{
		repo:     repo,
		tx:       tx,
		auditor:  auditor,
		retryCfg: retry.ContentionConfig(),
		now:      time.Now,
		logger:   logger.Named("ledger-service"),
	}
}

var _ LedgerService = (*ledgerService)(nil)

// IsHeadMoved reports whether err means another writer advanced the chain.
func IsHeadMoved(err error) bool {
	return errors.Is(err, apperrors.ErrChainHeadMoved)
}

// contentionExhausted converts a head-moved error that survived all retries
// into a retryable error for the caller.
func contentionExhausted(err error) error {
	if IsHeadMoved(err) {
		return apperrors.Transient("LEDGER_CONTENTION", "ledger head kept moving; retry the request", err)
	}
	return err
}

func (s *ledgerService) Append(ctx context.Context, tenantID uuid.UUID, correlationID, eventType string, payload any) (*models.LedgerEvent, error) {
	if correlationID == "" || eventType == "" {
		return nil, apperrors.Validation("LEDGER_EVENT_INVALID", "correlation_id and event_type are required")
	}

	event, err := retry.DoWithResultWhen(ctx, s.retryCfg, IsHeadMoved, func() (*models.LedgerEvent, error) {
		p, err := s.Prepare(ctx, tenantID, correlationID, eventType, payload)
		if err != nil {
			return nil, err
		}
		if err := s.tx.InTx(ctx, func(ctx context.Context) error {
			return s.Commit(ctx, p)
		}); err != nil {
			return nil, err
		}
		return p.Event, nil
	})
	metrics.LedgerAppendsTotal.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		return nil, contentionExhausted(err)
	}

	s.logger.Debug("Appended ledger event",
		zap.String("tenant_id", tenantID.String()),
		zap.Int64("seq", event.Seq),
		zap.String("event_type", eventType))
	return event, nil
}

func (s *ledgerService) Prepare(ctx context.Context, tenantID uuid.UUID, correlationID, eventType string, payload any) (*PreparedEvent, error) {
	head, err := s.repo.GetHead(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	event, err := ledger.NewEvent(head, tenantID, correlationID, eventType, payload, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to build ledger event: %w", err)
	}

	var prevSeq int64
	if head != nil {
		prevSeq = head.LastSeq
	}
	return &PreparedEvent{PrevSeq: prevSeq, Event: event}, nil
}

func (s *ledgerService) Commit(ctx context.Context, p *PreparedEvent) error {
	// The head CAS runs first: a lost race affects zero rows and leaves the
	// surrounding transaction usable.
	if err := s.repo.AdvanceHead(ctx, p.PrevSeq, p.Event); err != nil {
		if IsHeadMoved(err) {
			metrics.LedgerCASRetriesTotal.Inc()
		}
		return err
	}
	return s.repo.InsertEvent(ctx, p.Event)
}

func (s *ledgerService) List(ctx context.Context, tenantID uuid.UUID, afterSeq int64, limit int) ([]models.LedgerEvent, error) {
	if afterSeq < 0 {
		return nil, apperrors.Validation("INVALID_AFTER_SEQ", "after_seq must not be negative")
	}
	return s.repo.List(ctx, tenantID, afterSeq, clampPageSize(limit))
}

func (s *ledgerService) GetBySeq(ctx context.Context, tenantID uuid.UUID, seq int64) (*models.LedgerEvent, error) {
	return s.repo.GetBySeq(ctx, tenantID, seq)
}

func (s *ledgerService) VerifyChain(ctx context.Context, tenantID uuid.UUID) (*models.ChainVerification, error) {
	result, err := s.verifyChain(ctx, tenantID)
	switch {
	case err != nil:
		metrics.LedgerVerificationsTotal.WithLabelValues("error").Inc()
		return nil, err
	case result.Valid:
		metrics.LedgerVerificationsTotal.WithLabelValues("valid").Inc()
	default:
		metrics.LedgerVerificationsTotal.WithLabelValues("broken").Inc()
		s.auditor.LogChainBreak(ctx, tenantID, audit.ChainBreakDetails{
			Seq:      result.Break.Seq,
			Reason:   result.Break.Reason,
			Expected: result.Break.Expected,
			Actual:   result.Break.Actual,
		})
	}
	return result, nil
}

func (s *ledgerService) verifyChain(ctx context.Context, tenantID uuid.UUID) (*models.ChainVerification, error) {
	head, err := s.repo.GetHead(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	var headSeq int64
	var headHash string
	if head != nil {
		headSeq, headHash = head.LastSeq, head.LastHash
	}

	total := models.ChainVerification{TenantID: tenantID, Valid: true}
	var afterSeq int64
	var afterHash string

	for afterSeq < headSeq {
		events, err := s.repo.List(ctx, tenantID, afterSeq, MaxLedgerPageSize)
		if err != nil {
			return nil, err
		}
		// Events appended after the head snapshot belong to a later verification.
		for i := range events {
			if events[i].Seq > headSeq {
				events = events[:i]
				break
			}
		}
		if len(events) == 0 {
			break
		}

		page := ledger.VerifyEvents(events, afterSeq, afterHash)
		total.EventsChecked += page.EventsChecked
		if !page.Valid {
			total.Valid = false
			total.Break = page.Break
			total.HeadHash = afterHash
			return &total, nil
		}
		last := events[len(events)-1]
		afterSeq, afterHash = last.Seq, last.EventHash
	}

	total.HeadHash = afterHash
	if afterSeq != headSeq || afterHash != headHash {
		total.Valid = false
		total.Break = &models.ChainBreak{
			Seq:       headSeq,
			EventHash: headHash,
			Reason:    models.BreakHeadMismatch,
			Expected:  headHash,
			Actual:    afterHash,
		}
	}
	return &total, nil
}

func clampPageSize(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLedgerPageSize
	case limit > MaxLedgerPageSize:
		return MaxLedgerPageSize
	default:
		return limit
	}
}
