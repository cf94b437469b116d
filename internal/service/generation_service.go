package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/digkill/TGImageBot/internal/cache"
	"github.com/digkill/TGImageBot/internal/config"
	"github.com/digkill/TGImageBot/internal/metrics"
	"github.com/digkill/TGImageBot/internal/models"
)

const (
	MaxPromptRunes  = 300
	MaxCaptionRunes = 200
	DefaultCaption  = "make it cool"
)

var ErrInvalidRequest = errors.New("invalid generation request")

type State string

const (
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
)

type Reason string

const (
	ReasonInsufficientCredit Reason = "insufficient_credit"
	ReasonGenerationFailure  Reason = "generation_failure"
	ReasonInvalidRequest     Reason = "invalid_request"
	ReasonInternal           Reason = "internal"
)

// Outcome is the terminal result of one request. Artifact is set only when
// State is StateDelivered.
type Outcome struct {
	State       State
	Reason      Reason
	Artifact    []byte
	FromCache   bool
	Fingerprint string
	Refunded    bool
	Err         error
}

func (o Outcome) Delivered() bool {
	return o.State == StateDelivered
}

type Ledger interface {
	ConsumeCredit(ctx context.Context, userID int64) (bool, error)
	Refund(ctx context.Context, userID int64) error
}

type Executor interface {
	Generate(ctx context.Context, req models.GenerationRequest) ([]byte, error)
	Edit(ctx context.Context, req models.GenerationRequest) ([]byte, error)
}

type GenerationLogger interface {
	Log(ctx context.Context, entry models.GenerationLog) error
}

// GenerationService gates image generation behind the credit ledger and the
// result cache.
type GenerationService struct {
	ledger          Ledger
	cache           cache.Store
	executor        Executor
	logs            GenerationLogger
	log             zerolog.Logger
	metrics         *metrics.Recorder
	timeout         time.Duration
	refundOnFailure bool
}

func NewGenerationService(cfg config.Config, ledger Ledger, store cache.Store, executor Executor, logs GenerationLogger, log zerolog.Logger, rec *metrics.Recorder) *GenerationService {
	return &GenerationService{
		ledger:          ledger,
		cache:           store,
		executor:        executor,
		logs:            logs,
		log:             log.With().Str("component", "gate").Logger(),
		metrics:         rec,
		timeout:         cfg.GenerationTimeout,
		refundOnFailure: cfg.RefundOnFailure,
	}
}

// Normalize trims and truncates request text. Edits get a default caption.
func Normalize(req models.GenerationRequest) (models.GenerationRequest, error) {
	switch req.Kind {
	case models.KindTextToImage:
		req.Prompt = truncateRunes(strings.TrimSpace(req.Prompt), MaxPromptRunes)
		if req.Prompt == "" {
			return req, fmt.Errorf("%w: empty prompt", ErrInvalidRequest)
		}
		req.SourceImage = nil
		req.Caption = ""
	case models.KindImageEdit:
		if len(req.SourceImage) == 0 {
			return req, fmt.Errorf("%w: missing source image", ErrInvalidRequest)
		}
		req.Caption = truncateRunes(strings.TrimSpace(req.Caption), MaxCaptionRunes)
		if req.Caption == "" {
			req.Caption = DefaultCaption
		}
		req.Prompt = ""
	default:
		return req, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, req.Kind)
	}
	return req, nil
}

func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit])
}

// Submit runs a request through its lifecycle: validate, debit one credit,
// serve from cache or call the provider once, and store the result. A failed
// provider call is refunded when configured. Collaborator errors end in a
// failed Outcome, never in a returned error.
func (s *GenerationService) Submit(ctx context.Context, req models.GenerationRequest) Outcome {
	// Ledger and log writes must not be cut short by a cancelled caller.
	bg := context.WithoutCancel(ctx)

	req, err := Normalize(req)
	if err != nil {
		return s.finish(bg, req, Outcome{State: StateFailed, Reason: ReasonInvalidRequest, Err: err})
	}

	ok, err := s.ledger.ConsumeCredit(bg, req.RequesterID)
	if err != nil {
		s.log.Error().Err(err).Int64("user_id", req.RequesterID).Msg("consume credit failed")
		return s.finish(bg, req, Outcome{State: StateFailed, Reason: ReasonInternal, Err: err})
	}
	if !ok {
		return s.finish(bg, req, Outcome{State: StateFailed, Reason: ReasonInsufficientCredit})
	}

	fp := cache.Fingerprint(req)
	logger := s.log.With().Int64("user_id", req.RequesterID).Str("fingerprint", fp).Logger()

	if data, hit := s.lookup(bg, logger, fp); hit {
		return s.finish(bg, req, Outcome{State: StateDelivered, Artifact: data, FromCache: true, Fingerprint: fp})
	}

	data, err := s.execute(ctx, req)
	if err == nil && len(data) == 0 {
		err = &models.ProviderError{Kind: models.ProviderErrMalformed, Err: errors.New("empty artifact")}
	}
	if err != nil {
		logger.Error().Err(err).Str("kind", string(req.Kind)).Msg("generation failed")
		out := Outcome{State: StateFailed, Reason: ReasonGenerationFailure, Fingerprint: fp, Err: err}
		if s.refundOnFailure {
			if refundErr := s.ledger.Refund(bg, req.RequesterID); refundErr != nil {
				logger.Error().Err(refundErr).Msg("refund failed")
			} else {
				out.Refunded = true
				s.metrics.IncRefund()
			}
		}
		return s.finish(bg, req, out)
	}

	if err := s.cache.Put(bg, fp, data); err != nil {
		logger.Warn().Err(err).Msg("cache put failed")
	}
	return s.finish(bg, req, Outcome{State: StateDelivered, Artifact: data, Fingerprint: fp})
}

func (s *GenerationService) lookup(ctx context.Context, logger zerolog.Logger, fp string) ([]byte, bool) {
	data, hit, err := s.cache.Lookup(ctx, fp)
	switch {
	case err != nil:
		logger.Warn().Err(err).Msg("cache lookup failed, treating as miss")
		s.metrics.ObserveCache("error")
		return nil, false
	case hit && len(data) > 0:
		s.metrics.ObserveCache("hit")
		return data, true
	default:
		s.metrics.ObserveCache("miss")
		return nil, false
	}
}

func (s *GenerationService) execute(ctx context.Context, req models.GenerationRequest) ([]byte, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() { s.metrics.ObserveExecution(string(req.Kind), time.Since(start)) }()

	if req.Kind == models.KindImageEdit {
		return s.executor.Edit(ctx, req)
	}
	return s.executor.Generate(ctx, req)
}

func (s *GenerationService) finish(ctx context.Context, req models.GenerationRequest, out Outcome) Outcome {
	s.metrics.ObserveGeneration(string(out.State), string(out.Reason))
	if s.logs == nil {
		return out
	}
	entry := models.GenerationLog{
		UserID:      req.RequesterID,
		Kind:        req.Kind,
		Fingerprint: out.Fingerprint,
		Outcome:     string(out.State),
		Reason:      string(out.Reason),
	}
	if out.FromCache {
		entry.Outcome = "cached"
	}
	if err := s.logs.Log(ctx, entry); err != nil {
		s.log.Warn().Err(err).Int64("user_id", req.RequesterID).Msg("failed to log generation")
	}
	return out
}
