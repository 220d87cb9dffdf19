package certificate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ControlKeyCredential names the bcrypt hash of the control API key in the credentials table.
const ControlKeyCredential = "control_api_key"

const (
	controlWindow    = time.Minute
	controlRetention = 5 * time.Minute
)

var bcryptCost = bcrypt.DefaultCost

var (
	ErrMissingKey = errors.New("missing API key")
	ErrInvalidKey = errors.New("invalid API key")
)

// ControlStore persists the control API key, the auto-sync switch and
// pending confirmation attempts.
type ControlStore interface {
	GetCredential(ctx context.Context, key string) (string, error)
	SetCredential(ctx context.Context, key, value string) error
	GetSchedulerStatus(ctx context.Context) (bool, error)
	SetSchedulerStatus(ctx context.Context, isActive bool) error
	RecordControlAttempt(ctx context.Context, attemptType string) error
	CountRecentControlAttempts(ctx context.Context, attemptType string, window time.Duration) (int, error)
	ClearControlAttempts(ctx context.Context, attemptType string, olderThan time.Duration) error
}

// ControlOutcome reports a pause or resume request.
type ControlOutcome struct {
	Status            string `json:"status"`
	Applied           bool   `json:"applied"`
	Attempts          int    `json:"attempts"`
	AttemptsRemaining int    `json:"attempts_remaining"`
	Message           string `json:"message"`
}

// Controller guards the control API and switches auto-sync on and off once
// enough authorized requests arrive within one minute.
type Controller struct {
	store         ControlStore
	confirmations int
	logger        *zap.Logger
}

func NewController(store ControlStore, confirmations int, logger *zap.Logger) *Controller {
	if confirmations < 1 {
		confirmations = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{store: store, confirmations: confirmations, logger: logger}
}

// StoreKey replaces the stored control key hash.
func (c *Controller) StoreKey(ctx context.Context, key string) error {
	if key == "" {
		return ErrMissingKey
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash control key: %w", err)
	}
	return c.store.SetCredential(ctx, ControlKeyCredential, string(hash))
}

// Authorize checks key against the stored hash.
func (c *Controller) Authorize(ctx context.Context, key string) error {
	if key == "" {
		return ErrMissingKey
	}
	stored, err := c.store.GetCredential(ctx, ControlKeyCredential)
	if err != nil {
		return fmt.Errorf("failed to load control key: %w", err)
	}
	if stored == "" {
		return ErrInvalidKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(stored), []byte(key)); err != nil {
		return ErrInvalidKey
	}
	return nil
}

func (c *Controller) AutoSyncActive(ctx context.Context) (bool, error) {
	return c.store.GetSchedulerStatus(ctx)
}

// RequestAutoSync records one authorized request to pause (active=false) or
// resume (active=true) scheduled syncing and applies it once the
// confirmation threshold is reached.
func (c *Controller) RequestAutoSync(ctx context.Context, active bool) (ControlOutcome, error) {
	attemptType := "pause"
	if active {
		attemptType = "resume"
	}

	if err := c.store.RecordControlAttempt(ctx, attemptType); err != nil {
		return ControlOutcome{}, err
	}
	if err := c.store.ClearControlAttempts(ctx, attemptType, controlRetention); err != nil {
		c.logger.Warn("failed to clean up old control attempts", zap.Error(err))
	}

	count, err := c.store.CountRecentControlAttempts(ctx, attemptType, controlWindow)
	if err != nil {
		return ControlOutcome{}, err
	}

	if count < c.confirmations {
		remaining := c.confirmations - count
		return ControlOutcome{
			Status:            "attempt recorded",
			Attempts:          count,
			AttemptsRemaining: remaining,
			Message:           fmt.Sprintf("Need %d more attempts within 1 minute to %s automatic sync", remaining, attemptType),
		}, nil
	}

	if err := c.store.SetSchedulerStatus(ctx, active); err != nil {
		return ControlOutcome{}, err
	}
	if err := c.store.ClearControlAttempts(ctx, attemptType, 0); err != nil {
		c.logger.Warn("failed to reset control attempts", zap.String("type", attemptType), zap.Error(err))
	}

	c.logger.Info("automatic sync switched", zap.Bool("active", active))
	status, message := "paused", "Automatic sync has been paused"
	if active {
		status, message = "resumed", "Automatic sync has been resumed"
	}
	return ControlOutcome{
		Status:   status,
		Applied:  true,
		Attempts: count,
		Message:  message,
	}, nil
}
