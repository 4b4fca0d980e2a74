package services

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/emilioale04/steam-clone-sub003/internal/apperr"
	"github.com/emilioale04/steam-clone-sub003/internal/store"
)

var DefaultUnlockThreshold = decimal.RequireFromString("5.00")

// LimitedAccountService lifts the "limited" flag once an account's lifetime
// completed reloads reach the threshold.
type LimitedAccountService struct {
	store     store.LedgerStore
	threshold decimal.Decimal
	log       logrus.FieldLogger
}

var _ UnlockHook = (*LimitedAccountService)(nil)

func NewLimitedAccountService(st store.LedgerStore, threshold decimal.Decimal, log logrus.FieldLogger) *LimitedAccountService {
	if !threshold.IsPositive() {
		threshold = DefaultUnlockThreshold
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &LimitedAccountService{store: st, threshold: threshold, log: log}
}

func (s *LimitedAccountService) MaybeUnlock(ctx context.Context, accountID string) (UnlockResult, error) {
	const op = "MaybeUnlock"

	w, err := s.store.GetWallet(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return UnlockResult{}, nil
	}
	if err != nil {
		return UnlockResult{}, apperr.Storage(op, err)
	}
	if !w.IsLimited {
		return UnlockResult{}, nil
	}

	total, err := s.store.SumCompletedReloads(ctx, accountID, time.Time{})
	if err != nil {
		return UnlockResult{}, apperr.Storage(op, err)
	}
	if total.LessThan(s.threshold) {
		return UnlockResult{}, nil
	}

	if err := s.store.SetLimited(ctx, accountID, false); err != nil {
		return UnlockResult{}, apperr.Storage(op, err)
	}
	s.log.WithFields(logrus.Fields{"account_id": accountID, "reloaded": total.StringFixed(2)}).Info("account reached unlock threshold")
	return UnlockResult{JustUnlocked: true}, nil
}
