package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/grower-ledger/ledger"
)

// PaymentTypeSource is the store lookup behind the cache. Callers pass the
// store they are using so transaction-bound reads stay in the transaction.
type PaymentTypeSource interface {
	GetPaymentType(ctx context.Context, id ledger.PaymentTypeID) (*ledger.PaymentType, error)
}

// PaymentTypes is a read-through cache of payment types.
type PaymentTypes struct {
	cache  Cache
	ttl    time.Duration
	logger logrus.FieldLogger
}

func NewPaymentTypes(c Cache, ttl time.Duration, logger logrus.FieldLogger) *PaymentTypes {
	return &PaymentTypes{cache: c, ttl: ttl, logger: logger.WithField("module", "cache")}
}

func paymentTypeKey(id ledger.PaymentTypeID) string {
	return fmt.Sprintf("payment_type:%d", id)
}

// Get returns the payment type, or nil when it does not exist. Cache
// failures are logged and fall back to src.
func (p *PaymentTypes) Get(ctx context.Context, src PaymentTypeSource, id ledger.PaymentTypeID) (*ledger.PaymentType, error) {
	key := paymentTypeKey(id)

	var cached ledger.PaymentType
	hit, err := p.cache.Get(ctx, key, &cached)
	if err != nil {
		p.logger.WithField("payment_type_id", id).WithError(err).Warn("payment type cache read failed")
	}
	if hit {
		return &cached, nil
	}

	pt, err := src.GetPaymentType(ctx, id)
	if err != nil || pt == nil {
		return pt, err
	}
	if err := p.cache.Set(ctx, key, pt, p.ttl); err != nil {
		p.logger.WithField("payment_type_id", id).WithError(err).Warn("payment type cache write failed")
	}
	return pt, nil
}

// Invalidate drops the cached entry so the next Get reads the store.
func (p *PaymentTypes) Invalidate(ctx context.Context, id ledger.PaymentTypeID) error {
	return p.cache.Delete(ctx, paymentTypeKey(id))
}
