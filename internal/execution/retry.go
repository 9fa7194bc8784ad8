package execution

import (
	"context"
	"net"
	"time"

	stderrors "errors"

	"github.com/adshao/go-binance/v2/common"
	"github.com/cenkalti/backoff/v4"
	"github.com/quantsentinel/trading-core/pkg/errors"
)

// Venue error codes that classify a failure as rate limiting.
const (
	venueCodeTooManyRequests = -1003
	venueCodeTooManyOrders   = -1015
)

// Venue error codes that classify a failure as transient.
const (
	venueCodeUnknown        = -1000
	venueCodeDisconnected   = -1001
	venueCodeUnexpectedResp = -1006
	venueCodeTimeout        = -1007
)

// venueCodeDuplicateOrder is returned when the venue already accepted an order
// with the same client order id. A retried-but-accepted submission surfaces as
// this code; it means the original submission succeeded.
const venueCodeDuplicateOrder = -2010

// venueCodeUnknownOrder is returned for operations on an order the venue does
// not know, typically a cancel racing a fill or expiry.
const venueCodeUnknownOrder = -2011

// Initial delays for the two retry classes. Rate limit backoff starts slower
// and grows across a larger bounded budget; network backoff is short.
const (
	rateLimitInitialInterval = 1 * time.Second
	networkInitialInterval   = 200 * time.Millisecond
)

func isRateLimited(err error) bool {
	var apiErr *common.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.Code == venueCodeTooManyRequests || apiErr.Code == venueCodeTooManyOrders
	}

	return false
}

func isTransient(err error) bool {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}

	var apiErr *common.APIError
	if stderrors.As(err, &apiErr) {
		switch apiErr.Code {
		case venueCodeUnknown, venueCodeDisconnected, venueCodeUnexpectedResp, venueCodeTimeout:
			return true
		}
	}

	return false
}

func isDuplicateClientOrderID(err error) bool {
	var apiErr *common.APIError

	return stderrors.As(err, &apiErr) && apiErr.Code == venueCodeDuplicateOrder
}

func isUnknownOrder(err error) bool {
	var apiErr *common.APIError

	return stderrors.As(err, &apiErr) && apiErr.Code == venueCodeUnknownOrder
}

// retryVenueCall invokes call until it succeeds, the per-class retry budget is
// exhausted, or a non-retryable error occurs. Rate-limit responses back off
// with increasing delay across maxRateLimitRetries attempts; transient network
// errors retry on a shorter schedule across maxNetworkRetries attempts; any
// other error fails immediately. Sleeps use real timers and respect ctx.
func retryVenueCall(ctx context.Context, maxRateLimitRetries, maxNetworkRetries uint64, call func() error) error {
	rateLimitBackoff := backoff.NewExponentialBackOff()
	rateLimitBackoff.InitialInterval = rateLimitInitialInterval

	networkBackoff := backoff.NewExponentialBackOff()
	networkBackoff.InitialInterval = networkInitialInterval

	var rateLimitAttempts, networkAttempts uint64

	for {
		err := call()
		if err == nil {
			return nil
		}

		var delay time.Duration

		switch {
		case isRateLimited(err):
			if rateLimitAttempts >= maxRateLimitRetries {
				return errors.Wrap(errors.ErrCodeRetriesExhausted, "venue rate limit retries exhausted", err)
			}

			rateLimitAttempts++
			delay = rateLimitBackoff.NextBackOff()
		case isTransient(err):
			if networkAttempts >= maxNetworkRetries {
				return errors.Wrap(errors.ErrCodeRetriesExhausted, "venue network retries exhausted", err)
			}

			networkAttempts++
			delay = networkBackoff.NextBackOff()
		default:
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()

			return errors.Wrap(errors.ErrCodeVenueTimeout, "venue call canceled during retry backoff", ctx.Err())
		case <-timer.C:
		}
	}
}
