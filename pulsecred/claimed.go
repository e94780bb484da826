package pulsecred

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

// ClaimRequest is sent to the namespace-claim service on every refresh.
type ClaimRequest struct {
	Namespace string
	Expires   time.Duration
	Contact   string
}

// ClaimResponse is what the namespace-claim service returns.
type ClaimResponse struct {
	ConnectionString string
	ReclaimAt        time.Time
}

// ClaimFunc calls out to the namespace-claim service. It is the only
// contract pulsecred has with that service; its HTTP/auth internals are
// out of scope for this library.
type ClaimFunc func(ctx context.Context, req ClaimRequest) (ClaimResponse, error)

// ClaimedOptions configure Claimed.
type ClaimedOptions struct {
	Namespace string
	Expires   time.Duration
	Contact   string
	Claim     ClaimFunc

	// MaxRetries bounds the exponential backoff applied around Claim for
	// transient failures: Claim is retried at most MaxRetries times after
	// the first call. Zero uses a default of 3 retries.
	MaxRetries uint64
}

type claimedProvider struct {
	opts ClaimedOptions

	namespace string
}

// Claimed calls an external namespace-claim service on every Fetch,
// wrapping transient failures in an exponential backoff retry (matching
// the retry idiom this corpus uses around external broker/service calls),
// and derives RecycleAfter from the claim's reclaim deadline.
func Claimed(opts ClaimedOptions) (Provider, error) {
	if opts.Namespace == "" {
		return nil, errors.New("pulsecred: claimed credentials require a non-empty namespace")
	}
	if opts.Claim == nil {
		return nil, errors.New("pulsecred: claimed credentials require a Claim function")
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}

	return &claimedProvider{opts: opts, namespace: opts.Namespace}, nil
}

func (p *claimedProvider) Fetch(ctx context.Context) (Credentials, error) {
	var resp ClaimResponse

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.opts.MaxRetries)
	policy = backoff.WithContext(policy, ctx)

	operation := func() error {
		r, err := p.opts.Claim(ctx, ClaimRequest{
			Namespace: p.opts.Namespace,
			Expires:   p.opts.Expires,
			Contact:   p.opts.Contact,
		})
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		return Credentials{}, errors.Wrap(err, "pulsecred: claim namespace")
	}

	return Credentials{
		ConnectionString: resp.ConnectionString,
		RecycleAfter:     time.Until(resp.ReclaimAt),
	}, nil
}

func (p *claimedProvider) Namespace() string {
	return p.namespace
}
