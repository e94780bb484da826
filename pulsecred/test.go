package pulsecred

import (
	"context"
	"net/url"
	"time"
)

type testProvider struct {
	connectionString string
	recycleAfter     func() time.Duration
}

// Test returns a fixed-value Provider for exercising a Manager without a
// real credential chain. Every Fetch returns connectionString and
// recycleAfter unchanged.
func Test(connectionString string, recycleAfter time.Duration) Provider {
	return &testProvider{
		connectionString: connectionString,
		recycleAfter:     func() time.Duration { return recycleAfter },
	}
}

func (p *testProvider) Fetch(ctx context.Context) (Credentials, error) {
	return Credentials{ConnectionString: p.connectionString, RecycleAfter: p.recycleAfter()}, nil
}

func (p *testProvider) Namespace() string {
	u, err := url.Parse(p.connectionString)
	if err != nil || u.User == nil {
		return ""
	}
	return u.User.Username()
}
