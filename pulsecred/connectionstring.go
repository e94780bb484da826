package pulsecred

import (
	"context"
	"net/url"

	"github.com/pkg/errors"
)

type connectionStringProvider struct {
	connectionString string
}

// ConnectionString wraps a caller-supplied AMQP URL verbatim.
func ConnectionString(raw string) (Provider, error) {
	if raw == "" {
		return nil, errors.New("pulsecred: connection string must not be empty")
	}
	return &connectionStringProvider{connectionString: raw}, nil
}

func (p *connectionStringProvider) Fetch(ctx context.Context) (Credentials, error) {
	return Credentials{ConnectionString: p.connectionString}, nil
}

// Namespace parses the username out of the wrapped URL. It returns "" if
// the URL carries no userinfo, which a caller can treat as "unknown".
func (p *connectionStringProvider) Namespace() string {
	u, err := url.Parse(p.connectionString)
	if err != nil || u.User == nil {
		return ""
	}
	return u.User.Username()
}
