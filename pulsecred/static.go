package pulsecred

import (
	"context"
	"fmt"
	"net/url"

	"github.com/pkg/errors"
)

// StaticOptions are the fields required to build a static amqps:// URL.
type StaticOptions struct {
	Username string
	Password string
	Hostname string
	Vhost    string
}

type staticProvider struct {
	connectionString string
	username         string
}

// Static builds a Provider from a fixed username/password/hostname/vhost,
// producing an amqps://<enc(user)>:<enc(pw)>@<host>:5671/<enc(vhost)>
// connection string. user/password are userinfo-percent-encoded via
// url.UserPassword; vhost is path-segment-escaped, so the canonical
// default vhost "/" renders as "%2F".
func Static(opts StaticOptions) (Provider, error) {
	if opts.Username == "" {
		return nil, errors.New("pulsecred: static credentials require a non-empty username")
	}
	if opts.Password == "" {
		return nil, errors.New("pulsecred: static credentials require a non-empty password")
	}
	if opts.Hostname == "" {
		return nil, errors.New("pulsecred: static credentials require a non-empty hostname")
	}
	if opts.Vhost == "" {
		return nil, errors.New("pulsecred: static credentials require a non-empty vhost")
	}

	connStr := fmt.Sprintf(
		"amqps://%s@%s:5671/%s",
		url.UserPassword(opts.Username, opts.Password).String(),
		opts.Hostname,
		url.PathEscape(opts.Vhost),
	)

	return &staticProvider{connectionString: connStr, username: opts.Username}, nil
}

func (p *staticProvider) Fetch(ctx context.Context) (Credentials, error) {
	return Credentials{ConnectionString: p.connectionString}, nil
}

func (p *staticProvider) Namespace() string {
	return p.username
}
