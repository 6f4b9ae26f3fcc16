// Package directory resolves client identities to upstream IMAP routes.
// The proxy only reads from the directory; account management belongs to
// the external admin layer.
package directory

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/mailkeep/mailkeep/config"
	"github.com/mailkeep/mailkeep/consts"
)

// Route identifies an upstream mail server. Immutable once bound to a
// session.
type Route struct {
	Host string
	Port int
	TLS  bool
}

// Addr returns the dialable host:port form of the route.
func (r Route) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

func (r Route) String() string {
	scheme := "imap"
	if r.TLS {
		scheme = "imaps"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Addr())
}

// Directory looks up the upstream route for an identity. Lookup returns
// consts.ErrIdentityNotFound for unmapped identities and
// consts.ErrDirectoryUnavailable (wrapped) for transient backend trouble.
type Directory interface {
	Lookup(ctx context.Context, identity string) (Route, error)
}

// StaticDirectory serves routes from an in-memory table loaded from
// configuration.
type StaticDirectory struct {
	mu     sync.RWMutex
	routes map[string]Route
}

// NewStaticDirectory builds a directory from configured accounts.
func NewStaticDirectory(accounts []config.AccountConfig) *StaticDirectory {
	routes := make(map[string]Route, len(accounts))
	for _, a := range accounts {
		port := a.Port
		if port == 0 {
			if a.TLS {
				port = 993
			} else {
				port = 143
			}
		}
		routes[a.Identity] = Route{Host: a.Host, Port: port, TLS: a.TLS}
	}
	return &StaticDirectory{routes: routes}
}

func (d *StaticDirectory) Lookup(_ context.Context, identity string) (Route, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	route, ok := d.routes[identity]
	if !ok {
		return Route{}, consts.ErrIdentityNotFound
	}
	return route, nil
}
