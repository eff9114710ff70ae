package api

import (
	"context"
	"fmt"
	"net"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/matrix-org/fedcore/event"
)

// ServersInRoomProvider works out which servers should receive an event.
type ServersInRoomProvider interface {
	GetServersForRoom(ctx context.Context, roomID string, ev *event.Event) ([]spec.ServerName, error)
}

// DefaultPort is the federation port used when a server name has none.
const DefaultPort = "8448"

// DefaultServerResolver sends requests straight to the server name, on the
// default federation port if the name does not carry one. Discovery through
// .well-known and SRV records is left to other resolvers.
type DefaultServerResolver struct{}

func (DefaultServerResolver) Resolve(_ context.Context, serverName spec.ServerName) (string, error) {
	host := string(serverName)
	if host == "" || strings.ContainsAny(host, "/?#@") {
		return "", fmt.Errorf("invalid server name %q", serverName)
	}
	if _, _, err := net.SplitHostPort(host); err != nil {
		host = net.JoinHostPort(strings.Trim(host, "[]"), DefaultPort)
	}
	return "https://" + host, nil
}

// StaticServerResolver maps server names to fixed base URLs. Names not in
// the map are passed on to Fallback, if set.
type StaticServerResolver struct {
	Servers  map[spec.ServerName]string
	Fallback ServerResolver
}

func (r StaticServerResolver) Resolve(ctx context.Context, serverName spec.ServerName) (string, error) {
	if base, ok := r.Servers[serverName]; ok {
		return strings.TrimSuffix(base, "/"), nil
	}
	if r.Fallback != nil {
		return r.Fallback.Resolve(ctx, serverName)
	}
	return "", fmt.Errorf("no address known for server %q", serverName)
}
