package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/jacentio/shardwise/store"
)

// Scheme prefixes the endpoints of in-memory servers.
const Scheme = "memory://"

var servers = struct {
	sync.Mutex
	byEndpoint map[string]*Server
}{byEndpoint: make(map[string]*Server)}

// Server is an ephemeral in-memory store reachable through Dial until it is
// stopped. It implements store.Instance.
type Server struct {
	endpoint string
	db       *Database
}

var _ store.Instance = (*Server)(nil)

// Start starts a new, empty server.
func Start() *Server {
	s := &Server{
		endpoint: Scheme + uuid.NewString(),
		db:       New(),
	}
	servers.Lock()
	servers.byEndpoint[s.endpoint] = s
	servers.Unlock()
	return s
}

// Endpoint returns the address to pass to Dial.
func (s *Server) Endpoint() string {
	return s.endpoint
}

// Stop makes the server unreachable and drops its data. Stopping twice is
// not an error.
func (s *Server) Stop(context.Context) error {
	servers.Lock()
	delete(servers.byEndpoint, s.endpoint)
	servers.Unlock()
	return nil
}

// Dial connects to a running server. It is a store.Dialer.
func Dial(ctx context.Context, endpoint string) (store.Database, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !strings.HasPrefix(endpoint, Scheme) {
		return nil, fmt.Errorf("memory: unsupported endpoint %q", endpoint)
	}
	servers.Lock()
	s, ok := servers.byEndpoint[endpoint]
	servers.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: no server at %s", store.ErrNotFound, endpoint)
	}
	return s.db, nil
}
