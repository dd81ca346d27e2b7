package auth

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/gatewire/gatewire/internal/config"
)

var (
	// ErrAlreadyConnected rejects a login under the reject-new policy.
	ErrAlreadyConnected = errors.New("auth: user already connected")
	// ErrTooManyConnections rejects a login past the per-user cap.
	ErrTooManyConnections = errors.New("auth: user connection limit reached")
)

const managerShards = 32

// ConnectionManager tracks the live connections of every authenticated user
// and applies the per-user concurrency policy on login. The table shards by
// user-id hash so unrelated users never contend on one lock, and it
// self-cleans: each registered session's close listener removes it, deleting
// the user entry once its set empties, so table size tracks live connections
// rather than historical churn.
type ConnectionManager struct {
	shards [managerShards]managerShard
}

type managerShard struct {
	mu    sync.RWMutex
	users map[string]map[string]Session
}

// NewConnectionManager returns an empty registry.
func NewConnectionManager() *ConnectionManager {
	m := &ConnectionManager{}
	for i := range m.shards {
		m.shards[i].users = make(map[string]map[string]Session)
	}
	return m
}

func (m *ConnectionManager) shardFor(userID string) *managerShard {
	return &m.shards[xxhash.Sum64String(userID)%managerShards]
}

// Register admits s under userID according to the policy. Under kick-old it
// returns the displaced sessions; the caller notifies and closes them outside
// the registry lock. Under reject-new a second login fails with
// ErrAlreadyConnected, and under allow a login past maxPerUser (when
// positive) fails with ErrTooManyConnections.
func (m *ConnectionManager) Register(userID string, s Session, policy config.ConnPolicy, maxPerUser int) ([]Session, error) {
	sh := m.shardFor(userID)
	var kicked []Session

	sh.mu.Lock()
	set := sh.users[userID]
	switch policy {
	case config.PolicyRejectNew:
		if len(set) > 0 {
			sh.mu.Unlock()
			return nil, ErrAlreadyConnected
		}
	case config.PolicyKickOld:
		for _, old := range set {
			kicked = append(kicked, old)
		}
		set = nil
		delete(sh.users, userID)
	default:
		if maxPerUser > 0 && len(set) >= maxPerUser {
			sh.mu.Unlock()
			return nil, ErrTooManyConnections
		}
	}
	if set == nil {
		set = make(map[string]Session, 1)
		sh.users[userID] = set
	}
	set[s.ID()] = s
	sh.mu.Unlock()

	connID := s.ID()
	s.OnClose(func(string) { m.remove(userID, connID) })
	return kicked, nil
}

func (m *ConnectionManager) remove(userID, connID string) {
	sh := m.shardFor(userID)
	sh.mu.Lock()
	if set, ok := sh.users[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(sh.users, userID)
		}
	}
	sh.mu.Unlock()
}

// Connections returns a snapshot of the user's live sessions.
func (m *ConnectionManager) Connections(userID string) []Session {
	sh := m.shardFor(userID)
	sh.mu.RLock()
	set := sh.users[userID]
	out := make([]Session, 0, len(set))
	for _, s := range set {
		out = append(out, s)
	}
	sh.mu.RUnlock()
	return out
}

// CountFor returns the user's live connection count.
func (m *ConnectionManager) CountFor(userID string) int {
	sh := m.shardFor(userID)
	sh.mu.RLock()
	n := len(sh.users[userID])
	sh.mu.RUnlock()
	return n
}

// Users returns how many users currently hold at least one connection.
func (m *ConnectionManager) Users() int {
	total := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.RLock()
		total += len(sh.users)
		sh.mu.RUnlock()
	}
	return total
}
