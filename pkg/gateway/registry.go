package gateway

import (
	"sync"
	"time"
)

// idleAfter is how long without a frame before a client counts as idle
const idleAfter = 5 * time.Minute

// ClientRegistry tracks connected event stream clients by id
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientRegistry creates an empty registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{clients: make(map[string]*Client)}
}

// Add registers a client under its id, replacing any previous entry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	r.clients[client.ID] = client
	r.mu.Unlock()
}

// Remove drops a client from the registry
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	delete(r.clients, clientID)
	r.mu.Unlock()
}

// Get retrieves a client by id
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[clientID]
	return client, ok
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// GetAll returns every connected client
func (r *ClientRegistry) GetAll() []*Client {
	return r.collect(func(*Client) bool { return true })
}

// GetAuthenticatedClients returns the clients eligible to receive events
func (r *ClientRegistry) GetAuthenticatedClients() []*Client {
	return r.collect(func(c *Client) bool { return c.Authenticated })
}

func (r *ClientRegistry) collect(keep func(*Client) bool) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// GetConnectedClients returns a status snapshot of every connection
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := time.Now()
	infos := make([]ClientInfo, 0, len(r.clients))
	for _, c := range r.clients {
		infos = append(infos, ClientInfo{
			ID:            c.ID,
			Authenticated: c.Authenticated,
			ConnectedAt:   c.ConnectedAt,
			LastActivity:  c.LastActivity,
			IPAddress:     c.IPAddress,
			Idle:          now.Sub(c.LastActivity) > idleAfter,
		})
	}
	return infos
}

// UpdateActivity stamps the client's last activity time
func (r *ClientRegistry) UpdateActivity(clientID string) {
	r.mu.Lock()
	if c, ok := r.clients[clientID]; ok {
		c.LastActivity = time.Now()
	}
	r.mu.Unlock()
}
