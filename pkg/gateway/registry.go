package gateway

import (
	"sort"
	"sync"
)

// ClientRegistry tracks connected clients and which client last spoke on
// each thread. Notices for a thread go to that client.
type ClientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*Client
	owners  map[string]string // thread id -> client id
}

// NewClientRegistry creates a new client registry
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]*Client),
		owners:  make(map[string]string),
	}
}

// Add adds a client to the registry
func (r *ClientRegistry) Add(client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[client.ID] = client
}

// Remove removes a client and releases the threads it owned.
func (r *ClientRegistry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.clients, clientID)
	for thread, owner := range r.owners {
		if owner == clientID {
			delete(r.owners, thread)
		}
	}
}

// Get retrieves a client by ID
func (r *ClientRegistry) Get(clientID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, exists := r.clients[clientID]
	return client, exists
}

// Bind makes clientID the owner of threadID.
func (r *ClientRegistry) Bind(threadID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[clientID]; ok {
		r.owners[threadID] = clientID
	}
}

// Owner returns the client currently bound to threadID.
func (r *ClientRegistry) Owner(threadID string) (*Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.owners[threadID]
	if !ok {
		return nil, false
	}
	client, ok := r.clients[id]
	return client, ok
}

// GetAll returns all clients
func (r *ClientRegistry) GetAll() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	return clients
}

// GetAuthenticatedClients returns only authenticated clients
func (r *ClientRegistry) GetAuthenticatedClients() []*Client {
	var out []*Client
	for _, client := range r.GetAll() {
		if client.Authenticated() {
			out = append(out, client)
		}
	}
	return out
}

// Count returns the number of connected clients
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.clients)
}

// GetConnectedClients returns client information sorted by connect time.
func (r *ClientRegistry) GetConnectedClients() []ClientInfo {
	r.mu.RLock()
	threads := make(map[string][]string, len(r.clients))
	for thread, owner := range r.owners {
		threads[owner] = append(threads[owner], thread)
	}
	clients := make([]*Client, 0, len(r.clients))
	for _, client := range r.clients {
		clients = append(clients, client)
	}
	r.mu.RUnlock()

	infos := make([]ClientInfo, 0, len(clients))
	for _, client := range clients {
		info := client.info()
		info.Threads = threads[client.ID]
		sort.Strings(info.Threads)
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].ConnectedAt.Equal(infos[j].ConnectedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}
