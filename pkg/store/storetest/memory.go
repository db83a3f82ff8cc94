// Package storetest provides in-memory store implementations for tests, so
// federation logic can be exercised without a database.
package storetest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ebbtide-im/ebbtide/pkg/models"
	"github.com/ebbtide-im/ebbtide/pkg/store"
)

// NewStores returns a store set backed entirely by memory.
func NewStores() *store.Stores {
	return &store.Stores{
		Identity:    &IdentityStore{},
		Nodes:       NewTrustedNodeStore(),
		Outbound:    NewOutboundMessageStore(),
		InboxLog:    NewInboxLogStore(),
		Waves:       NewWaveStore(),
		Users:       NewUserStore(),
		Pings:       NewPingStore(),
		RemoteUsers: NewRemoteUserStore(),
		RemotePings: NewRemotePingStore(),
	}
}

type IdentityStore struct {
	mu    sync.Mutex
	ident *models.NodeIdentity
}

func (s *IdentityStore) Get() (*models.NodeIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ident == nil {
		return nil, nil
	}
	ident := *s.ident
	return &ident, nil
}

func (s *IdentityStore) Save(ident *models.NodeIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *ident
	s.ident = &copied
	return nil
}

type TrustedNodeStore struct {
	mu     sync.Mutex
	nextID int
	nodes  map[string]*models.TrustedNode
}

func NewTrustedNodeStore() *TrustedNodeStore {
	return &TrustedNodeStore{nextID: 1, nodes: make(map[string]*models.TrustedNode)}
}

func (s *TrustedNodeStore) GetByID(id int) (*models.TrustedNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, node := range s.nodes {
		if node.ID == id {
			copied := *node
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *TrustedNodeStore) GetByName(nodeName string) (*models.TrustedNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[nodeName]
	if !ok {
		return nil, nil
	}
	copied := *node
	return &copied, nil
}

func (s *TrustedNodeStore) GetAll() ([]*models.TrustedNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]*models.TrustedNode, 0, len(s.nodes))
	for _, node := range s.nodes {
		copied := *node
		all = append(all, &copied)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].NodeName < all[j].NodeName })
	return all, nil
}

func (s *TrustedNodeStore) Add(node *models.TrustedNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.nodes[node.NodeName]; exists {
		return fmt.Errorf("duplicate node %s", node.NodeName)
	}
	copied := *node
	copied.ID = s.nextID
	s.nextID++
	s.nodes[node.NodeName] = &copied
	node.ID = copied.ID
	return nil
}

func (s *TrustedNodeStore) SetKey(nodeName, publicKeyPEM string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[nodeName]
	if !ok {
		return nil
	}
	key := publicKeyPEM
	now := time.Now()
	node.PublicKeyPEM = &key
	node.Status = models.NodeStatusActive
	node.FailureCount = 0
	node.LastContactAt = &now
	node.UpdatedAt = now
	return nil
}

func (s *TrustedNodeStore) SetStatus(nodeName, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if node, ok := s.nodes[nodeName]; ok {
		node.Status = status
		node.UpdatedAt = time.Now()
	}
	return nil
}

func (s *TrustedNodeStore) RecordContact(nodeName string, success bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	node, ok := s.nodes[nodeName]
	if !ok {
		return 0, nil
	}
	now := time.Now()
	if success {
		node.FailureCount = 0
		node.LastContactAt = &now
	} else {
		node.FailureCount++
	}
	node.UpdatedAt = now
	return node.FailureCount, nil
}

func (s *TrustedNodeStore) Delete(nodeName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.nodes, nodeName)
	return nil
}

type OutboundMessageStore struct {
	mu   sync.Mutex
	msgs map[string]*models.OutboundMessage
}

func NewOutboundMessageStore() *OutboundMessageStore {
	return &OutboundMessageStore{msgs: make(map[string]*models.OutboundMessage)}
}

// Get returns a message by id for test assertions.
func (s *OutboundMessageStore) Get(id string) *models.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg, ok := s.msgs[id]
	if !ok {
		return nil
	}
	copied := *msg
	return &copied
}

func (s *OutboundMessageStore) Enqueue(msg *models.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *msg
	s.msgs[msg.ID] = &copied
	return nil
}

func (s *OutboundMessageStore) GetDue(now time.Time, limit int) ([]*models.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	due := []*models.OutboundMessage{}
	for _, msg := range s.msgs {
		if msg.Status == models.OutboundStatusPending && !msg.NextRetryAt.After(now) {
			copied := *msg
			due = append(due, &copied)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *OutboundMessageStore) MarkDelivered(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.msgs[id]; ok && msg.Status == models.OutboundStatusPending {
		msg.Status = models.OutboundStatusDelivered
		msg.Attempts++
		msg.DeliveredAt = &at
	}
	return nil
}

func (s *OutboundMessageStore) MarkFailed(id string, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.msgs[id]; ok && msg.Status == models.OutboundStatusPending {
		msg.Status = models.OutboundStatusFailed
		msg.Attempts++
		msg.LastError = &lastError
	}
	return nil
}

func (s *OutboundMessageStore) RecordAttempt(id string, nextRetry time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg, ok := s.msgs[id]; ok && msg.Status == models.OutboundStatusPending {
		msg.Attempts++
		msg.NextRetryAt = nextRetry
		msg.LastError = &lastError
	}
	return nil
}

func (s *OutboundMessageStore) PurgeTerminal(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, msg := range s.msgs {
		terminal := msg.Status == models.OutboundStatusDelivered || msg.Status == models.OutboundStatusFailed
		if terminal && msg.CreatedAt.Before(before) {
			delete(s.msgs, id)
			n++
		}
	}
	return n, nil
}

func (s *OutboundMessageStore) GetRecent(limit int) ([]*models.OutboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := []*models.OutboundMessage{}
	for _, msg := range s.msgs {
		copied := *msg
		all = append(all, &copied)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

type InboxLogStore struct {
	mu      sync.Mutex
	entries map[string]*models.InboxLogEntry
}

func NewInboxLogStore() *InboxLogStore {
	return &InboxLogStore{entries: make(map[string]*models.InboxLogEntry)}
}

func (s *InboxLogStore) Get(id string) (*models.InboxLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, nil
	}
	copied := *entry
	return &copied, nil
}

func (s *InboxLogStore) InsertIfAbsent(entry *models.InboxLogEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.ID]; exists {
		return false, nil
	}
	copied := *entry
	s.entries[entry.ID] = &copied
	return true, nil
}

func (s *InboxLogStore) MarkProcessed(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry, ok := s.entries[id]; ok {
		entry.Status = models.InboxStatusProcessed
		entry.ProcessedAt = &at
	}
	return nil
}

func (s *InboxLogStore) Purge(before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, entry := range s.entries {
		if entry.ReceivedAt.Before(before) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

type WaveStore struct {
	mu      sync.Mutex
	waves   map[string]*models.Wave
	members map[string]map[string]bool
	nodes   map[string][]*models.WaveNode
}

func NewWaveStore() *WaveStore {
	return &WaveStore{
		waves:   make(map[string]*models.Wave),
		members: make(map[string]map[string]bool),
		nodes:   make(map[string][]*models.WaveNode),
	}
}

func (s *WaveStore) GetByID(id string) (*models.Wave, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wave, ok := s.waves[id]
	if !ok {
		return nil, nil
	}
	copied := *wave
	return &copied, nil
}

func (s *WaveStore) GetByOrigin(originNode, originWaveID string) (*models.Wave, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, wave := range s.waves {
		if wave.OriginNode != nil && *wave.OriginNode == originNode &&
			wave.OriginWaveID != nil && *wave.OriginWaveID == originWaveID {
			copied := *wave
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *WaveStore) Create(wave *models.Wave) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if wave.OriginNode != nil {
		for _, existing := range s.waves {
			if existing.OriginNode != nil && *existing.OriginNode == *wave.OriginNode &&
				existing.OriginWaveID != nil && *existing.OriginWaveID == *wave.OriginWaveID {
				return fmt.Errorf("duplicate origin key %s/%s", *wave.OriginNode, *wave.OriginWaveID)
			}
		}
	}
	copied := *wave
	s.waves[wave.ID] = &copied
	return nil
}

func (s *WaveStore) AddMember(waveID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[waveID] == nil {
		s.members[waveID] = make(map[string]bool)
	}
	s.members[waveID][userID] = true
	return nil
}

// HasMember reports membership for test assertions.
func (s *WaveStore) HasMember(waveID, userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[waveID][userID]
}

// MemberCount reports a wave's member count for test assertions.
func (s *WaveStore) MemberCount(waveID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.members[waveID])
}

// WaveCount reports the total wave count for test assertions.
func (s *WaveStore) WaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waves)
}

func (s *WaveStore) AddNode(node *models.WaveNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.nodes[node.WaveID] {
		if existing.NodeName == node.NodeName {
			return nil
		}
	}
	copied := *node
	s.nodes[node.WaveID] = append(s.nodes[node.WaveID], &copied)
	return nil
}

func (s *WaveStore) GetNodes(waveID string) ([]*models.WaveNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nodes := make([]*models.WaveNode, 0, len(s.nodes[waveID]))
	for _, node := range s.nodes[waveID] {
		copied := *node
		nodes = append(nodes, &copied)
	}
	return nodes, nil
}

type UserStore struct {
	mu    sync.Mutex
	users map[string]*models.User
}

func NewUserStore() *UserStore {
	return &UserStore{users: make(map[string]*models.User)}
}

// Add seeds a local user.
func (s *UserStore) Add(user *models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *user
	s.users[user.ID] = &copied
}

func (s *UserStore) GetByID(id string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	copied := *user
	return &copied, nil
}

func (s *UserStore) GetByHandle(handle string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Handle == handle {
			copied := *user
			return &copied, nil
		}
	}
	return nil, nil
}

type PingStore struct {
	mu    sync.Mutex
	pings map[string]*models.Ping
}

func NewPingStore() *PingStore {
	return &PingStore{pings: make(map[string]*models.Ping)}
}

func (s *PingStore) GetByID(id string) (*models.Ping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ping, ok := s.pings[id]
	if !ok {
		return nil, nil
	}
	copied := *ping
	return &copied, nil
}

func (s *PingStore) GetByWave(waveID string) ([]*models.Ping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pings := []*models.Ping{}
	for _, ping := range s.pings {
		if ping.WaveID == waveID {
			copied := *ping
			pings = append(pings, &copied)
		}
	}
	sort.Slice(pings, func(i, j int) bool { return pings[i].CreatedAt.Before(pings[j].CreatedAt) })
	return pings, nil
}

func (s *PingStore) Create(ping *models.Ping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *ping
	s.pings[ping.ID] = &copied
	return nil
}

func (s *PingStore) UpdateBody(id, body string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ping, ok := s.pings[id]; ok {
		ping.Body = body
		ping.EditedAt = &at
	}
	return nil
}

func (s *PingStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pings, id)
	return nil
}

type remoteKey struct {
	node, id string
}

type RemoteUserStore struct {
	mu    sync.Mutex
	users map[remoteKey]*models.RemoteUser
}

func NewRemoteUserStore() *RemoteUserStore {
	return &RemoteUserStore{users: make(map[remoteKey]*models.RemoteUser)}
}

func (s *RemoteUserStore) Get(nodeName, remoteID string) (*models.RemoteUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[remoteKey{nodeName, remoteID}]
	if !ok {
		return nil, nil
	}
	copied := *user
	return &copied, nil
}

func (s *RemoteUserStore) Upsert(user *models.RemoteUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *user
	s.users[remoteKey{user.NodeName, user.RemoteID}] = &copied
	return nil
}

// Count reports the cache row count for test assertions.
func (s *RemoteUserStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

type RemotePingStore struct {
	mu    sync.Mutex
	pings map[remoteKey]*models.RemotePing
}

func NewRemotePingStore() *RemotePingStore {
	return &RemotePingStore{pings: make(map[remoteKey]*models.RemotePing)}
}

func (s *RemotePingStore) Get(nodeName, remoteID string) (*models.RemotePing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ping, ok := s.pings[remoteKey{nodeName, remoteID}]
	if !ok {
		return nil, nil
	}
	copied := *ping
	return &copied, nil
}

func (s *RemotePingStore) GetByWave(waveID string) ([]*models.RemotePing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pings := []*models.RemotePing{}
	for _, ping := range s.pings {
		if ping.WaveID == waveID {
			copied := *ping
			pings = append(pings, &copied)
		}
	}
	sort.Slice(pings, func(i, j int) bool { return pings[i].SentAt.Before(pings[j].SentAt) })
	return pings, nil
}

func (s *RemotePingStore) Upsert(ping *models.RemotePing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *ping
	s.pings[remoteKey{ping.NodeName, ping.RemoteID}] = &copied
	return nil
}

func (s *RemotePingStore) Delete(nodeName, remoteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pings, remoteKey{nodeName, remoteID})
	return nil
}

// Count reports the cache row count for test assertions.
func (s *RemotePingStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pings)
}
