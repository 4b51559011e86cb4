package device

import (
	"context"
	"strconv"
	"sync"
)

// Memory is an in-process Gateway. It backs dry runs and tests, counts every
// write it applies and can be told to fail individual operations.
type Memory struct {
	mu sync.Mutex

	secrets   map[string]Secret
	sessions  map[string]bool
	lists     map[string]map[string]string
	queues    map[string]QueueNode
	marks     map[string]bool
	reachable map[string]bool

	failures map[string]error
	writes   int
	nextID   int
}

// NewMemory creates an empty in-memory router.
func NewMemory() *Memory {
	return &Memory{
		secrets:   make(map[string]Secret),
		sessions:  make(map[string]bool),
		lists:     make(map[string]map[string]string),
		queues:    make(map[string]QueueNode),
		marks:     make(map[string]bool),
		reachable: make(map[string]bool),
		failures:  make(map[string]error),
	}
}

// Fail makes op return err until cleared with a nil err. Op names match the
// metric labels of the RouterOS gateway, e.g. "get-secret" or "list-add".
func (m *Memory) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// FailAll makes every operation return err; nil clears all failures.
func (m *Memory) FailAll(err error) {
	m.Fail("*", err)
}

func (m *Memory) failure(op string) error {
	if err, ok := m.failures["*"]; ok {
		return err
	}
	return m.failures[op]
}

func (m *Memory) id() string {
	m.nextID++
	return "*" + strconv.Itoa(m.nextID)
}

// Writes returns the number of mutations applied so far.
func (m *Memory) Writes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

// PutSecret seeds a secret.
func (m *Memory) PutSecret(s Secret) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = m.id()
	}
	m.secrets[s.Name] = s
}

// Connect marks a PPP user as having a live session.
func (m *Memory) Connect(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[name] = true
}

// Connected reports whether a PPP user has a live session.
func (m *Memory) Connected(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[name]
}

// AddPacketMark seeds a mangle rule producing mark.
func (m *Memory) AddPacketMark(mark string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[mark] = true
}

// SetReachable sets the outcome of pings to address.
func (m *Memory) SetReachable(address string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reachable[address] = ok
}

// Queue returns a queue node by name.
func (m *Memory) Queue(name string) (QueueNode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[name]
	return q, ok
}

// InList reports list membership without going through the failure hooks.
func (m *Memory) InList(list, address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.lists[list][address]
	return ok
}

func (m *Memory) GetSecret(ctx context.Context, name string) (*Secret, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("get-secret"); err != nil {
		return nil, err
	}
	s, ok := m.secrets[name]
	if !ok {
		return nil, rejected("get-secret", ErrSecretNotFound)
	}
	return &s, nil
}

func (m *Memory) SetSecret(ctx context.Context, secret Secret) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("set-secret"); err != nil {
		return err
	}
	current, ok := m.secrets[secret.Name]
	if !ok {
		return rejected("set-secret", ErrSecretNotFound)
	}
	secret.ID = current.ID
	m.secrets[secret.Name] = secret
	m.writes++
	return nil
}

func (m *Memory) DisconnectSession(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("disconnect"); err != nil {
		return err
	}
	if m.sessions[name] {
		delete(m.sessions, name)
		m.writes++
	}
	return nil
}

func (m *Memory) AddToList(ctx context.Context, list, address, comment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("list-add"); err != nil {
		return err
	}
	entries, ok := m.lists[list]
	if !ok {
		entries = make(map[string]string)
		m.lists[list] = entries
	}
	if _, exists := entries[address]; exists {
		return rejected("list-add", nil)
	}
	entries[address] = comment
	m.writes++
	return nil
}

func (m *Memory) RemoveFromList(ctx context.Context, list, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("list-remove"); err != nil {
		return err
	}
	if _, ok := m.lists[list][address]; ok {
		delete(m.lists[list], address)
		m.writes++
	}
	return nil
}

func (m *Memory) IsInList(ctx context.Context, list, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("list-check"); err != nil {
		return false, err
	}
	_, ok := m.lists[list][address]
	return ok, nil
}

func (m *Memory) GetQueueNode(ctx context.Context, name string) (*QueueNode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("get-queue"); err != nil {
		return nil, err
	}
	q, ok := m.queues[name]
	if !ok {
		return nil, nil
	}
	return &q, nil
}

func (m *Memory) UpsertQueueNode(ctx context.Context, node QueueNode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("upsert-queue"); err != nil {
		return err
	}
	if current, ok := m.queues[node.Name]; ok {
		node.ID = current.ID
	} else {
		node.ID = m.id()
	}
	m.queues[node.Name] = node
	m.writes++
	return nil
}

func (m *Memory) RemoveQueueNode(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("remove-queue"); err != nil {
		return err
	}
	if _, ok := m.queues[name]; ok {
		delete(m.queues, name)
		m.writes++
	}
	return nil
}

func (m *Memory) HasPacketMark(ctx context.Context, mark string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("packet-mark"); err != nil {
		return false, err
	}
	return m.marks[mark], nil
}

func (m *Memory) Ping(ctx context.Context, address string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failure("ping"); err != nil {
		return false, err
	}
	return m.reachable[address], nil
}
