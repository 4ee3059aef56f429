package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kindred-ai/kindred/internal/character"
	"github.com/kindred-ai/kindred/internal/episode"
	"github.com/kindred-ai/kindred/internal/memory"
	"github.com/kindred-ai/kindred/internal/relationship"
)

// MemoryStoreBackend is an in-memory Store. Safe for concurrent use.
// Intended for tests and the local chat REPL.
type MemoryStoreBackend struct {
	mu     sync.RWMutex
	closed bool

	characters map[string]*character.Character
	users      map[string]*character.User
	sessions   map[string]*episode.Session
	// messages are keyed by session ID, append-only.
	messages      map[string][]*episode.Message
	relationships map[string]*relationship.Relationship
	memories      map[string][]*memory.Event // keyed by user ID
	hooks         map[string][]*memory.Hook  // keyed by pair key
	templates     map[string]*episode.Template
	evaluations   map[string]*episode.Evaluation // keyed by share ID
	episodeSeq    map[string]int                 // keyed by pair key
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStoreBackend {
	return &MemoryStoreBackend{
		characters:    make(map[string]*character.Character),
		users:         make(map[string]*character.User),
		sessions:      make(map[string]*episode.Session),
		messages:      make(map[string][]*episode.Message),
		relationships: make(map[string]*relationship.Relationship),
		memories:      make(map[string][]*memory.Event),
		hooks:         make(map[string][]*memory.Hook),
		templates:     make(map[string]*episode.Template),
		evaluations:   make(map[string]*episode.Evaluation),
		episodeSeq:    make(map[string]int),
	}
}

func pairKey(userID, characterID string) string {
	return userID + ":" + characterID
}

func (s *MemoryStoreBackend) checkOpen() error {
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// SaveCharacter stores a character.
func (s *MemoryStoreBackend) SaveCharacter(ctx context.Context, c *character.Character) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	cp := *c
	s.characters[c.ID] = &cp
	return nil
}

// GetCharacter retrieves a character by ID.
func (s *MemoryStoreBackend) GetCharacter(ctx context.Context, id string) (*character.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	c, ok := s.characters[id]
	if !ok {
		return nil, ErrCharacterNotFound
	}
	cp := *c
	return &cp, nil
}

// ListCharacters returns all characters sorted by name.
func (s *MemoryStoreBackend) ListCharacters(ctx context.Context) ([]*character.Character, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]*character.Character, 0, len(s.characters))
	for _, c := range s.characters {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// UpsertUser creates the user if absent.
func (s *MemoryStoreBackend) UpsertUser(ctx context.Context, u *character.User) (*character.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if existing, ok := s.users[u.ID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = &cp
	out := cp
	return &out, nil
}

// GetUser retrieves a user by ID.
func (s *MemoryStoreBackend) GetUser(ctx context.Context, id string) (*character.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

// SaveSession creates or updates a session. Message counters are
// preserved from the stored row; use IncrementMessageCounts to change them.
func (s *MemoryStoreBackend) SaveSession(ctx context.Context, sess *episode.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	cp := *sess
	if existing, ok := s.sessions[sess.ID]; ok {
		cp.MessageCount = existing.MessageCount
		cp.UserMessageCount = existing.UserMessageCount
	}
	s.sessions[sess.ID] = &cp
	return nil
}

// GetSession retrieves a session by ID.
func (s *MemoryStoreBackend) GetSession(ctx context.Context, id string) (*episode.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

// ActiveSession returns the active session for the pair, if any.
func (s *MemoryStoreBackend) ActiveSession(ctx context.Context, userID, characterID string) (*episode.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	for _, sess := range s.sessions {
		if sess.UserID == userID && sess.CharacterID == characterID && sess.State == episode.StateActive {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, ErrSessionNotFound
}

// NextEpisodeNumber reserves the next sequential episode number.
func (s *MemoryStoreBackend) NextEpisodeNumber(ctx context.Context, userID, characterID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	key := pairKey(userID, characterID)
	s.episodeSeq[key]++
	return s.episodeSeq[key], nil
}

// IncrementMessageCounts atomically bumps the session counters.
func (s *MemoryStoreBackend) IncrementMessageCounts(ctx context.Context, sessionID string, total, user int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	sess.MessageCount += total
	sess.UserMessageCount += user
	return nil
}

// DeleteSessions removes all sessions and their messages for the pair.
func (s *MemoryStoreBackend) DeleteSessions(ctx context.Context, userID, characterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for id, sess := range s.sessions {
		if sess.UserID == userID && sess.CharacterID == characterID {
			delete(s.sessions, id)
			delete(s.messages, id)
		}
	}
	return nil
}

// AppendMessage appends a message to its session's log.
func (s *MemoryStoreBackend) AppendMessage(ctx context.Context, m *episode.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	cp := *m
	s.messages[m.SessionID] = append(s.messages[m.SessionID], &cp)
	return nil
}

// RecentMessages returns up to limit of the newest messages, oldest-first.
func (s *MemoryStoreBackend) RecentMessages(ctx context.Context, sessionID string, limit int) ([]*episode.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	log := s.messages[sessionID]
	start := 0
	if limit > 0 && len(log) > limit {
		start = len(log) - limit
	}
	out := make([]*episode.Message, 0, len(log)-start)
	for _, m := range log[start:] {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

// Transcript returns the full message log, oldest-first.
func (s *MemoryStoreBackend) Transcript(ctx context.Context, sessionID string) ([]*episode.Message, error) {
	return s.RecentMessages(ctx, sessionID, 0)
}

// UpsertRelationship creates the record if absent. Concurrent callers for
// the same pair always converge on a single record.
func (s *MemoryStoreBackend) UpsertRelationship(ctx context.Context, userID, characterID string) (*relationship.Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	key := pairKey(userID, characterID)
	if existing, ok := s.relationships[key]; ok {
		cp := *existing
		return &cp, nil
	}
	now := time.Now().UTC()
	r := &relationship.Relationship{
		UserID:      userID,
		CharacterID: characterID,
		Dynamic:     relationship.DefaultDynamic(),
		FirstMetAt:  now,
		UpdatedAt:   now,
	}
	s.relationships[key] = r
	cp := *r
	return &cp, nil
}

// GetRelationship retrieves the record for the pair.
func (s *MemoryStoreBackend) GetRelationship(ctx context.Context, userID, characterID string) (*relationship.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	r, ok := s.relationships[pairKey(userID, characterID)]
	if !ok {
		return nil, ErrRelationshipNotFound
	}
	cp := *r
	return &cp, nil
}

// SaveRelationship overwrites the record. Last-write-wins on the dynamic.
func (s *MemoryStoreBackend) SaveRelationship(ctx context.Context, r *relationship.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	cp := *r
	cp.UpdatedAt = time.Now().UTC()
	s.relationships[pairKey(r.UserID, r.CharacterID)] = &cp
	return nil
}

// AddMemory stores a new memory event.
func (s *MemoryStoreBackend) AddMemory(ctx context.Context, e *memory.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	cp := *e
	s.memories[e.UserID] = append(s.memories[e.UserID], &cp)
	return nil
}

// SaveMemory updates an existing memory event in place.
func (s *MemoryStoreBackend) SaveMemory(ctx context.Context, e *memory.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	for i, existing := range s.memories[e.UserID] {
		if existing.ID == e.ID {
			cp := *e
			s.memories[e.UserID][i] = &cp
			return nil
		}
	}
	cp := *e
	s.memories[e.UserID] = append(s.memories[e.UserID], &cp)
	return nil
}

// Memories returns the user's events scoped to the character or global.
func (s *MemoryStoreBackend) Memories(ctx context.Context, userID, characterID string) ([]*memory.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*memory.Event
	for _, e := range s.memories[userID] {
		if e.CharacterID == "" || e.CharacterID == characterID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// AddHook stores a new hook.
func (s *MemoryStoreBackend) AddHook(ctx context.Context, h *memory.Hook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	cp := *h
	key := pairKey(h.UserID, h.CharacterID)
	s.hooks[key] = append(s.hooks[key], &cp)
	return nil
}

// SaveHook updates an existing hook in place.
func (s *MemoryStoreBackend) SaveHook(ctx context.Context, h *memory.Hook) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	key := pairKey(h.UserID, h.CharacterID)
	for i, existing := range s.hooks[key] {
		if existing.ID == h.ID {
			cp := *h
			s.hooks[key][i] = &cp
			return nil
		}
	}
	cp := *h
	s.hooks[key] = append(s.hooks[key], &cp)
	return nil
}

// Hooks returns all hooks for the pair.
func (s *MemoryStoreBackend) Hooks(ctx context.Context, userID, characterID string) ([]*memory.Hook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*memory.Hook
	for _, h := range s.hooks[pairKey(userID, characterID)] {
		cp := *h
		out = append(out, &cp)
	}
	return out, nil
}

// AllActiveHooks returns every active hook across all pairs.
func (s *MemoryStoreBackend) AllActiveHooks(ctx context.Context) ([]*memory.Hook, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var out []*memory.Hook
	for _, hooks := range s.hooks {
		for _, h := range hooks {
			if h.IsActive {
				cp := *h
				out = append(out, &cp)
			}
		}
	}
	return out, nil
}

// SaveTemplate stores an episode template.
func (s *MemoryStoreBackend) SaveTemplate(ctx context.Context, t *episode.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	cp := *t
	s.templates[t.ID] = &cp
	return nil
}

// GetTemplate retrieves an episode template by ID.
func (s *MemoryStoreBackend) GetTemplate(ctx context.Context, id string) (*episode.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	t, ok := s.templates[id]
	if !ok {
		return nil, ErrTemplateNotFound
	}
	cp := *t
	return &cp, nil
}

// SaveEvaluation stores an evaluation keyed by its share ID.
func (s *MemoryStoreBackend) SaveEvaluation(ctx context.Context, e *episode.Evaluation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	cp := *e
	s.evaluations[e.ShareID] = &cp
	return nil
}

// GetEvaluationByShareID serves the public share surface.
func (s *MemoryStoreBackend) GetEvaluationByShareID(ctx context.Context, shareID string) (*episode.Evaluation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	e, ok := s.evaluations[shareID]
	if !ok {
		return nil, ErrEvaluationNotFound
	}
	cp := *e
	return &cp, nil
}

// IncrementShareCount bumps the evaluation's share counter.
func (s *MemoryStoreBackend) IncrementShareCount(ctx context.Context, shareID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	e, ok := s.evaluations[shareID]
	if !ok {
		return ErrEvaluationNotFound
	}
	e.ShareCount++
	return nil
}

// Close marks the store closed; subsequent operations fail.
func (s *MemoryStoreBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
