package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// HistoryFetcher loads pages of older messages. An empty cursor asks for
// the newest page; otherwise only messages strictly older than the message
// identified by cursor are returned. *Client implements it.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, conversationID, cursor string, pageSize int) ([]Message, error)
}

type window struct {
	id           string
	msgs         []*Message
	ids          map[string]*Message
	locals       map[string]*Message
	cursor       string
	hasMoreOlder bool
	// fetched is set once a history page from the server was merged.
	fetched      bool
	gen          uint64
	version      uint64
	subs         listeners[WindowSnapshot]
}

func newWindow(id string) *window {
	return &window{
		id:           id,
		ids:          make(map[string]*Message),
		locals:       make(map[string]*Message),
		hasMoreOlder: true,
	}
}

func (w *window) sort() {
	sort.SliceStable(w.msgs, func(i, j int) bool {
		a, b := w.msgs[i], w.msgs[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.seq < b.seq
	})
}

func (w *window) remove(m *Message) {
	for i, x := range w.msgs {
		if x == m {
			w.msgs = append(w.msgs[:i], w.msgs[i+1:]...)
			return
		}
	}
}

// Store holds the ordered, deduplicated messages of each conversation.
//
// After every operation each window is sorted by (CreatedAt, arrival
// sequence), holds no two messages with the same ID and at most one
// provisional message per LocalID.
type Store struct {
	fetcher  HistoryFetcher
	resolver *Resolver
	self     func() CanonicalUserID
	log      *zap.Logger
	metrics  *Metrics
	cache    WindowCache

	mu      sync.Mutex
	windows map[string]*window
	byID    map[string]string
	byLocal map[string]string
	seq     uint64
	gen     uint64
}

// NewStore creates an empty store. self returns the current user and is
// used, through resolver, to tag outgoing messages in snapshots.
func NewStore(fetcher HistoryFetcher, resolver *Resolver, self func() CanonicalUserID, opts ...Option) *Store {
	o := buildOptions(opts)
	if resolver == nil {
		resolver = NewResolver()
	}
	if self == nil {
		self = func() CanonicalUserID { return "" }
	}
	return &Store{
		fetcher:  fetcher,
		resolver: resolver,
		self:     self,
		log:      o.log.Named("store"),
		metrics:  o.metrics,
		cache:    o.cache,
		windows:  make(map[string]*window),
		byID:     make(map[string]string),
		byLocal:  make(map[string]string),
	}
}

// windowLocked returns the window of conversationID, creating it and
// hydrating it from the cache on first use.
func (s *Store) windowLocked(conversationID string) *window {
	if w, ok := s.windows[conversationID]; ok {
		return w
	}
	w := newWindow(conversationID)
	s.gen++
	w.gen = s.gen
	s.windows[conversationID] = w

	if s.cache != nil {
		cached, err := s.cache.Load(conversationID, DefaultCacheKeep)
		if err != nil {
			s.log.Warn("cache_load_failed", zap.String("conversation", conversationID), zap.Error(err))
		}
		for _, m := range cached {
			if validateIncoming(conversationID, &m) == nil {
				s.mergeLocked(w, m)
			}
		}
		w.sort()
	}
	return w
}

// ── history ───────────────────────────────────────────────

// LoadOlder fetches up to pageSize messages older than the window cursor and
// merges them. It returns the number of messages the server returned. If
// the window is cleared or evicted while the fetch is in flight the result
// is discarded and ErrStaleWindow is returned.
func (s *Store) LoadOlder(ctx context.Context, conversationID string, pageSize int) (int, error) {
	if pageSize <= 0 {
		return 0, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	if s.fetcher == nil {
		return 0, errors.New("store has no history fetcher")
	}

	s.mu.Lock()
	w := s.windowLocked(conversationID)
	if !w.hasMoreOlder {
		s.mu.Unlock()
		return 0, nil
	}
	gen, cursor := w.gen, w.cursor
	s.mu.Unlock()

	page, err := s.fetcher.FetchHistory(ctx, conversationID, cursor, pageSize)
	if err != nil {
		return 0, fmt.Errorf("load older %s: %w", conversationID, err)
	}

	s.mu.Lock()
	if cur, ok := s.windows[conversationID]; !ok || cur != w || w.gen != gen {
		s.mu.Unlock()
		s.log.Debug("stale_page_dropped", zap.String("conversation", conversationID), zap.Int("count", len(page)))
		return 0, ErrStaleWindow
	}
	valid, _ := s.validate(conversationID, page)
	for _, m := range valid {
		s.mergeLocked(w, m)
	}
	if oldest := oldestOf(valid); oldest != "" {
		w.cursor = oldest
	}
	w.hasMoreOlder = len(page) == pageSize
	w.fetched = true
	w.sort()
	stored := storedLocked(w, valid)
	snap := s.bumpLocked(w)
	s.mu.Unlock()

	s.persist(conversationID, stored)
	s.publish(w, snap)
	return len(page), nil
}

// oldestOf returns the ID of the oldest message in page.
func oldestOf(page []Message) string {
	var oldest *Message
	for i := range page {
		m := &page[i]
		if m.ID == "" || m.CreatedAt.IsZero() {
			continue
		}
		if oldest == nil || m.CreatedAt.Before(oldest.CreatedAt) {
			oldest = m
		}
	}
	if oldest == nil {
		return ""
	}
	return oldest.ID
}

// ── merge ─────────────────────────────────────────────────

// MergeIncoming merges authoritative messages into the window of
// conversationID. Messages that fail validation are dropped and reported
// in the returned error; the others are merged. It returns the number of
// messages merged.
func (s *Store) MergeIncoming(conversationID string, msgs []Message) (int, error) {
	valid, errs := s.validate(conversationID, msgs)
	if len(valid) == 0 {
		return 0, errors.Join(errs...)
	}

	s.mu.Lock()
	w := s.windowLocked(conversationID)
	for _, m := range valid {
		s.mergeLocked(w, m)
	}
	w.sort()
	stored := storedLocked(w, valid)
	snap := s.bumpLocked(w)
	s.mu.Unlock()

	s.persist(conversationID, stored)
	s.publish(w, snap)
	return len(valid), errors.Join(errs...)
}

// validate returns validated copies of msgs and the errors of those that
// were dropped.
func (s *Store) validate(conversationID string, msgs []Message) ([]Message, []error) {
	var errs []error
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if err := validateIncoming(conversationID, &m); err != nil {
			s.log.Warn("message_dropped", zap.String("conversation", conversationID), zap.Error(err))
			s.metrics.dropped("malformed_message")
			errs = append(errs, err)
			continue
		}
		out = append(out, m)
	}
	return out, errs
}

// storedLocked returns copies of the window entries for msgs as they are
// after the merge.
func storedLocked(w *window, msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if cur, ok := w.ids[m.ID]; ok {
			out = append(out, cur.clone())
		}
	}
	return out
}

// validateIncoming checks an authoritative message before it may touch a
// window. It fills in defaults for omitted fields.
func validateIncoming(conversationID string, m *Message) error {
	switch {
	case m.ID == "":
		return fmt.Errorf("%w: missing id", ErrMalformedMessage)
	case m.ConversationID != "" && m.ConversationID != conversationID:
		return fmt.Errorf("%w: message %s belongs to %s, not %s", ErrMalformedMessage, m.ID, m.ConversationID, conversationID)
	case m.CreatedAt.IsZero():
		return fmt.Errorf("%w: message %s has no creation time", ErrMalformedMessage, m.ID)
	case !m.Kind.Valid():
		return fmt.Errorf("%w: message %s has unknown kind %q", ErrMalformedMessage, m.ID, m.Kind)
	}
	switch m.State {
	case "", DeliveryPending, DeliveryFailed:
		// the server only knows delivered messages
		m.State = DeliverySent
	case DeliverySent, DeliveryRecalled, DeliveryDeleted:
	default:
		return fmt.Errorf("%w: message %s has unknown state %q", ErrMalformedMessage, m.ID, m.State)
	}
	m.ConversationID = conversationID
	return nil
}

func (s *Store) mergeLocked(w *window, in Message) {
	in = in.clone()
	in.Progress = nil
	in.Failure = nil

	if cur, ok := w.ids[in.ID]; ok {
		localID := in.LocalID
		if cur.State.terminal() {
			// recalled and deleted are final; only the provisional twin goes
			if localID != "" && cur.LocalID == "" {
				cur.LocalID = localID
			}
		} else {
			if in.LocalID == "" {
				in.LocalID = cur.LocalID
			}
			in.seq = cur.seq
			*cur = in
			localID = in.LocalID
		}
		if prov, ok := w.locals[localID]; ok && localID != "" && prov != cur {
			// the echo arrived before the send response
			w.remove(prov)
			s.dropLocalLocked(w, localID)
		}
		return
	}

	if prov, ok := w.locals[in.LocalID]; ok && in.LocalID != "" {
		in.seq = prov.seq
		*prov = in
		s.dropLocalLocked(w, in.LocalID)
		w.ids[in.ID] = prov
		s.byID[in.ID] = w.id
		return
	}

	s.seq++
	in.seq = s.seq
	m := &in
	w.msgs = append(w.msgs, m)
	w.ids[in.ID] = m
	s.byID[in.ID] = w.id
}

func (s *Store) dropLocalLocked(w *window, localID string) {
	delete(w.locals, localID)
	delete(s.byLocal, localID)
}

// ── updates ───────────────────────────────────────────────

// ApplyUpdate applies patch to the loaded message with messageID. It
// returns false when the message is not loaded.
func (s *Store) ApplyUpdate(messageID string, patch Patch) bool {
	s.mu.Lock()
	conv, ok := s.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	w := s.windows[conv]
	m := w.ids[messageID]
	if m.State.terminal() {
		s.mu.Unlock()
		return true
	}

	if patch.Payload != nil {
		m.Payload = patch.Payload.clone()
	}
	if patch.Reactions != nil {
		m.Reactions = append([]Reaction(nil), patch.Reactions...)
	}
	if r := patch.AddReaction; r != nil && !hasReaction(m.Reactions, *r) {
		m.Reactions = append(m.Reactions, *r)
	}
	if r := patch.RemoveReaction; r != nil {
		m.Reactions = withoutReaction(m.Reactions, *r)
	}
	if patch.State != nil {
		m.State = *patch.State
		if m.State.terminal() {
			m.Payload = Payload{}
			m.Reactions = nil
		}
	}
	saved := m.clone()
	snap := s.bumpLocked(w)
	s.mu.Unlock()

	s.persist(conv, []Message{saved})
	s.publish(w, snap)
	return true
}

func hasReaction(rs []Reaction, r Reaction) bool {
	for _, x := range rs {
		if x == r {
			return true
		}
	}
	return false
}

func withoutReaction(rs []Reaction, r Reaction) []Reaction {
	out := rs[:0:0]
	for _, x := range rs {
		if x != r {
			out = append(out, x)
		}
	}
	return out
}

// ── provisional messages ──────────────────────────────────

// InsertProvisional adds a locally created message. It must have a LocalID
// and no ID.
func (s *Store) InsertProvisional(m Message) error {
	switch {
	case m.LocalID == "":
		return errors.New("provisional message needs a local id")
	case m.ID != "":
		return fmt.Errorf("provisional message %s already has a server id", m.LocalID)
	case m.ConversationID == "":
		return fmt.Errorf("provisional message %s has no conversation", m.LocalID)
	}

	s.mu.Lock()
	if _, dup := s.byLocal[m.LocalID]; dup {
		s.mu.Unlock()
		return fmt.Errorf("duplicate local id %s", m.LocalID)
	}
	w := s.windowLocked(m.ConversationID)
	in := m.clone()
	if in.State == "" {
		in.State = DeliveryPending
	}
	in.Outgoing = true
	s.seq++
	in.seq = s.seq
	w.msgs = append(w.msgs, &in)
	w.locals[in.LocalID] = &in
	s.byLocal[in.LocalID] = w.id
	w.sort()
	snap := s.bumpLocked(w)
	s.mu.Unlock()

	s.publish(w, snap)
	return nil
}

// UpdateLocal applies fn to the provisional message with localID in place.
// fn cannot change the message identity. It returns false when no
// provisional message has localID.
func (s *Store) UpdateLocal(localID string, fn func(m *Message)) bool {
	s.mu.Lock()
	conv, ok := s.byLocal[localID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	w := s.windows[conv]
	m := w.locals[localID]
	next := m.clone()
	fn(&next)
	next.ID, next.LocalID, next.ConversationID, next.seq = "", m.LocalID, m.ConversationID, m.seq
	next.Outgoing = true
	*m = next
	w.sort()
	snap := s.bumpLocked(w)
	s.mu.Unlock()

	s.publish(w, snap)
	return true
}

// RemoveLocal drops the provisional message with localID.
func (s *Store) RemoveLocal(localID string) bool {
	s.mu.Lock()
	conv, ok := s.byLocal[localID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	w := s.windows[conv]
	w.remove(w.locals[localID])
	s.dropLocalLocked(w, localID)
	snap := s.bumpLocked(w)
	s.mu.Unlock()

	s.publish(w, snap)
	return true
}

// Local returns a copy of the provisional message with localID.
func (s *Store) Local(localID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byLocal[localID]
	if !ok {
		return Message{}, false
	}
	return s.windows[conv].locals[localID].clone(), true
}

// Get returns a copy of the loaded message with messageID.
func (s *Store) Get(messageID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.byID[messageID]
	if !ok {
		return Message{}, false
	}
	return s.windows[conv].ids[messageID].clone(), true
}

// ── windows ───────────────────────────────────────────────

// Clear resets the window of conversationID to empty with more history to
// load. In-flight LoadOlder calls for it are discarded. The cache is kept.
func (s *Store) Clear(conversationID string) {
	s.mu.Lock()
	w, ok := s.windows[conversationID]
	if !ok {
		s.mu.Unlock()
		return
	}
	s.forgetLocked(w)
	w.msgs = nil
	w.ids = make(map[string]*Message)
	w.locals = make(map[string]*Message)
	w.cursor = ""
	w.hasMoreOlder = true
	w.fetched = false
	s.gen++
	w.gen = s.gen
	snap := s.bumpLocked(w)
	s.mu.Unlock()

	s.publish(w, snap)
}

// Fetched reports whether the window of conversationID has merged a page
// from the server since it was created or last cleared. Windows filled only
// from the cache report false.
func (s *Store) Fetched(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[conversationID]
	return ok && w.fetched
}

// Evict drops the window of conversationID if nothing is subscribed to it.
// It reports whether the window is gone.
func (s *Store) Evict(conversationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[conversationID]
	if !ok {
		return true
	}
	if w.subs.len() > 0 {
		return false
	}
	s.forgetLocked(w)
	delete(s.windows, conversationID)
	return true
}

// Reset drops every window, for example on logout.
func (s *Store) Reset() {
	s.mu.Lock()
	s.windows = make(map[string]*window)
	s.byID = make(map[string]string)
	s.byLocal = make(map[string]string)
	s.mu.Unlock()
}

func (s *Store) forgetLocked(w *window) {
	for id := range w.ids {
		delete(s.byID, id)
	}
	for id := range w.locals {
		delete(s.byLocal, id)
	}
}

// Window returns a snapshot of the window of conversationID.
func (s *Store) Window(conversationID string) WindowSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(s.windowLocked(conversationID))
}

// Subscribe registers fn for changes to the window of conversationID and
// immediately delivers the current snapshot. Snapshots may arrive out of
// order when the store is mutated concurrently; compare Version.
func (s *Store) Subscribe(conversationID string, fn func(WindowSnapshot)) func() {
	s.mu.Lock()
	w := s.windowLocked(conversationID)
	snap := s.snapshotLocked(w)
	unsubscribe := w.subs.add(fn)
	s.mu.Unlock()

	call(s.log, "window", fn, snap)
	return unsubscribe
}

func (s *Store) bumpLocked(w *window) WindowSnapshot {
	w.version++
	return s.snapshotLocked(w)
}

func (s *Store) snapshotLocked(w *window) WindowSnapshot {
	snap := WindowSnapshot{
		ConversationID: w.id,
		Messages:       make([]Message, len(w.msgs)),
		Cursor:         w.cursor,
		HasMoreOlder:   w.hasMoreOlder,
		Version:        w.version,
	}
	self := s.self()
	for i, m := range w.msgs {
		c := m.clone()
		c.Outgoing = m.IsProvisional() || s.isOwn(self, c.Author)
		snap.Messages[i] = c
	}
	return snap
}

// isOwn reports whether author is the current user. Authors recorded under
// a derived ID still match once the resolver has learned the alias.
func (s *Store) isOwn(self CanonicalUserID, author UserRef) bool {
	if self.IsAnonymous() || author.ID.IsAnonymous() {
		return false
	}
	return author.ID == self || s.resolver.rebase(author.ID) == s.resolver.rebase(self)
}

func (s *Store) publish(w *window, snap WindowSnapshot) {
	w.subs.emit(s.log, "window", snap)
}

func (s *Store) persist(conversationID string, msgs []Message) {
	if s.cache == nil || len(msgs) == 0 {
		return
	}
	if err := s.cache.Save(conversationID, msgs); err != nil {
		s.log.Warn("cache_save_failed", zap.String("conversation", conversationID), zap.Error(err))
	}
}
