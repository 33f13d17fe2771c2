package chatsync

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MessageAPI is the part of the request API the Sender needs. *Client
// implements it.
type MessageAPI interface {
	Send(ctx context.Context, req SendRequest) (Message, error)
	SendFile(ctx context.Context, up FileUpload) (Message, error)
	Delete(ctx context.Context, messageID string) error
	React(ctx context.Context, messageID, kind string) error
}

// SenderConfig configures the send pipeline.
type SenderConfig struct {
	// RequestTimeout bounds each submission; it is capped at 30s.
	RequestTimeout time.Duration
	// MaxTextLength in runes; zero means 4000.
	MaxTextLength int
	// MaxFileSize in bytes; zero means 50 MiB.
	MaxFileSize int64
	// AllowedMimeTypes restricts file sends when non-empty. Entries ending
	// in "/*" match a whole family.
	AllowedMimeTypes []string
}

const maxRequestTimeout = 30 * time.Second

func (c *SenderConfig) defaults() {
	if c.RequestTimeout <= 0 || c.RequestTimeout > maxRequestTimeout {
		c.RequestTimeout = maxRequestTimeout
	}
	if c.MaxTextLength == 0 {
		c.MaxTextLength = 4000
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = 50 * 1024 * 1024
	}
}

// FileRef is a file to send. Open is called once per attempt, so a failed
// send can be retried.
type FileRef struct {
	Name     string
	MimeType string
	Size     int64
	Open     func() (io.ReadCloser, error)
}

// FileFromPath describes the file at path.
func FileFromPath(path string) (FileRef, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileRef{}, fmt.Errorf("failed to read file: %w", err)
	}
	if info.IsDir() {
		return FileRef{}, fmt.Errorf("%w: %s is a directory", ErrUnsupportedFile, path)
	}
	return FileRef{
		Name:     filepath.Base(path),
		MimeType: guessMimeType(path),
		Size:     info.Size(),
		Open:     func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

// SendOutcome reports the end of a submission.
type SendOutcome struct {
	LocalID        string
	ConversationID string
	// Message is the authoritative message when Err is nil.
	Message   Message
	Err       error
	Retryable bool
}

type outgoing struct {
	conv      string
	kind      MessageKind
	text      string
	file      *FileRef
	inFlight  bool
	retryable bool
}

// Sender creates provisional messages and reconciles them with the server.
type Sender struct {
	cfg     SenderConfig
	store   *Store
	api     MessageAPI
	self    func() UserRef
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time

	mu       sync.Mutex
	outbox   map[string]*outgoing
	wg       sync.WaitGroup
	outcomes listeners[SendOutcome]
}

// NewSender creates a send pipeline writing into store. self returns the
// author snapshot of the current user.
func NewSender(store *Store, api MessageAPI, self func() UserRef, config *SenderConfig, opts ...Option) *Sender {
	var cfg SenderConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	o := buildOptions(opts)
	if self == nil {
		self = func() UserRef { return AnonymousUser }
	}
	return &Sender{
		cfg:     cfg,
		store:   store,
		api:     api,
		self:    self,
		log:     o.log.Named("sender"),
		metrics: o.metrics,
		now:     o.now,
		outbox:  make(map[string]*outgoing),
	}
}

// OnOutcome registers fn for submission results.
func (s *Sender) OnOutcome(fn func(SendOutcome)) func() {
	return s.outcomes.add(fn)
}

// Wait blocks until all in-flight submissions have finished.
func (s *Sender) Wait() {
	s.wg.Wait()
}

func newLocalID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// SendText inserts a pending text message and submits it in the background.
// Validation failures are returned without touching the store.
func (s *Sender) SendText(ctx context.Context, conversationID, text string) (Message, error) {
	if strings.TrimSpace(text) == "" {
		return Message{}, ErrEmptyPayload
	}
	if n := utf8.RuneCountInString(text); n > s.cfg.MaxTextLength {
		return Message{}, fmt.Errorf("%w: %d characters, limit %d", ErrPayloadTooLarge, n, s.cfg.MaxTextLength)
	}
	return s.start(ctx, &outgoing{conv: conversationID, kind: KindText, text: text}, Payload{Text: text}, nil)
}

// SendFile inserts a pending media message and uploads it in the background.
// Upload progress is reported on the same provisional message.
func (s *Sender) SendFile(ctx context.Context, conversationID string, file FileRef, kind MessageKind) (Message, error) {
	if err := s.validateFile(&file, kind); err != nil {
		return Message{}, err
	}
	payload := Payload{Attachment: &Attachment{Name: file.Name, MimeType: file.MimeType, Size: file.Size}}
	return s.start(ctx, &outgoing{conv: conversationID, kind: kind, file: &file}, payload, &Progress{Total: file.Size})
}

func (s *Sender) validateFile(file *FileRef, kind MessageKind) error {
	if !kind.IsMedia() {
		return fmt.Errorf("%w: kind %q cannot carry a file", ErrUnsupportedFile, kind)
	}
	if file.Open == nil || file.Size <= 0 {
		return ErrEmptyPayload
	}
	if file.Size > s.cfg.MaxFileSize {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrPayloadTooLarge, file.Size, s.cfg.MaxFileSize)
	}
	if file.MimeType == "" {
		file.MimeType = guessMimeType(file.Name)
	}
	switch {
	case kind == KindImage && !strings.HasPrefix(file.MimeType, "image/"):
		return fmt.Errorf("%w: %s is not an image", ErrUnsupportedFile, file.MimeType)
	case kind == KindVideo && !strings.HasPrefix(file.MimeType, "video/"):
		return fmt.Errorf("%w: %s is not a video", ErrUnsupportedFile, file.MimeType)
	}
	if len(s.cfg.AllowedMimeTypes) > 0 && !mimeAllowed(s.cfg.AllowedMimeTypes, file.MimeType) {
		return fmt.Errorf("%w: %s", ErrUnsupportedFile, file.MimeType)
	}
	return nil
}

func mimeAllowed(allowed []string, mimeType string) bool {
	for _, a := range allowed {
		if family, ok := strings.CutSuffix(a, "/*"); ok {
			if strings.HasPrefix(mimeType, family+"/") {
				return true
			}
		} else if a == mimeType {
			return true
		}
	}
	return false
}

func (s *Sender) start(ctx context.Context, req *outgoing, payload Payload, progress *Progress) (Message, error) {
	m := Message{
		LocalID:        newLocalID(),
		ConversationID: req.conv,
		Author:         s.self(),
		Kind:           req.kind,
		Payload:        payload,
		CreatedAt:      s.now(),
		State:          DeliveryPending,
		Outgoing:       true,
		Progress:       progress,
	}
	if err := s.store.InsertProvisional(m); err != nil {
		return Message{}, err
	}

	req.inFlight = true
	s.mu.Lock()
	s.outbox[m.LocalID] = req
	s.mu.Unlock()

	s.log.Debug("send_started", zap.String("conversation", req.conv), zap.String("local_id", m.LocalID))
	s.submit(context.WithoutCancel(ctx), m.LocalID, req)
	return m, nil
}

// Retry resubmits a failed message. It returns ErrUnknownMessage when no
// provisional message has localID and ErrNotRetryable when its failure is
// terminal. Retrying a message that is already in flight is a no-op.
func (s *Sender) Retry(ctx context.Context, localID string) error {
	s.mu.Lock()
	req, ok := s.outbox[localID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, localID)
	}
	if req.inFlight {
		s.mu.Unlock()
		return nil
	}
	if !req.retryable {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotRetryable, localID)
	}
	req.inFlight = true
	s.mu.Unlock()

	found := s.store.UpdateLocal(localID, func(m *Message) {
		m.State = DeliveryPending
		m.Failure = nil
		if req.file != nil {
			m.Progress = &Progress{Total: req.file.Size}
		}
	})
	if !found {
		s.mu.Lock()
		delete(s.outbox, localID)
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, localID)
	}

	s.log.Info("send_retried", zap.String("conversation", req.conv), zap.String("local_id", localID))
	s.submit(context.WithoutCancel(ctx), localID, req)
	return nil
}

// Discard drops a failed provisional message.
func (s *Sender) Discard(localID string) error {
	s.mu.Lock()
	req, ok := s.outbox[localID]
	if ok && req.inFlight {
		s.mu.Unlock()
		return fmt.Errorf("message %s is still being sent", localID)
	}
	delete(s.outbox, localID)
	s.mu.Unlock()

	if !s.store.RemoveLocal(localID) {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, localID)
	}
	return nil
}

func (s *Sender) submit(base context.Context, localID string, req *outgoing) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ctx, cancel := context.WithTimeout(base, s.cfg.RequestTimeout)
		defer cancel()

		msg, err := s.deliver(ctx, localID, req)
		if err == nil {
			err = s.reconcile(localID, req, msg)
		}
		if err != nil {
			s.fail(localID, req, err)
		}
	}()
}

func (s *Sender) deliver(ctx context.Context, localID string, req *outgoing) (Message, error) {
	if req.file == nil {
		return s.api.Send(ctx, SendRequest{
			ConversationID: req.conv,
			LocalID:        localID,
			Kind:           req.kind,
			Content:        req.text,
		})
	}

	body, err := req.file.Open()
	if err != nil {
		return Message{}, fmt.Errorf("%w: open %s: %v", ErrUnsupportedFile, req.file.Name, err)
	}
	defer body.Close()

	return s.api.SendFile(ctx, FileUpload{
		ConversationID: req.conv,
		LocalID:        localID,
		Kind:           req.kind,
		Name:           req.file.Name,
		MimeType:       req.file.MimeType,
		Size:           req.file.Size,
		Body:           body,
		OnProgress: func(sent, total int64) {
			s.store.UpdateLocal(localID, func(m *Message) {
				m.Progress = &Progress{Sent: sent, Total: total}
			})
		},
	})
}

// reconcile merges the authoritative message. The merge matches the
// provisional entry by LocalID, and an echo that already arrived on the
// event channel by ID, so neither order leaves a duplicate.
func (s *Sender) reconcile(localID string, req *outgoing, msg Message) error {
	msg.LocalID = localID
	if msg.ConversationID == "" {
		msg.ConversationID = req.conv
	}
	if _, err := s.store.MergeIncoming(req.conv, []Message{msg}); err != nil {
		return err
	}

	s.mu.Lock()
	delete(s.outbox, localID)
	s.mu.Unlock()

	s.metrics.send("sent")
	s.log.Debug("send_confirmed",
		zap.String("conversation", req.conv),
		zap.String("local_id", localID),
		zap.String("message_id", msg.ID))
	stored, ok := s.store.Get(msg.ID)
	if !ok {
		stored = msg
	}
	s.outcomes.emit(s.log, "send", SendOutcome{LocalID: localID, ConversationID: req.conv, Message: stored})
	return nil
}

func (s *Sender) fail(localID string, req *outgoing, err error) {
	retryable := IsRetryable(err)

	// the entry is marked failed before Retry may pick it up again
	s.store.UpdateLocal(localID, func(m *Message) {
		m.State = DeliveryFailed
		m.Failure = &SendFailure{Reason: err.Error(), Retryable: retryable}
	})

	s.mu.Lock()
	req.inFlight = false
	req.retryable = retryable
	s.mu.Unlock()

	s.metrics.send("failed")
	s.log.Warn("send_failed",
		zap.String("conversation", req.conv),
		zap.String("local_id", localID),
		zap.Bool("retryable", retryable),
		zap.Error(err))
	s.outcomes.emit(s.log, "send", SendOutcome{LocalID: localID, ConversationID: req.conv, Err: err, Retryable: retryable})
}

// ── message actions ───────────────────────────────────────

// Delete deletes a sent message and marks it deleted in the store.
func (s *Sender) Delete(ctx context.Context, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	if err := s.api.Delete(ctx, messageID); err != nil {
		return fmt.Errorf("delete %s: %w", messageID, err)
	}
	deleted := DeliveryDeleted
	s.store.ApplyUpdate(messageID, Patch{State: &deleted})
	return nil
}

// React adds the current user's reaction to a message. The reaction is
// shown immediately and rolled back when the request fails.
func (s *Sender) React(ctx context.Context, messageID, kind string) error {
	if strings.TrimSpace(kind) == "" {
		return ErrEmptyPayload
	}
	r := Reaction{UserID: s.self().ID, Kind: kind}
	optimistic := false
	if m, ok := s.store.Get(messageID); ok && !hasReaction(m.Reactions, r) {
		optimistic = s.store.ApplyUpdate(messageID, Patch{AddReaction: &r})
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()
	if err := s.api.React(ctx, messageID, kind); err != nil {
		if optimistic {
			s.store.ApplyUpdate(messageID, Patch{RemoveReaction: &r})
		}
		return fmt.Errorf("react to %s: %w", messageID, err)
	}
	return nil
}
