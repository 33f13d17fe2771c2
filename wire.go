package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ============================================================================
// Wire Payloads
// ============================================================================

// wireTime accepts RFC 3339 strings and Unix epoch milliseconds.
type wireTime time.Time

func (t *wireTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = wireTime{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*t = wireTime{}
			return nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return fmt.Errorf("parse time %q: %w", s, err)
		}
		*t = wireTime(parsed)
		return nil
	}
	ms, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("parse epoch millis %s: %w", data, err)
	}
	*t = wireTime(time.UnixMilli(ms))
	return nil
}

func (t wireTime) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339Nano))
}

type wireReaction struct {
	UserID string `json:"userId"`
	Kind   string `json:"kind"`
}

// wireMessage is a message as the server sends it.
type wireMessage struct {
	ID             string          `json:"id"`
	LocalID        string          `json:"localId,omitempty"`
	ConversationID string          `json:"conversationId,omitempty"`
	Author         *IdentityHint   `json:"author,omitempty"`
	SenderID       string          `json:"senderId,omitempty"`
	Kind           MessageKind     `json:"kind"`
	Content        string          `json:"content,omitempty"`
	Attachment     *Attachment     `json:"attachment,omitempty"`
	Data           map[string]any  `json:"data,omitempty"`
	CreatedAt      wireTime        `json:"createdAt"`
	Status         DeliveryState   `json:"status,omitempty"`
	Reactions      *[]wireReaction `json:"reactions,omitempty"`
}

type messageNewPayload struct {
	ConversationID string      `json:"conversationId"`
	Message        wireMessage `json:"message"`
}

type messageUpdatedPayload struct {
	Message wireMessage `json:"message"`
}

type messageRecalledPayload struct {
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
}

type typingPayload struct {
	ConversationID string       `json:"conversationId"`
	User           IdentityHint `json:"user"`
	IsTyping       bool         `json:"isTyping"`
}

type presencePayload struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// ============================================================================
// Decoding
// ============================================================================

// author resolves the sender of w. A missing or unresolvable sender yields
// AnonymousUser.
func (r *Resolver) author(w *wireMessage) UserRef {
	if w.Author != nil {
		hint := *w.Author
		if hint.AccountID == "" && hint.Handle == "" && hint.Email == "" && w.SenderID != "" {
			hint.AccountID = w.SenderID
		}
		return r.UserRef(hint)
	}
	if w.SenderID != "" {
		id, err := r.ResolveRaw(w.SenderID)
		if err == nil {
			return UserRef{ID: id, DisplayName: string(id)}
		}
	}
	return AnonymousUser
}

func (r *Resolver) reactions(in []wireReaction) []Reaction {
	out := make([]Reaction, 0, len(in))
	for _, wr := range in {
		id, err := r.ResolveRaw(wr.UserID)
		if err != nil || wr.Kind == "" {
			continue
		}
		out = append(out, Reaction{UserID: id, Kind: wr.Kind})
	}
	return out
}

// decodeMessage converts a wire message. Validation happens in the Store.
func (r *Resolver) decodeMessage(w wireMessage) Message {
	m := Message{
		ID:             w.ID,
		LocalID:        w.LocalID,
		ConversationID: w.ConversationID,
		Author:         r.author(&w),
		Kind:           w.Kind,
		Payload: Payload{
			Text:       w.Content,
			Attachment: w.Attachment,
			Data:       w.Data,
		},
		CreatedAt: time.Time(w.CreatedAt),
		State:     w.Status,
	}
	if m.Kind == "" {
		m.Kind = KindText
	}
	if w.Reactions != nil {
		m.Reactions = r.reactions(*w.Reactions)
	}
	return m
}

// patchFrom builds the update carried by a message:updated event.
func (r *Resolver) patchFrom(w wireMessage) Patch {
	var p Patch
	if w.Content != "" || w.Attachment != nil || w.Data != nil {
		p.Payload = &Payload{Text: w.Content, Attachment: w.Attachment, Data: w.Data}
	}
	switch s := w.Status; s {
	case DeliverySent, DeliveryRecalled, DeliveryDeleted:
		p.State = &s
	}
	if w.Reactions != nil {
		p.Reactions = r.reactions(*w.Reactions)
	}
	return p
}
