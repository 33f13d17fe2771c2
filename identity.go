package chatsync

import (
	"strings"
	"sync"

	"golang.org/x/text/cases"
)

// IdentityHint is a partial user object as it appears in server payloads,
// credentials and contact lists. Any subset of the fields may be set.
type IdentityHint struct {
	AccountID   string `json:"id,omitempty"`
	Handle      string `json:"handle,omitempty"`
	Email       string `json:"email,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarRef   string `json:"avatar,omitempty"`
}

// Resolver maps heterogeneous user identifiers to one CanonicalUserID.
//
// The result depends only on the input and on the alias table owned by the
// resolver. The table is filled by Alias and by every hint that carries an
// account ID together with a handle or email.
type Resolver struct {
	mu      sync.RWMutex
	aliases map[string]CanonicalUserID
	// localParts is keyed by the local part of emails only. Handles never
	// land here, so a stranger's email cannot match a known handle.
	localParts map[string]CanonicalUserID
}

// NewResolver creates a resolver with an empty alias table.
func NewResolver() *Resolver {
	return &Resolver{
		aliases:    make(map[string]CanonicalUserID),
		localParts: make(map[string]CanonicalUserID),
	}
}

// Alias records that every identifier in identifiers belongs to accountID.
// Identifiers may be handles (with or without a leading @) or emails.
func (r *Resolver) Alias(accountID string, identifiers ...string) {
	id := CanonicalUserID(strings.TrimSpace(accountID))
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, raw := range identifiers {
		if isEmail(raw) {
			r.learnEmailLocked(id, foldKey(raw))
			continue
		}
		if k := handleKey(raw); k != "" {
			r.learnLocked(id, k)
		}
	}
}

// Resolve returns the canonical ID for hint. Resolution order:
//  1. the account ID, when present;
//  2. an alias table hit for the email, the handle, then the email's local part;
//  3. an ID derived from the normalized email, or the handle when there is no email.
//
// ErrUnresolvableIdentity is returned when the hint carries none of these.
func (r *Resolver) Resolve(hint IdentityHint) (CanonicalUserID, error) {
	email := foldKey(hint.Email)
	keys := emailKeys(email)
	handle := handleKey(hint.Handle)

	if account := strings.TrimSpace(hint.AccountID); account != "" {
		id := CanonicalUserID(account)
		if email != "" || handle != "" {
			r.mu.Lock()
			r.learnEmailLocked(id, email)
			r.learnLocked(id, handle)
			r.mu.Unlock()
		}
		return id, nil
	}

	// email, then handle, then the domain-stripped email
	lookup := make([]string, 0, 2)
	if email != "" {
		lookup = append(lookup, email)
	}
	if handle != "" {
		lookup = append(lookup, handle)
	}

	r.mu.RLock()
	for _, k := range lookup {
		if id, ok := r.aliases[k]; ok {
			r.mu.RUnlock()
			return id, nil
		}
	}
	if len(keys) > 1 {
		if id, ok := r.localParts[keys[1]]; ok {
			r.mu.RUnlock()
			return id, nil
		}
	}
	r.mu.RUnlock()

	switch {
	case email != "":
		return derivedID(email), nil
	case handle != "":
		return derivedID(handle), nil
	}
	return "", ErrUnresolvableIdentity
}

// ResolveRaw resolves a bare identifier string. Email-shaped strings are
// treated as emails, strings with a leading @ as handles, known aliases as
// their mapping and anything else as an opaque account ID.
func (r *Resolver) ResolveRaw(raw string) (CanonicalUserID, error) {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return "", ErrUnresolvableIdentity
	case isEmail(raw):
		return r.Resolve(IdentityHint{Email: raw})
	case strings.HasPrefix(raw, "@"):
		return r.Resolve(IdentityHint{Handle: raw})
	}
	r.mu.RLock()
	id, ok := r.aliases[handleKey(raw)]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}
	return CanonicalUserID(raw), nil
}

// rebase maps a derived ID to the account its key has since been aliased
// to. Other IDs are returned unchanged.
func (r *Resolver) rebase(id CanonicalUserID) CanonicalUserID {
	key, ok := strings.CutPrefix(string(id), "@")
	if !ok || key == "" {
		return id
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if account, ok := r.aliases[key]; ok {
		return account
	}
	return id
}

// UserRef builds the author snapshot for hint. Unresolvable hints yield
// AnonymousUser instead of an error.
func (r *Resolver) UserRef(hint IdentityHint) UserRef {
	id, err := r.Resolve(hint)
	if err != nil {
		return AnonymousUser
	}
	name := strings.TrimSpace(hint.DisplayName)
	if name == "" {
		name = strings.TrimPrefix(strings.TrimSpace(hint.Handle), "@")
	}
	if name == "" {
		name = string(id)
	}
	return UserRef{ID: id, DisplayName: name, AvatarRef: hint.AvatarRef}
}

// Same reports whether both hints resolve to the same known user. Two
// unresolvable hints are never the same user.
func (r *Resolver) Same(a, b IdentityHint) bool {
	ida, err := r.Resolve(a)
	if err != nil {
		return false
	}
	idb, err := r.Resolve(b)
	if err != nil {
		return false
	}
	return ida == idb
}

func (r *Resolver) learnLocked(id CanonicalUserID, keys ...string) {
	for _, k := range keys {
		if k == "" {
			continue
		}
		// first proof wins; a later conflicting claim is ignored
		if _, ok := r.aliases[k]; !ok {
			r.aliases[k] = id
		}
	}
}

// learnEmailLocked records an email key and its local part.
func (r *Resolver) learnEmailLocked(id CanonicalUserID, email string) {
	keys := emailKeys(email)
	if len(keys) == 0 {
		return
	}
	r.learnLocked(id, keys[0])
	if len(keys) > 1 {
		if _, ok := r.localParts[keys[1]]; !ok {
			r.localParts[keys[1]] = id
		}
	}
}

// foldKey builds a fresh Caser per call; a Caser must not be shared
// between goroutines.
func foldKey(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

func handleKey(s string) string {
	return strings.TrimPrefix(foldKey(s), "@")
}

// derived IDs carry a leading @ so they never collide with server account IDs.
func derivedID(key string) CanonicalUserID {
	return CanonicalUserID("@" + key)
}

// emailKeys returns the full email key followed by its local part.
func emailKeys(email string) []string {
	if email == "" {
		return nil
	}
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return []string{email}
	}
	return []string{email, email[:at]}
}

func isEmail(s string) bool {
	s = strings.TrimSpace(s)
	at := strings.LastIndex(s, "@")
	if at <= 0 || at == len(s)-1 {
		return false
	}
	domain := s[at+1:]
	return strings.Contains(domain, ".") && !strings.ContainsAny(s, " \t")
}
