package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// ============================================================================
// Test Helpers
// ============================================================================

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.URL+"/", testCredentials()), server
}

func writeResult(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

// ============================================================================
// Request Envelope
// ============================================================================

func TestClientSend(t *testing.T) {
	var got SendRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/messages" {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer tok-1" {
			t.Errorf("Expected bearer token, got %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		writeResult(w, http.StatusOK, `{"ok":true,"data":{
			"id":"srv-1","localId":"l1","conversationId":"c1","kind":"text","content":"hi",
			"author":{"id":"u1","displayName":"Me"},"createdAt":"2026-01-01T12:00:00Z","status":"sent"}}`)
	})

	m, err := client.Send(context.Background(), SendRequest{ConversationID: "c1", LocalID: "l1", Kind: KindText, Content: "hi"})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got.ConversationID != "c1" || got.LocalID != "l1" || got.Content != "hi" {
		t.Fatalf("Unexpected request body: %+v", got)
	}
	if m.ID != "srv-1" || m.LocalID != "l1" || m.Author.ID != "u1" || m.Payload.Text != "hi" {
		t.Fatalf("Unexpected message: %+v", m)
	}
	if !m.CreatedAt.Equal(baseTime) {
		t.Fatalf("Expected %s, got %s", baseTime, m.CreatedAt)
	}
}

func TestClientErrors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		code      string
		retryable bool
	}{
		{"envelope error", http.StatusBadRequest, `{"ok":false,"error":{"code":"INVALID","message":"bad"}}`, "INVALID", false},
		{"ok false on 200", http.StatusOK, `{"ok":false,"error":{"code":"FORBIDDEN","message":"no"}}`, "FORBIDDEN", false},
		{"rate limited", http.StatusTooManyRequests, `{"ok":false}`, "UNKNOWN", true},
		{"server error html", http.StatusBadGateway, `<html>bad gateway</html>`, "HTTP_502", true},
		{"timeout", http.StatusRequestTimeout, ``, "HTTP_408", true},
		{"unauthorized", http.StatusUnauthorized, `{"ok":false,"error":{"code":"UNAUTHORIZED","message":"expired"}}`, "UNAUTHORIZED", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeResult(w, tc.status, tc.body)
			})

			_, err := client.Send(context.Background(), SendRequest{ConversationID: "c1", Content: "x"})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("Expected *APIError, got %v", err)
			}
			if apiErr.Code != tc.code || apiErr.Status != tc.status {
				t.Fatalf("Expected %s/%d, got %s/%d", tc.code, tc.status, apiErr.Code, apiErr.Status)
			}
			if IsRetryable(err) != tc.retryable {
				t.Fatalf("Expected retryable=%v for %v", tc.retryable, err)
			}
		})
	}
}

func TestClientTransportErrorIsRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	client := NewClient(url, testCredentials(), WithTimeout(time.Second))
	_, err := client.Send(context.Background(), SendRequest{ConversationID: "c1", Content: "x"})
	if err == nil {
		t.Fatal("Expected transport error")
	}
	if !IsRetryable(err) {
		t.Fatalf("Expected transport error to be retryable, got %v", err)
	}
}

func TestClientMissingCredential(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { calls++ }))
	defer server.Close()

	client := NewClient(server.URL, NewStaticCredentials(Credential{}))
	_, err := client.Send(context.Background(), SendRequest{ConversationID: "c1", Content: "x"})
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("Expected ErrMissingCredential, got %v", err)
	}
	if calls != 0 {
		t.Fatal("Expected no request without a credential")
	}
	if IsRetryable(err) {
		t.Fatal("Expected missing credential not to be retryable")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{ErrEmptyPayload, false},
		{fmt.Errorf("wrapped: %w", ErrPayloadTooLarge), false},
		{context.DeadlineExceeded, true},
		{context.Canceled, false},
		{&APIError{Code: "TIMEOUT"}, true},
		{&APIError{Code: "INVALID"}, false},
		{&APIError{Code: "X", Status: 503}, true},
		{&transportError{err: io.ErrUnexpectedEOF}, true},
		{ErrMalformedMessage, false},
		{fmt.Errorf("send: %w", ErrMissingCredential), false},
		{ErrCredentialRejected, false},
		{&APIError{Code: "FORBIDDEN", Status: 403}, false},
		{errors.New("connection reset by peer"), true},
		{io.ErrUnexpectedEOF, true},
	}
	for _, tc := range tests {
		if got := IsRetryable(tc.err); got != tc.want {
			t.Fatalf("IsRetryable(%v): expected %v, got %v", tc.err, tc.want, got)
		}
	}
}

// ============================================================================
// File Upload
// ============================================================================

func TestClientSendFile(t *testing.T) {
	content := bytes.Repeat([]byte("x"), 100*1024)

	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages/file" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if !strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			t.Errorf("Expected multipart body, got %s", r.Header.Get("Content-Type"))
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("ParseMultipartForm failed: %v", err)
			return
		}
		for k, want := range map[string]string{"conversationId": "c1", "localId": "l1", "kind": "image", "mimeType": "image/png"} {
			if got := r.FormValue(k); got != want {
				t.Errorf("Expected %s=%s, got %s", k, want, got)
			}
		}
		f, header, err := r.FormFile("file")
		if err != nil {
			t.Errorf("FormFile failed: %v", err)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		if header.Filename != "photo.png" || len(data) != len(content) {
			t.Errorf("Expected photo.png with %d bytes, got %s with %d", len(content), header.Filename, len(data))
		}
		writeResult(w, http.StatusOK, `{"ok":true,"data":{"id":"srv-2","localId":"l1","kind":"image",
			"attachment":{"name":"photo.png","mimeType":"image/png","size":102400,"url":"https://cdn.example.com/p.png"},
			"senderId":"u1","createdAt":1767268800000}}`)
	})

	var mu sync.Mutex
	var progress [][2]int64
	m, err := client.SendFile(context.Background(), FileUpload{
		ConversationID: "c1",
		LocalID:        "l1",
		Kind:           KindImage,
		Name:           "photo.png",
		Size:           int64(len(content)),
		Body:           bytes.NewReader(content),
		OnProgress: func(sent, total int64) {
			mu.Lock()
			progress = append(progress, [2]int64{sent, total})
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}
	if m.ID != "srv-2" || m.Payload.Attachment == nil || m.Payload.Attachment.URL == "" {
		t.Fatalf("Unexpected message: %+v", m)
	}
	if !m.CreatedAt.Equal(baseTime) {
		t.Fatalf("Expected epoch millis to decode to %s, got %s", baseTime, m.CreatedAt)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(progress) == 0 {
		t.Fatal("Expected progress callbacks")
	}
	last := progress[len(progress)-1]
	if last[0] != int64(len(content)) || last[1] != int64(len(content)) {
		t.Fatalf("Expected final progress %d/%d, got %v", len(content), len(content), last)
	}
	for i := 1; i < len(progress); i++ {
		if progress[i][0] < progress[i-1][0] {
			t.Fatalf("Progress went backwards: %v", progress)
		}
	}
}

func TestClientSendFileNoBody(t *testing.T) {
	client := NewClient("http://localhost", testCredentials())
	if _, err := client.SendFile(context.Background(), FileUpload{Name: "a.png"}); err == nil {
		t.Fatal("Expected error for upload without body")
	}
}

// ============================================================================
// History and Actions
// ============================================================================

func TestClientFetchHistory(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if r.Method != http.MethodGet || q.Get("conversationId") != "c1" || q.Get("cursor") != "m30" || q.Get("pageSize") != "2" {
			t.Errorf("Unexpected query %s", r.URL.RawQuery)
		}
		writeResult(w, http.StatusOK, `{"ok":true,"data":[
			{"id":"m28","author":{"email":"Alice@Example.com"},"content":"a","createdAt":"2026-01-01T12:00:28Z"},
			{"id":"m29","senderId":"u2","kind":"text","content":"b","createdAt":"2026-01-01T12:00:29Z",
			 "reactions":[{"userId":"u1","kind":"like"},{"userId":"","kind":"like"}]}]}`)
	})

	page, err := client.FetchHistory(context.Background(), "c1", "m30", 2)
	if err != nil {
		t.Fatalf("FetchHistory failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(page))
	}
	if page[0].ConversationID != "c1" || page[0].Kind != KindText {
		t.Fatalf("Expected defaults filled in, got %+v", page[0])
	}
	if page[0].Author.ID != "@alice@example.com" {
		t.Fatalf("Expected derived author ID, got %q", page[0].Author.ID)
	}
	if page[1].Author.ID != "u2" || len(page[1].Reactions) != 1 {
		t.Fatalf("Unexpected second message: %+v", page[1])
	}
}

func TestClientDeleteAndReact(t *testing.T) {
	var requests []string
	var reactKind string
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		requests = append(requests, r.Method+" "+r.URL.Path)
		if strings.HasSuffix(r.URL.Path, "/reactions") {
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			reactKind = body["kind"]
		}
		writeResult(w, http.StatusOK, `{"ok":true}`)
	})

	if err := client.Delete(context.Background(), "m 1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := client.React(context.Background(), "m1", "like"); err != nil {
		t.Fatalf("React failed: %v", err)
	}
	if fmt.Sprint(requests) != "[DELETE /messages/m 1 POST /messages/m1/reactions]" {
		t.Fatalf("Unexpected requests: %v", requests)
	}
	if reactKind != "like" {
		t.Fatalf("Expected kind like, got %q", reactKind)
	}
}

func TestGuessMimeType(t *testing.T) {
	tests := map[string]string{
		"photo.PNG":  "image/png",
		"clip.webm":  "video/webm",
		"notes":      "application/octet-stream",
		"image.webp": "image/webp",
		"data.zzz":   "application/octet-stream",
	}
	for name, want := range tests {
		if got := guessMimeType(name); got != want {
			t.Fatalf("guessMimeType(%q): expected %s, got %s", name, want, got)
		}
	}
}
