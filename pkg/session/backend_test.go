package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// backendFactories builds one fresh instance of every backend.
func backendFactories(t *testing.T) map[string]StorageBackend {
	t.Helper()

	file, err := NewFileBackend(t.TempDir(), DefaultTTL)
	if err != nil {
		t.Fatalf("NewFileBackend() error = %v", err)
	}

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rb := NewRedisBackendFromClient(client, "test:", DefaultTTL)

	db := NewDynamoDBBackend(newFakeDynamo(), DynamoDBConfig{ConsistentRead: true}, DefaultTTL)

	backends := map[string]StorageBackend{
		"file":     file,
		"redis":    rb,
		"dynamodb": db,
	}
	t.Cleanup(func() {
		for _, b := range backends {
			_ = b.Close()
		}
	})
	return backends
}

func TestBackends_CreateAndGetSession(t *testing.T) {
	for name, backend := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			before := time.Now()

			id, err := backend.CreateSession(ctx, "u1")
			if err != nil {
				t.Fatalf("CreateSession() error = %v", err)
			}
			if id == "" {
				t.Fatal("CreateSession() returned empty id")
			}

			sess, err := backend.GetSession(ctx, id)
			if err != nil {
				t.Fatalf("GetSession() error = %v", err)
			}
			if sess == nil {
				t.Fatal("GetSession() returned nil for a new session")
			}
			if sess.UserID != "u1" || sess.SessionID != id {
				t.Errorf("unexpected session %+v", sess)
			}
			if sess.CreatedAt != sess.LastActivity {
				t.Errorf("createdAt %s != lastActivity %s", sess.CreatedAt, sess.LastActivity)
			}

			wantExpiry := before.Add(DefaultTTL).Unix()
			if sess.ExpiresAt < wantExpiry || sess.ExpiresAt > wantExpiry+5 {
				t.Errorf("expiresAt %d not within tolerance of %d", sess.ExpiresAt, wantExpiry)
			}
		})
	}
}

func TestBackends_GetSessionAbsent(t *testing.T) {
	for name, backend := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			sess, err := backend.GetSession(context.Background(), "never-created")
			if err != nil {
				t.Fatalf("GetSession() error = %v", err)
			}
			if sess != nil {
				t.Errorf("expected nil session, got %+v", sess)
			}
		})
	}
}

func TestBackends_UpdateSessionActivity(t *testing.T) {
	for name, backend := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, err := backend.CreateSession(ctx, "u1")
			if err != nil {
				t.Fatalf("CreateSession() error = %v", err)
			}
			original, _ := backend.GetSession(ctx, id)

			ok, err := backend.UpdateSessionActivity(ctx, id)
			if err != nil || !ok {
				t.Fatalf("UpdateSessionActivity() = %v, %v", ok, err)
			}

			updated, _ := backend.GetSession(ctx, id)
			if updated.LastActivity <= original.LastActivity {
				t.Errorf("lastActivity did not increase: %s -> %s", original.LastActivity, updated.LastActivity)
			}
			if updated.CreatedAt != original.CreatedAt {
				t.Errorf("createdAt changed: %s -> %s", original.CreatedAt, updated.CreatedAt)
			}

			last, err := ParseTimestamp(updated.LastActivity)
			if err != nil {
				t.Fatalf("ParseTimestamp() error = %v", err)
			}
			want := last.Add(DefaultTTL).Unix()
			if updated.ExpiresAt < want || updated.ExpiresAt > want+1 {
				t.Errorf("expiresAt %d, want lastActivity+24h = %d", updated.ExpiresAt, want)
			}
		})
	}
}

func TestBackends_UpdateSessionActivityUnknown(t *testing.T) {
	for name, backend := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := backend.UpdateSessionActivity(ctx, "ghost")
			if err != nil {
				t.Fatalf("UpdateSessionActivity() error = %v", err)
			}
			if ok {
				t.Error("expected false for unknown session")
			}

			sess, _ := backend.GetSession(ctx, "ghost")
			if sess != nil {
				t.Error("refreshing an unknown session must not create it")
			}
		})
	}
}

func TestBackends_GetUserSessions(t *testing.T) {
	for name, backend := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var want []string
			for i := 0; i < 3; i++ {
				id, err := backend.CreateSession(ctx, "owner")
				if err != nil {
					t.Fatalf("CreateSession() error = %v", err)
				}
				want = append(want, id)
			}
			if _, err := backend.CreateSession(ctx, "someone-else"); err != nil {
				t.Fatalf("CreateSession() error = %v", err)
			}

			sessions, err := backend.GetUserSessions(ctx, "owner")
			if err != nil {
				t.Fatalf("GetUserSessions() error = %v", err)
			}
			if len(sessions) != len(want) {
				t.Fatalf("expected %d sessions, got %d", len(want), len(sessions))
			}
			for i, sess := range sessions {
				if sess.SessionID != want[i] {
					t.Errorf("session %d: expected %s, got %s", i, want[i], sess.SessionID)
				}
			}

			none, err := backend.GetUserSessions(ctx, "nobody")
			if err != nil {
				t.Fatalf("GetUserSessions() error = %v", err)
			}
			if len(none) != 0 {
				t.Errorf("expected no sessions, got %d", len(none))
			}
		})
	}
}

func TestBackends_AppendClassifiesContent(t *testing.T) {
	cases := []struct {
		raw      string
		wantType MessageType
		want     Content
	}{
		{
			raw:      `{"type":"pdf_summary","fileName":"r.pdf","fileUrl":"https://x","content":"body"}`,
			wantType: TypePDFSummary,
			want:     FileSummary{FileName: "r.pdf", FileURL: "https://x", Content: "body"},
		},
		{
			raw:      `{"type":"pdf_upload","fileName":"r.pdf","fileUrl":"https://x","content":"dropped","extra":1}`,
			wantType: TypePDFUpload,
			want:     FileUpload{FileName: "r.pdf", FileURL: "https://x"},
		},
		{raw: "hello", wantType: TypeText, want: PlainText("hello")},
		{raw: "{not json", wantType: TypeText, want: PlainText("{not json")},
		{raw: `{"type":"other","x":1}`, wantType: TypeText, want: PlainText(`{"type":"other","x":1}`)},
	}

	for name, backend := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, _ := backend.CreateSession(ctx, "u1")

			for _, c := range cases {
				res := backend.AppendMessage(ctx, id, "u1", RoleUser, ParseContent(c.raw))
				if !res.Success {
					t.Fatalf("AppendMessage(%q) failed: %v", c.raw, res.Err)
				}
			}

			msgs, err := backend.GetHistory(ctx, id)
			if err != nil {
				t.Fatalf("GetHistory() error = %v", err)
			}
			if len(msgs) != len(cases) {
				t.Fatalf("expected %d messages, got %d", len(cases), len(msgs))
			}
			for i, c := range cases {
				if msgs[i].Type != c.wantType {
					t.Errorf("%q: type = %s, want %s", c.raw, msgs[i].Type, c.wantType)
				}
				if msgs[i].Content != c.want {
					t.Errorf("%q: content = %#v, want %#v", c.raw, msgs[i].Content, c.want)
				}
				if msgs[i].UserID != "u1" || msgs[i].SessionID != id {
					t.Errorf("%q: wrong owner fields %+v", c.raw, msgs[i])
				}
			}
		})
	}
}

func TestBackends_AppendRejectsBadInput(t *testing.T) {
	for name, backend := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			res := backend.AppendMessage(ctx, "", "u1", RoleUser, Text("x"))
			if res.Success || res.Err == nil {
				t.Error("expected failure for empty session id")
			}
			res = backend.AppendMessage(ctx, "s", "u1", Role("system"), Text("x"))
			if res.Success {
				t.Error("expected failure for unknown role")
			}
		})
	}
}

func TestBackends_ConcurrentAppendsStayOrdered(t *testing.T) {
	for name, backend := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id, _ := backend.CreateSession(ctx, "u1")

			const n = 40
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					res := backend.AppendMessage(ctx, id, "u1", RoleUser, Text(fmt.Sprintf("m%d", i)))
					if !res.Success {
						t.Errorf("append %d failed: %v", i, res.Err)
					}
				}(i)
			}
			wg.Wait()

			msgs, err := backend.GetHistory(ctx, id)
			if err != nil {
				t.Fatalf("GetHistory() error = %v", err)
			}
			if len(msgs) != n {
				t.Fatalf("expected %d messages, got %d", n, len(msgs))
			}
			seen := make(map[string]bool, n)
			for i := 1; i < len(msgs); i++ {
				if msgs[i].Timestamp <= msgs[i-1].Timestamp {
					t.Errorf("timestamps not strictly increasing at %d: %s, %s", i, msgs[i-1].Timestamp, msgs[i].Timestamp)
				}
			}
			for _, m := range msgs {
				seen[m.Timestamp] = true
			}
			if len(seen) != n {
				t.Errorf("expected %d distinct timestamps, got %d", n, len(seen))
			}
		})
	}
}

func TestBackends_HistoryEmptyForUnknownSession(t *testing.T) {
	for name, backend := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			msgs, err := backend.GetHistory(context.Background(), "nothing-here")
			if err != nil {
				t.Fatalf("GetHistory() error = %v", err)
			}
			if len(msgs) != 0 {
				t.Errorf("expected empty history, got %d", len(msgs))
			}
		})
	}
}

func TestBackends_Ping(t *testing.T) {
	for name, backend := range backendFactories(t) {
		t.Run(name, func(t *testing.T) {
			if err := backend.Ping(context.Background()); err != nil {
				t.Errorf("Ping() error = %v", err)
			}
		})
	}
}
