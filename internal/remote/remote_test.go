package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manwonyori/gitsyncd/internal/model"
)

type sink struct {
	mu     sync.Mutex
	events []model.ChangeEvent
}

func (s *sink) Push(ev model.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sink) paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Path)
	}
	return out
}

func TestDecode(t *testing.T) {
	markers := DefaultMarkers
	tests := []struct {
		name    string
		payload string
		want    []Mutation
	}{
		{
			name:    "write method with path",
			payload: `{"method":"write_file","params":{"arguments":{"path":"report.md"}}}`,
			want:    []Mutation{{Method: "write_file", Path: "report.md"}},
		},
		{
			name:    "tools/call envelope with file_path",
			payload: `{"jsonrpc":"2.0","method":"tools/call","params":{"name":"Edit","arguments":{"file_path":"/repo/src/a.go"}}}`,
			want:    []Mutation{{Method: "Edit", Path: "/repo/src/a.go"}},
		},
		{
			name:    "case-insensitive marker",
			payload: `{"method":"FS.WRITE","params":{"arguments":{"path":"x"}}}`,
			want:    []Mutation{{Method: "FS.WRITE", Path: "x"}},
		},
		{
			name:    "read is not a mutation",
			payload: `{"method":"read_file","params":{"arguments":{"path":"report.md"}}}`,
		},
		{
			name:    "missing path",
			payload: `{"method":"write_file","params":{"arguments":{}}}`,
		},
		{
			name:    "non-string path",
			payload: `{"method":"write_file","params":{"arguments":{"path":42}}}`,
		},
		{
			name:    "malformed json",
			payload: `{"method":"write_file",`,
		},
		{
			name:    "not an object",
			payload: `"write"`,
		},
		{
			name:    "batch array",
			payload: `[{"method":"edit","params":{"arguments":{"path":"a"}}},{"method":"list"},{"method":"write","params":{"arguments":{"path":"b"}}}]`,
			want:    []Mutation{{Method: "edit", Path: "a"}, {Method: "write", Path: "b"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decode([]byte(tt.payload), markers))
		})
	}
}

func TestReadFrames(t *testing.T) {
	stream := strings.Join([]string{
		": keep-alive",
		"event: message",
		"id: 7",
		"retry: 1000",
		`data: {"a":`,
		`data: 1}`,
		"",
		`{"ndjson":true}`,
		"data: tail-without-terminator",
	}, "\r\n")

	var frames []string
	require.NoError(t, readFrames(strings.NewReader(stream), func(b []byte) {
		frames = append(frames, string(b))
	}))

	assert.Equal(t, []string{"{\"a\":\n1}", `{"ndjson":true}`}, frames)
}

func sseEvent(payload string) string {
	return "data: " + payload + "\n\n"
}

func TestAdapterStreamsMutations(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": hello\n\n")
		fmt.Fprint(w, sseEvent(`{"method":"write_file","params":{"arguments":{"path":"report.md"}}}`))
		fmt.Fprint(w, sseEvent(`{"method":"read_file","params":{"arguments":{"path":"ignored.md"}}}`))
		fmt.Fprint(w, sseEvent(`{"method":"write_file","params":{"arguments":{"path":"../escape.txt"}}}`))
		fmt.Fprint(w, sseEvent(`not json`))
		fmt.Fprint(w, `{"method":"tools/call","params":{"name":"edit_file","arguments":{"file_path":"/srv/repo/docs/b.md"}}}`+"\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	s := &sink{}
	header := http.Header{}
	header.Set("Authorization", "Bearer t0k")
	a := New(Config{Endpoint: srv.URL, Header: header, Root: "/srv/repo", ReconnectDelay: 20 * time.Millisecond}, s, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return len(s.paths()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"report.md", "docs/b.md"}, s.paths())
	assert.Equal(t, "Bearer t0k", auth.Load())

	s.mu.Lock()
	for _, ev := range s.events {
		assert.Equal(t, model.SourceRemote, ev.Source)
	}
	s.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestAdapterDropsExcludedPaths(t *testing.T) {
	s := &sink{}
	a := New(Config{Endpoint: "http://agent.invalid/events", Root: "/srv/repo", Excludes: []string{".git", ".syncd"}}, s, nil, nil, nil)

	for _, p := range []string{".syncd/audit.jsonl", ".git/config", "/srv/repo/.syncd/logs/syncd.log", ".syncd-notes.md", "notes.txt"} {
		a.handle([]byte(`{"method":"write_file","params":{"arguments":{"path":"` + p + `"}}}`))
	}

	assert.Equal(t, []string{".syncd-notes.md", "notes.txt"}, s.paths())
}

func TestAdapterReconnects(t *testing.T) {
	var conns atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := conns.Add(1)
		switch n {
		case 1:
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		case 2:
			// connect, send one event, hang up
			fmt.Fprint(w, sseEvent(fmt.Sprintf(`{"method":"write","params":{"arguments":{"path":"n%d.txt"}}}`, n)))
		default:
			fmt.Fprint(w, sseEvent(fmt.Sprintf(`{"method":"write","params":{"arguments":{"path":"n%d.txt"}}}`, n)))
			w.(http.Flusher).Flush()
			<-r.Context().Done()
		}
	}))
	defer srv.Close()

	s := &sink{}
	var mu sync.Mutex
	var statuses []Status
	a := New(Config{Endpoint: srv.URL, Root: "/repo", ReconnectDelay: 20 * time.Millisecond}, s, nil, nil, nil)
	a.OnStatus(func(st Status) {
		mu.Lock()
		statuses = append(statuses, st)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	require.Eventually(t, func() bool { return len(s.paths()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"n2.txt", "n3.txt"}, s.paths())
	assert.GreaterOrEqual(t, conns.Load(), int32(3))

	mu.Lock()
	defer mu.Unlock()
	var lost, connected int
	for _, st := range statuses {
		if st.Connected {
			connected++
		} else {
			lost++
			assert.NotEmpty(t, st.Error)
		}
	}
	assert.GreaterOrEqual(t, lost, 2)
	assert.GreaterOrEqual(t, connected, 2)
}

func TestAdapterUnreachableKeepsRetrying(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a := New(Config{Endpoint: url, ReconnectDelay: 10 * time.Millisecond}, &sink{}, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	assert.NoError(t, a.Run(ctx), "connection loss is never fatal")
}
