package registry

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func changesServer(t *testing.T, lines []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/_changes", r.URL.Path)
		assert.Equal(t, "continuous", r.URL.Query().Get("feed"))
		flusher := w.(http.Flusher)
		for _, line := range lines {
			_, _ = w.Write([]byte(line + "\n"))
			flusher.Flush()
		}
	}))
}

func TestChangeStreamConsume(t *testing.T) {
	assert := assert.New(t)

	srv := changesServer(t, []string{
		`{"seq":"1-abc","id":"leftpad","changes":[{"rev":"1-x"}]}`,
		``,     // heartbeat
		`{}`,   // heartbeat record
		`not json at all`,
		`{"seq":"2-def","id":"_design/scratch"}`,
		`{"seq":3,"id":"express","deleted":true}`,
	})
	defer srv.Close()

	var events []*ChangeEvent
	c := &ChangeStreamConsumer{
		Host:   srv.URL,
		Logger: slog.Default(),
		Handler: func(ctx context.Context, evt *ChangeEvent) error {
			events = append(events, evt)
			return nil
		},
	}

	err := c.Run(context.Background(), "0")
	// stream exhaustion is a supervisor-visible error, not success
	require.Error(t, err)
	assert.Contains(err.Error(), "closed by server")

	require.Len(t, events, 2)
	assert.Equal("1-abc", events[0].Seq)
	assert.Equal("leftpad", events[0].ID)
	assert.False(events[0].Deleted)
	assert.Equal("3", events[1].Seq)
	assert.Equal("express", events[1].ID)
	assert.True(events[1].Deleted)

	assert.Equal("3", c.LastSeq())
}

func TestChangeStreamHandlerErrorAborts(t *testing.T) {
	srv := changesServer(t, []string{
		`{"seq":"1-abc","id":"a"}`,
		`{"seq":"2-def","id":"b"}`,
	})
	defer srv.Close()

	var seen int
	c := &ChangeStreamConsumer{
		Host:   srv.URL,
		Logger: slog.Default(),
		Handler: func(ctx context.Context, evt *ChangeEvent) error {
			seen++
			return assert.AnError
		},
	}

	err := c.Run(context.Background(), "now")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "change handler failed")
	assert.Equal(t, 1, seen)
	// the failed change must not be recorded as consumed
	assert.Equal(t, "", c.LastSeq())
}

func TestChangeStreamCursorExcludesFailedChange(t *testing.T) {
	srv := changesServer(t, []string{
		`{"seq":"1-abc","id":"a"}`,
		`{"seq":"2-def","id":"b"}`,
	})
	defer srv.Close()

	c := &ChangeStreamConsumer{
		Host:   srv.URL,
		Logger: slog.Default(),
		Handler: func(ctx context.Context, evt *ChangeEvent) error {
			if evt.ID == "b" {
				return assert.AnError
			}
			return nil
		},
	}

	err := c.Run(context.Background(), "now")
	require.Error(t, err)
	// a reconnect from LastSeq must redeliver the change the handler lost
	assert.Equal(t, "1-abc", c.LastSeq())
}

func TestChangeStreamBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := &ChangeStreamConsumer{
		Host:    srv.URL,
		Logger:  slog.Default(),
		Handler: func(ctx context.Context, evt *ChangeEvent) error { return nil },
	}
	err := c.Run(context.Background(), "now")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestParseLine(t *testing.T) {
	assert := assert.New(t)
	c := &ChangeStreamConsumer{Logger: slog.Default()}

	evt, ok := c.parseLine([]byte(`{"seq":"7-xyz","id":"@scope/pkg"}`))
	require.True(t, ok)
	assert.Equal("7-xyz", evt.Seq)
	assert.Equal("@scope/pkg", evt.ID)

	// numeric sequence tokens pass through as their decimal text
	evt, ok = c.parseLine([]byte(`{"seq":42,"id":"pkg"}`))
	require.True(t, ok)
	assert.Equal("42", evt.Seq)

	for _, bad := range []string{
		`{`,
		`{"id":"pkg"}`,
		`{"seq":"1-a"}`,
		`{"seq":"1-a","id":"_design/filters"}`,
	} {
		_, ok := c.parseLine([]byte(bad))
		assert.False(ok, "line %q should be skipped", bad)
	}
}

func TestCursorRoundtripWithoutRedis(t *testing.T) {
	c := &ChangeStreamConsumer{Logger: slog.Default()}
	cursor, err := c.ReadLastCursor(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "now", cursor)
	require.NoError(t, c.PersistCursor(context.Background()))
}

func TestChangeStreamPartialLines(t *testing.T) {
	// a line split across two network writes must only be parsed once it is
	// complete
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		full := `{"seq":"9-abc","id":"chunked"}` + "\n"
		half := len(full) / 2
		_, _ = w.Write([]byte(full[:half]))
		flusher.Flush()
		_, _ = w.Write([]byte(full[half:]))
		flusher.Flush()
	}))
	defer srv.Close()

	var ids []string
	c := &ChangeStreamConsumer{
		Host:   srv.URL,
		Logger: slog.Default(),
		Handler: func(ctx context.Context, evt *ChangeEvent) error {
			ids = append(ids, evt.ID)
			return nil
		},
	}
	err := c.Run(context.Background(), "now")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "closed by server"))
	assert.Equal(t, []string{"chunked"}, ids)
}
