package telegram

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTimeouts = Timeouts{Connect: time.Second, Read: 5 * time.Second, Write: 5 * time.Second, Pool: time.Second}

type captured struct {
	path   string
	fields map[string]string
	files  map[string]string
}

func newServer(t *testing.T, reply string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{fields: map[string]string{}, files: map[string]string{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.path = r.URL.Path
		require.NoError(t, r.ParseMultipartForm(1<<20))
		for k, v := range r.MultipartForm.Value {
			c.fields[k] = v[0]
		}
		for k, fh := range r.MultipartForm.File {
			f, err := fh[0].Open()
			require.NoError(t, err)
			data, _ := io.ReadAll(f)
			f.Close()
			c.files[k] = string(data)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func tempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSendVideo(t *testing.T) {
	srv, got := newServer(t, `{"ok":true,"result":{"message_id":42,"chat":{"id":-100}}}`)
	client := NewClient(srv.URL, "TOKEN")

	msg, err := client.SendVideo(t.Context(), Target{ChatID: "-100", ThreadID: 7}, tempFile(t, "v.mp4", "video-bytes"), "hello", testTimeouts)
	require.NoError(t, err)

	assert.Equal(t, int64(42), msg.MessageID)
	assert.Equal(t, "/botTOKEN/sendVideo", got.path)
	assert.Equal(t, "-100", got.fields["chat_id"])
	assert.Equal(t, "7", got.fields["message_thread_id"])
	assert.Equal(t, "hello", got.fields["caption"])
	assert.Equal(t, "true", got.fields["supports_streaming"])
	assert.Equal(t, "video-bytes", got.files["video"])
}

func TestSendMediaGroup(t *testing.T) {
	srv, got := newServer(t, `{"ok":true,"result":[{"message_id":1},{"message_id":2}]}`)
	client := NewClient(srv.URL, "TOKEN")

	items := []MediaItem{
		{Type: MediaPhoto, Path: tempFile(t, "1.jpg", "one"), Caption: "cap"},
		{Type: MediaPhoto, Path: tempFile(t, "2.jpg", "two")},
	}
	msgs, err := client.SendMediaGroup(t.Context(), Target{ChatID: "5"}, items, testTimeouts)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, int64(1), msgs[0].MessageID)

	var media []map[string]string
	require.NoError(t, json.Unmarshal([]byte(got.fields["media"]), &media))
	require.Len(t, media, 2)
	assert.Equal(t, "attach://file0", media[0]["media"])
	assert.Equal(t, "cap", media[0]["caption"])
	assert.Equal(t, "", media[1]["caption"])
	assert.Equal(t, "one", got.files["file0"])
	assert.Equal(t, "two", got.files["file1"])
	_, hasThread := got.fields["message_thread_id"]
	assert.False(t, hasThread)
}

func TestAPIError(t *testing.T) {
	srv, _ := newServer(t, `{"ok":false,"error_code":429,"description":"Too Many Requests","parameters":{"retry_after":3}}`)
	client := NewClient(srv.URL, "TOKEN")

	_, err := client.SendPhoto(t.Context(), Target{ChatID: "1"}, tempFile(t, "p.jpg", "x"), "", testTimeouts)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 429, apiErr.Code)
	assert.Equal(t, 3*time.Second, apiErr.RetryAfter)
	assert.Equal(t, "sendPhoto", apiErr.Method)
}

func TestMissingFileFailsBeforeRequest(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "TOKEN").SendAudio(t.Context(), Target{ChatID: "1"}, "/does/not/exist.m4a", "", testTimeouts)
	assert.Error(t, err)
	assert.False(t, called)
}

func TestTimeoutsTotal(t *testing.T) {
	assert.Equal(t, 12*time.Second, testTimeouts.Total())
}
