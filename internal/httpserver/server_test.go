package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/tokrelay/internal/domain"
	"github.com/blackmichael/tokrelay/internal/logging"
	"github.com/blackmichael/tokrelay/internal/metrics"
)

type stubPending struct {
	records []domain.Record
	err     error
	creator string
}

func (s *stubPending) GetIncomplete(_ context.Context, creator string) ([]domain.Record, error) {
	s.creator = creator
	return s.records, s.err
}

func serve(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s := NewServer(":0", &stubPending{}, nil, logging.NewDiscard())

	rec := serve(t, s, "/health")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestPending(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	pending := &stubPending{records: []domain.Record{
		{PostID: "1", Creator: "alice", Kind: domain.KindVideo, SourceURL: "u1", DownloadedAt: &at, Media: domain.Video{Path: "1.mp4"}},
		{PostID: "2", Creator: "alice", Kind: domain.KindSlideshow, SourceURL: "u2", Media: domain.Slideshow{Images: []string{"1.jpg"}, Audio: "a.mp3"}},
	}}
	s := NewServer(":0", pending, nil, logging.NewDiscard())

	rec := serve(t, s, "/pending?creator=alice&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Total int `json:"total"`
		Posts []struct {
			PostID       string   `json:"post_id"`
			DownloadedAt string   `json:"downloaded_at"`
			Files        []string `json:"files"`
		} `json:"posts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	assert.Equal(t, "alice", pending.creator)
	assert.Equal(t, 2, body.Total)
	require.Len(t, body.Posts, 1)
	assert.Equal(t, "1", body.Posts[0].PostID)
	assert.Equal(t, "2026-01-02T03:04:05Z", body.Posts[0].DownloadedAt)
	assert.Equal(t, []string{"1.mp4"}, body.Posts[0].Files)
}

func TestPendingRejectsBadLimit(t *testing.T) {
	s := NewServer(":0", &stubPending{}, nil, logging.NewDiscard())

	rec := serve(t, s, "/pending?limit=0")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPendingLedgerError(t *testing.T) {
	s := NewServer(":0", &stubPending{err: errors.New("disk full")}, nil, logging.NewDiscard())

	rec := serve(t, s, "/pending")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetrics(t *testing.T) {
	m := metrics.New()
	m.IncResumed()
	s := NewServer(":0", &stubPending{}, m, logging.NewDiscard())

	rec := serve(t, s, "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "tokrelay_resumed_total 1"))

	rec = serve(t, NewServer(":0", &stubPending{}, nil, logging.NewDiscard()), "/metrics")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
