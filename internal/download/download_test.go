package download

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/tokrelay/internal/command"
	"github.com/blackmichael/tokrelay/internal/credentials"
	"github.com/blackmichael/tokrelay/internal/domain"
	"github.com/blackmichael/tokrelay/internal/extract"
	"github.com/blackmichael/tokrelay/internal/logging"
)

type fakeBackend struct {
	mu           sync.Mutex
	extractFn    func(url string) (*extract.Info, error)
	downloadFn   func(url, tmpl string) (string, error)
	extractURLs  []string
	downloadURLs []string
}

func (b *fakeBackend) Extract(_ context.Context, url string, _ extract.Options) (*extract.Info, error) {
	b.mu.Lock()
	b.extractURLs = append(b.extractURLs, url)
	b.mu.Unlock()
	if b.extractFn == nil {
		return nil, fmt.Errorf("unsupported url: %w", domain.ErrRetryable)
	}
	return b.extractFn(url)
}

func (b *fakeBackend) Download(_ context.Context, url, tmpl string, _ domain.Credential) (string, error) {
	b.mu.Lock()
	b.downloadURLs = append(b.downloadURLs, url)
	b.mu.Unlock()
	if b.downloadFn == nil {
		return "", fmt.Errorf("download failed: %w", domain.ErrRetryable)
	}
	return b.downloadFn(url, tmpl)
}

type fakeTranscoder struct {
	inputs []string
}

func (f *fakeTranscoder) Transcode(_ context.Context, path string) (string, error) {
	f.inputs = append(f.inputs, path)
	return path, nil
}

type fixture struct {
	root       string
	backend    *fakeBackend
	runner     *command.Fake
	transcoder *fakeTranscoder
	orch       *Orchestrator
}

func newFixture(t *testing.T, baseURL string) *fixture {
	t.Helper()
	f := &fixture{
		root:       t.TempDir(),
		backend:    &fakeBackend{},
		runner:     command.NewFake(),
		transcoder: &fakeTranscoder{},
	}
	f.runner.Missing[galleryBin] = true
	creds := credentials.NewStatic(nil, logging.NewDiscard())
	f.orch = New(f.backend, f.runner, f.transcoder, creds, Options{
		Root:          f.root,
		BaseURL:       baseURL,
		HTTPRetries:   1,
		HTTPBaseDelay: time.Millisecond,
		HTTPMaxDelay:  2 * time.Millisecond,
	}, logging.NewDiscard())
	return f
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestDownloadVideo(t *testing.T) {
	f := newFixture(t, "https://www.tiktok.com")
	f.backend.downloadFn = func(_, tmpl string) (string, error) {
		path := strings.Replace(tmpl, "%(ext)s", "mp4", 1)
		writeFile(t, path)
		return path, nil
	}

	post := domain.Post{ID: "1", Creator: "alice", Kind: domain.KindVideo, URL: "https://www.tiktok.com/@alice/video/1"}
	d, err := f.orch.Download(context.Background(), post)
	require.NoError(t, err)

	want := filepath.Join(f.root, "alice", "1.mp4")
	assert.Equal(t, domain.Video{Path: want}, d.Media)
	assert.Equal(t, domain.KindVideo, d.Kind)
	assert.Equal(t, []string{want}, f.transcoder.inputs)
}

func TestVideoFailureFallsBackToSlideshow(t *testing.T) {
	f := newFixture(t, "https://www.tiktok.com")
	f.runner.Missing[galleryBin] = false
	f.runner.Handle(galleryBin, func(args []string) ([]byte, []byte, error) {
		dir := command.ArgAfter(args, "--directory")
		for _, name := range []string{"10.jpg", "2.jpg", "1.jpg"} {
			writeFile(t, filepath.Join(dir, name))
		}
		return nil, nil, nil
	})

	post := domain.Post{ID: "5", Creator: "alice", Kind: domain.KindVideo, URL: "https://www.tiktok.com/@alice/video/5"}
	d, err := f.orch.Download(context.Background(), post)
	require.NoError(t, err)

	dir := filepath.Join(f.root, "alice", "5")
	assert.Equal(t, domain.Slideshow{Images: []string{
		filepath.Join(dir, "1.jpg"),
		filepath.Join(dir, "2.jpg"),
		filepath.Join(dir, "10.jpg"),
	}}, d.Media)
	assert.Equal(t, domain.KindSlideshow, d.Kind)
	assert.Equal(t, "https://www.tiktok.com/@alice/photo/5", d.URL)

	updated := d.Apply(post)
	assert.Equal(t, domain.KindSlideshow, updated.Kind)
	assert.Equal(t, domain.KindVideo, post.Kind)

	calls := f.runner.Calls(galleryBin)
	require.Len(t, calls, 1)
	assert.Equal(t, "https://www.tiktok.com/@alice/photo/5", command.LastArg(calls[0].Args))
}

const sigiPage = `<html><head>
<script id="SIGI_STATE" type="application/json">{"ItemModule":{"77":{"id":"77","imagePost":{"images":[
 {"imageURL":{"urlList":["%[1]s/img/1"]}},
 {"imageURL":{"urlList":["%[1]s/img/2"]}}
]},"music":{"playUrl":"%[1]s/audio","coverLarge":"%[1]s/cover"}}}}</script>
</head><body></body></html>`

func TestSlideshowFallbackChainReachesHTML(t *testing.T) {
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/@alice/photo/77", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, sigiPage, srvURL)
	})
	mux.HandleFunc("/img/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("one"))
	})
	mux.HandleFunc("/img/2", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("two"))
	})
	mux.HandleFunc("/audio", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("mp3"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	f := newFixture(t, srv.URL)
	post := domain.Post{ID: "77", Creator: "alice", Kind: domain.KindSlideshow, URL: srv.URL + "/@alice/photo/77"}

	d, err := f.orch.Download(context.Background(), post)
	require.NoError(t, err)

	dir := filepath.Join(f.root, "alice", "77")
	assert.Equal(t, domain.Slideshow{
		Images: []string{filepath.Join(dir, "1.jpg"), filepath.Join(dir, "2.png")},
		Audio:  filepath.Join(dir, "audio.mp3"),
	}, d.Media)
	assert.Equal(t, []string{post.URL}, f.backend.extractURLs, "metadata strategy runs before html")
	assert.Empty(t, f.backend.downloadURLs)
}

func TestSlideshowExhaustedRetriesAsVideo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><body>verify you are human</body></html>"))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	post := domain.Post{ID: "8", Creator: "alice", Kind: domain.KindSlideshow, URL: srv.URL + "/@alice/photo/8"}

	_, err := f.orch.Download(context.Background(), post)
	assert.ErrorIs(t, err, domain.ErrRetryable)
	assert.NotErrorIs(t, err, domain.ErrInaccessible)
	assert.Equal(t, []string{srv.URL + "/@alice/video/8"}, f.backend.downloadURLs)
}

func TestGalleryNoResultsIsInaccessible(t *testing.T) {
	f := newFixture(t, "https://www.tiktok.com")
	f.runner.Missing[galleryBin] = false
	f.runner.Handle(galleryBin, func(args []string) ([]byte, []byte, error) {
		return nil, []byte("[tiktok][error] No results for https://www.tiktok.com/@alice/photo/9"), errors.New("exit status 1")
	})

	post := domain.Post{ID: "9", Creator: "alice", Kind: domain.KindSlideshow, URL: "https://www.tiktok.com/@alice/photo/9"}
	_, err := f.orch.Download(context.Background(), post)
	assert.ErrorIs(t, err, domain.ErrInaccessible)
	assert.Empty(t, f.backend.extractURLs)
	assert.Empty(t, f.backend.downloadURLs)
}

func TestHTMLWithoutPostIsInaccessible(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<script id="SIGI_STATE">{"ItemModule":{"1":{"id":"1"}}}</script>`))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	post := domain.Post{ID: "2", Creator: "alice", Kind: domain.KindSlideshow, URL: srv.URL + "/@alice/photo/2"}

	_, err := f.orch.Download(context.Background(), post)
	assert.ErrorIs(t, err, domain.ErrInaccessible)
	assert.Empty(t, f.backend.downloadURLs)
}

func TestGalleryVideoTurnsPostIntoVideo(t *testing.T) {
	f := newFixture(t, "https://www.tiktok.com")
	f.runner.Missing[galleryBin] = false
	f.runner.Handle(galleryBin, func(args []string) ([]byte, []byte, error) {
		writeFile(t, filepath.Join(command.ArgAfter(args, "--directory"), "1.mp4"))
		return nil, nil, nil
	})

	post := domain.Post{ID: "3", Creator: "alice", Kind: domain.KindSlideshow, URL: "https://www.tiktok.com/@alice/photo/3"}
	d, err := f.orch.Download(context.Background(), post)
	require.NoError(t, err)

	assert.Equal(t, domain.KindVideo, d.Kind)
	assert.Equal(t, "https://www.tiktok.com/@alice/video/3", d.URL)
	assert.Len(t, f.transcoder.inputs, 1)
}

func TestHardBlockAbortsChain(t *testing.T) {
	f := newFixture(t, "https://www.tiktok.com")
	f.backend.downloadFn = func(_, _ string) (string, error) {
		return "", fmt.Errorf("403: %w", domain.ErrHardBlocked)
	}

	post := domain.Post{ID: "4", Creator: "alice", Kind: domain.KindVideo, URL: "https://www.tiktok.com/@alice/video/4"}
	_, err := f.orch.Download(context.Background(), post)
	assert.ErrorIs(t, err, domain.ErrHardBlocked)
	assert.Empty(t, f.backend.extractURLs)
}

func TestRunStopsAtTerminalOutcome(t *testing.T) {
	var ran []string
	step := func(name string, r Result) Strategy {
		return Strategy{Name: name, Fetch: func(context.Context, domain.Post) Result {
			ran = append(ran, name)
			return r
		}}
	}

	r := Run(context.Background(), domain.Post{ID: "1"}, logging.NewDiscard(),
		step("a", empty(nil)),
		step("b", Result{Outcome: Retryable, Err: errors.New("flaky")}),
		step("c", empty(nil)),
	)
	assert.Equal(t, Retryable, r.Outcome)
	assert.Equal(t, []string{"a", "b", "c"}, ran)

	ran = nil
	r = Run(context.Background(), domain.Post{ID: "1"}, logging.NewDiscard(),
		step("a", Result{Outcome: Inaccessible}),
		step("b", empty(nil)),
	)
	assert.Equal(t, Inaccessible, r.Outcome)
	assert.Equal(t, []string{"a"}, ran)
}

func sigiServer(t *testing.T, id string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/@alice/photo/"+id, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, strings.Replace(sigiPage, `"77"`, `"`+id+`"`, 2), srvURL)
	})
	mux.HandleFunc("/img/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("one"))
	})
	mux.HandleFunc("/img/2", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("two"))
	})
	mux.HandleFunc("/audio", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.Write([]byte("mp3"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	srvURL = srv.URL
	return srv
}

func TestGalleryFailureDiscardsPartialOutput(t *testing.T) {
	srv := sigiServer(t, "9")
	f := newFixture(t, srv.URL)
	f.runner.Missing[galleryBin] = false
	f.runner.Handle(galleryBin, func(args []string) ([]byte, []byte, error) {
		dir := command.ArgAfter(args, "--directory")
		writeFile(t, filepath.Join(dir, "1.webp"))
		writeFile(t, filepath.Join(dir, "3.webp"))
		return nil, []byte("[download][error] Failed to download 3/5: Read timed out"), errors.New("exit status 1")
	})

	post := domain.Post{ID: "9", Creator: "alice", Kind: domain.KindSlideshow, URL: srv.URL + "/@alice/photo/9"}
	d, err := f.orch.Download(context.Background(), post)
	require.NoError(t, err)

	dir := filepath.Join(f.root, "alice", "9")
	assert.Equal(t, domain.Slideshow{
		Images: []string{filepath.Join(dir, "1.jpg"), filepath.Join(dir, "2.png")},
		Audio:  filepath.Join(dir, "audio.mp3"),
	}, d.Media)
	assert.NoFileExists(t, filepath.Join(dir, "1.webp"))
	assert.NoFileExists(t, filepath.Join(dir, "3.webp"))
	assert.Equal(t, []string{post.URL}, f.backend.extractURLs, "later strategies still run")
}

func TestGalleryIgnoresLeftoverFiles(t *testing.T) {
	f := newFixture(t, "https://www.tiktok.com")
	dir := filepath.Join(f.root, "alice", "6")
	writeFile(t, filepath.Join(dir, "1.jpg"))
	writeFile(t, filepath.Join(dir, "2.jpg"))

	f.runner.Missing[galleryBin] = false
	f.runner.Handle(galleryBin, func(args []string) ([]byte, []byte, error) {
		out := command.ArgAfter(args, "--directory")
		for _, name := range []string{"1.webp", "2.webp", "3.webp"} {
			writeFile(t, filepath.Join(out, name))
		}
		return nil, nil, nil
	})

	post := domain.Post{ID: "6", Creator: "alice", Kind: domain.KindSlideshow, URL: "https://www.tiktok.com/@alice/photo/6"}
	d, err := f.orch.Download(context.Background(), post)
	require.NoError(t, err)

	assert.Equal(t, domain.Slideshow{Images: []string{
		filepath.Join(dir, "1.webp"),
		filepath.Join(dir, "2.webp"),
		filepath.Join(dir, "3.webp"),
	}}, d.Media)
}

func TestFetchImagesFailureRemovesSavedImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/img/2" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte("one"))
	}))
	defer srv.Close()

	f := newFixture(t, srv.URL)
	post := domain.Post{ID: "12", Creator: "alice", Kind: domain.KindSlideshow, URL: srv.URL + "/@alice/photo/12"}

	r := f.orch.fetchImages(context.Background(), post, []string{srv.URL + "/img/1", srv.URL + "/img/2"}, "")
	assert.Equal(t, Retryable, r.Outcome)
	assert.ErrorIs(t, r.Err, domain.ErrRetryable)
	assert.NoFileExists(t, filepath.Join(f.root, "alice", "12", "1.jpg"))
}
