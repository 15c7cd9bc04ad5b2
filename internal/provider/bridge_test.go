package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atelier/internal/schedule"
	"atelier/internal/types"
)

func testBridge(t *testing.T, baseURL string) *BridgeProvider {
	t.Helper()
	sched := schedule.New(schedule.Config{MaxConcurrent: 2, Spacing: time.Millisecond})
	policy := schedule.RetryPolicy{MaxRetries: 1, BaseDelay: time.Millisecond, SafetyMargin: time.Millisecond}
	models := Models{
		Pro:   "gpt-4o",
		Flash: "gpt-4o",
		Lite:  "gpt-4o-mini",
		Image: "gpt-image-1",
		Video: "sora-2",
	}
	b, err := NewBridgeProvider(baseURL, "test-key", models, sched, policy, 10*time.Millisecond, time.Minute)
	require.NoError(t, err)
	return b
}

func TestBridgeGenerateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req bridgeChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o", req.Model)
		assert.False(t, req.Stream)

		fmt.Fprint(w, `{"choices":[{"message":{"content":"  hello from the bridge  "}}]}`)
	}))
	defer srv.Close()

	b := testBridge(t, srv.URL)
	out, err := b.GenerateText(context.Background(), types.GenerationRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hello from the bridge", out)
}

func TestBridgeGenerateText_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"quota exceeded"}}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	b := testBridge(t, srv.URL)
	_, err := b.GenerateText(context.Background(), types.GenerationRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, schedule.Retryable(err), "429 from the bridge should classify as retryable")
}

func TestBridgeGenerateTextStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req bridgeChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, delta := range []string{"Hello", ", ", "world"} {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", delta)
			flusher.Flush()
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	b := testBridge(t, srv.URL)
	contentCh, errCh := b.GenerateTextStream(context.Background(), types.GenerationRequest{Prompt: "hi"})

	var got strings.Builder
	for chunk := range contentCh {
		got.WriteString(chunk)
	}
	require.NoError(t, <-errCh)
	assert.Equal(t, "Hello, world", got.String())
}

func TestBridgeGenerateTextStream_ErrorMidStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
		fmt.Fprint(w, "data: {\"error\":{\"message\":\"backend exploded\"}}\n\n")
	}))
	defer srv.Close()

	b := testBridge(t, srv.URL)
	contentCh, errCh := b.GenerateTextStream(context.Background(), types.GenerationRequest{Prompt: "hi"})

	var got strings.Builder
	for chunk := range contentCh {
		got.WriteString(chunk)
	}
	err := <-errCh
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend exploded")
	assert.Equal(t, "partial", got.String())
}

func TestBridgeGenerateImage(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("fake-png-bytes"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/images/generations", r.URL.Path)

		var req bridgeImageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-image-1", req.Model)
		assert.Equal(t, "1536x1024", req.Size)
		assert.Equal(t, "high", req.Quality)

		fmt.Fprintf(w, `{"data":[{"b64_json":%q}]}`, payload)
	}))
	defer srv.Close()

	b := testBridge(t, srv.URL)
	uri, err := b.GenerateImage(context.Background(), "a sunset", ImageOptions{AspectRatio: "16:9", Quality: "high"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(uri, "data:image/png;base64,"))
	assert.Contains(t, uri, payload)
}

// The video path must respect the configured poll cadence: one status call
// per interval, stopping on the first settled status.
func TestBridgeGenerateVideo_PollsUntilDone(t *testing.T) {
	var submits, polls, fetches int32
	var doneAtNanos int64
	start := time.Now()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/videos":
			atomic.AddInt32(&submits, 1)
			fmt.Fprint(w, `{"id":"job-1","status":"queued"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/videos/job-1":
			n := atomic.AddInt32(&polls, 1)
			if n < 3 {
				fmt.Fprint(w, `{"id":"job-1","status":"in_progress"}`)
				return
			}
			atomic.StoreInt64(&doneAtNanos, int64(time.Since(start)))
			fmt.Fprint(w, `{"id":"job-1","status":"completed"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/videos/job-1/content":
			atomic.AddInt32(&fetches, 1)
			w.Write([]byte("mp4-bytes"))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := testBridge(t, srv.URL)
	path, err := b.GenerateVideo(context.Background(), "a rolling wave", VideoOptions{AspectRatio: "9:16"})
	require.NoError(t, err)
	assert.NotEmpty(t, path)

	assert.Equal(t, int32(1), atomic.LoadInt32(&submits))
	assert.Equal(t, int32(3), atomic.LoadInt32(&polls), "should stop polling on first settled status")
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
	// Three polls at a 10ms cadence cannot settle faster than the cadence allows.
	assert.GreaterOrEqual(t, time.Duration(atomic.LoadInt64(&doneAtNanos)), 25*time.Millisecond)
}

func TestBridgeGenerateVideo_FailedJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/videos":
			fmt.Fprint(w, `{"id":"job-2","status":"queued"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/videos/job-2":
			fmt.Fprint(w, `{"id":"job-2","status":"failed","error":{"message":"moderation block"}}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := testBridge(t, srv.URL)
	_, err := b.GenerateVideo(context.Background(), "something", VideoOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "moderation block")
}

func TestBridgeGenerateVideo_CancelDuringPoll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/videos":
			fmt.Fprint(w, `{"id":"job-3","status":"queued"}`)
		case r.Method == http.MethodGet && r.URL.Path == "/videos/job-3":
			fmt.Fprint(w, `{"id":"job-3","status":"in_progress"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := testBridge(t, srv.URL)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(25 * time.Millisecond)
		cancel()
	}()

	_, err := b.GenerateVideo(ctx, "endless", VideoOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBridgeRouteRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req bridgeChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "gpt-4o-mini", req.Model)
		assert.NotNil(t, req.ResponseFormat)

		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"targetAgent\":\"video\",\"reasoning\":\"wants motion\",\"artifact\":{\"operation\":\"create\",\"type\":\"video\",\"title\":\"Wave\",\"aspectRatio\":\"16:9\"}}"}}]}`)
	}))
	defer srv.Close()

	b := testBridge(t, srv.URL)
	d, err := b.RouteRequest(context.Background(), "make a wave video", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, types.AgentVideo, d.TargetAgent)
	require.NotNil(t, d.Artifact)
	assert.Equal(t, "16:9", d.Artifact.AspectRatio)
}

func TestBridgeRouteRequest_GarbageFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[{"message":{"content":"definitely not json"}}]}`)
	}))
	defer srv.Close()

	b := testBridge(t, srv.URL)
	d, err := b.RouteRequest(context.Background(), "hello", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, types.AgentChat, d.TargetAgent)
	assert.Nil(t, d.Artifact)
}
