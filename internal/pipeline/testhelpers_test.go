package pipeline

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/karelmartinek-a11y/kajovo/internal/remoteclient"
	"github.com/karelmartinek-a11y/kajovo/internal/retry"
)

// fakeServer wraps an httptest server that always answers with the same
// output_text payload, for tests that only care about one stage's response.
type fakeServer struct {
	srv    *httptest.Server
	logDir string
}

func fakeResponsesServer(t *testing.T, outputText string) *fakeServer {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "resp_fake", "output_text": outputText})
	}))
	return &fakeServer{srv: srv, logDir: t.TempDir()}
}

func (f *fakeServer) close() { f.srv.Close() }

func (f *fakeServer) orchestrator() *Orchestrator {
	return &Orchestrator{
		Client: remoteclient.New(f.srv.URL, "key"), Policy: retry.DefaultPolicy(),
		Breaker: retry.NewBreaker(5, time.Second), LogDir: f.logDir,
	}
}
