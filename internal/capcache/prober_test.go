package capcache

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/karelmartinek-a11y/kajovo/internal/capcache/capflag"
	"github.com/karelmartinek-a11y/kajovo/internal/remoteclient"
)

func TestProbeBasicFailureStopsEarly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"500 internal error"}`))
	}))
	defer srv.Close()

	client := remoteclient.New(srv.URL, "key")
	client.Policy.MaxAttempts = 1
	p := NewProber(client)
	rec := p.Probe(t.Context(), "gpt-5", ScratchAssets{})
	if rec.OkBasic {
		t.Fatal("expected ok_basic=false when basic probe fails")
	}
}

func TestProbeExplicitContinuationRejectionFlipsFalse(t *testing.T) {
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call++
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["previous_response_id"]; ok {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"error":"unknown parameter: previous_response_id"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "resp_1", "output_text": "ok"})
	}))
	defer srv.Close()

	client := remoteclient.New(srv.URL, "key")
	p := NewProber(client)
	rec := p.Probe(t.Context(), "gpt-5", ScratchAssets{})
	if !rec.OkBasic {
		t.Fatal("expected basic probe to succeed")
	}
	if rec.SupportsContinuation.Kind != capflag.No {
		t.Fatalf("expected explicit rejection to flip continuation to No, got %v: %+v", rec.SupportsContinuation.Kind, rec)
	}
	if call < 2 {
		t.Fatalf("expected at least 2 calls (basic + continuation), got %d", call)
	}
}

func TestProbeTransientContinuationFailureStaysInconclusive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if _, ok := body["previous_response_id"]; ok {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"503 service unavailable"}`))
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "resp_1", "output_text": "ok"})
	}))
	defer srv.Close()

	client := remoteclient.New(srv.URL, "key")
	client.Policy.MaxAttempts = 1
	p := NewProber(client)
	rec := p.Probe(t.Context(), "gpt-5", ScratchAssets{})
	if rec.SupportsContinuation.Kind != capflag.Inconclusive {
		t.Fatalf("expected transient failure to stay Inconclusive, got %v", rec.SupportsContinuation.Kind)
	}
}

func TestProbeSkipsFileSearchWithoutScratchAssets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "resp_1", "output_text": "ok"})
	}))
	defer srv.Close()

	client := remoteclient.New(srv.URL, "key")
	p := NewProber(client)
	rec := p.Probe(t.Context(), "gpt-5", ScratchAssets{})
	if rec.SupportsFileSearch.Kind != capflag.Inconclusive {
		t.Fatalf("expected file_search Inconclusive without scratch assets, got %v", rec.SupportsFileSearch.Kind)
	}
}
