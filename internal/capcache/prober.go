package capcache

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/karelmartinek-a11y/kajovo/internal/capcache/capflag"
	"github.com/karelmartinek-a11y/kajovo/internal/remoteclient"
)

// ScratchAssets are the shared scratch vector store + file the file-search
// probe step needs (spec §4.7 step 4); created once per probe session by
// the caller, not by the prober itself.
type ScratchAssets struct {
	FileID        string
	VectorStoreID string
}

// Prober runs the four-step empirical capability probe (spec §4.7) against
// a single model, using a throwaway prompt requiring a fixed JSON ack.
type Prober struct {
	Client *remoteclient.Client
}

func NewProber(client *remoteclient.Client) *Prober {
	return &Prober{Client: client}
}

const probeAckContract = `Reply with exactly the JSON object {"ack":"PROBE_ACK"} and nothing else.`

func ackMessage() remoteclient.InputMessage {
	return remoteclient.NewTextMessage("user", probeAckContract)
}

// Probe runs the full protocol and returns the resulting record. assets may
// be the zero value, in which case the file-search step is skipped
// entirely (no scratch vector store/file was available).
func (p *Prober) Probe(ctx context.Context, model string, assets ScratchAssets) Record {
	rec := Record{Model: model, TestedAt: float64(time.Now().Unix()), Errors: map[string]string{}}

	basicResp, err := p.Client.CreateResponse(ctx, remoteclient.CreateResponseRequest{
		Model: model,
		Input: []remoteclient.InputMessage{ackMessage()},
	})
	if err != nil {
		rec.OkBasic = false
		rec.Errors["basic"] = shortError(err)
		return rec
	}
	rec.OkBasic = true

	rec.SupportsContinuation = probeOptionalParam(ctx, p.Client, "previous_response_id", func() error {
		_, err := p.Client.CreateResponse(ctx, remoteclient.CreateResponseRequest{
			Model:              model,
			Input:              []remoteclient.InputMessage{ackMessage()},
			PreviousResponseID: basicResp.ID,
		})
		return err
	})

	temp := 1.1
	rec.SupportsTemperature = probeOptionalParam(ctx, p.Client, "temperature", func() error {
		_, err := p.Client.CreateResponse(ctx, remoteclient.CreateResponseRequest{
			Model:       model,
			Input:       []remoteclient.InputMessage{ackMessage()},
			Temperature: &temp,
		})
		return err
	})

	if assets.FileID != "" && assets.VectorStoreID != "" {
		toolState := probeOptionalParam(ctx, p.Client, "tools", func() error {
			_, err := p.Client.CreateResponse(ctx, remoteclient.CreateResponseRequest{
				Model: model,
				Input: []remoteclient.InputMessage{ackMessage()},
				Tools: []any{remoteclient.NewFileSearchTool([]string{assets.VectorStoreID})},
			})
			return err
		})
		rec.SupportsTools = toolState
		rec.SupportsFileSearch = toolState
		rec.SupportsVectorStore = toolState
	} else {
		rec.SupportsTools = capflag.NewInconclusive("no scratch vector store available for probing")
		rec.SupportsFileSearch = rec.SupportsTools
		rec.SupportsVectorStore = rec.SupportsTools
	}

	return rec
}

// probeOptionalParam runs a sub-probe and classifies its outcome: success
// is Yes, explicit rejection of paramName is No, and any other failure is
// Inconclusive with the error as its reason.
func probeOptionalParam(ctx context.Context, client *remoteclient.Client, paramName string, call func() error) capflag.State {
	err := call()
	if err == nil {
		return capflag.NewYes()
	}
	msg := err.Error()
	if IsExplicitRejection(msg, paramName) {
		return capflag.NewNo(shortError(err))
	}
	return capflag.NewInconclusive(shortError(err))
}

func shortError(err error) string {
	s := err.Error()
	s = strings.TrimSpace(s)
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}

// EnsureScratchAssets creates a one-off scratch file + vector store for the
// file-search probe step, best-effort: any failure just means the caller
// probes without file-search (spec §4.7: "if a shared scratch vector store
// + a file were created successfully before probing").
func EnsureScratchAssets(ctx context.Context, client *remoteclient.Client) (ScratchAssets, error) {
	file, err := client.UploadBytes(ctx, "probe-scratch.txt", "assistants", strings.NewReader("capability probe scratch content"))
	if err != nil {
		return ScratchAssets{}, fmt.Errorf("scratch file upload failed: %w", err)
	}
	vs, err := client.CreateVectorStore(ctx, "capability-probe-scratch", 1)
	if err != nil {
		return ScratchAssets{}, fmt.Errorf("scratch vector store creation failed: %w", err)
	}
	vsf, err := client.AddFileToVectorStore(ctx, vs.ID, file.ID, nil)
	if err != nil {
		return ScratchAssets{}, fmt.Errorf("scratch vector store attach failed: %w", err)
	}
	if err := remoteclient.WaitForVectorStoreFile(ctx, client, vs.ID, vsf.ID); err != nil {
		return ScratchAssets{}, fmt.Errorf("scratch vector store indexing failed: %w", err)
	}
	return ScratchAssets{FileID: file.ID, VectorStoreID: vs.ID}, nil
}
