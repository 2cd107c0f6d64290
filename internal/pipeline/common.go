package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/karelmartinek-a11y/kajovo/internal/contracts"
	"github.com/karelmartinek-a11y/kajovo/internal/remoteclient"
)

// checkStop reports ctx's cancellation as ErrStopRequested, the cooperative
// stop-flag check polled at every stage/chunk/file boundary (spec §4.9.7/§5).
func checkStop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrStopRequested
	default:
		return nil
	}
}

func sanitizeStage(s string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", " ", "_")
	return r.Replace(s)
}

func extractResponseText(resp *remoteclient.ResponseEnvelope) string {
	cr := &contracts.Response{Raw: resp.Raw, OutputText: resp.OutputText}
	if len(resp.Output) > 0 {
		var items []contracts.OutputItem
		if err := json.Unmarshal(resp.Output, &items); err == nil {
			cr.Output = items
		}
	}
	return contracts.ExtractText(cr)
}
