// Package notify defines the narrow interface a run's terminal receipt is
// handed to for external delivery (spec §10.3). SMTP transport itself is an
// external collaborator (spec §1's non-goals) — the core never imports
// net/smtp, exactly mirroring how the distilled spec treats SMTP delivery
// for the equivalent original function,
// original_source/kajovo/core/notifications.py's send_smtp_notification.
package notify

import (
	"context"
	"fmt"

	"github.com/karelmartinek-a11y/kajovo/internal/receiptstore"
)

// Notifier delivers a run's terminal receipt somewhere external (SMTP, a
// chat webhook, …). Implementations live outside this module.
type Notifier interface {
	Notify(ctx context.Context, receipt receiptstore.Receipt) error
}

// Subject and Body build the message an SMTP-backed Notifier would send,
// mirroring notifications.py's subject/body shape so a caller's concrete
// sender needs no knowledge of the Receipt schema.
func Subject(r receiptstore.Receipt) string {
	status := "completed"
	if r.FlowType == receiptstore.FlowFallback {
		status = "failed"
	}
	return fmt.Sprintf("kajovo run %s (%s/%s) %s", r.RunID, r.Project, r.Mode, status)
}

func Body(r receiptstore.Receipt) string {
	body := fmt.Sprintf(
		"run_id: %s\nproject: %s\nmode: %s\nmodel: %s\nresponse_id: %s\nbatch_id: %s\n"+
			"input_tokens: %d\noutput_tokens: %d\ntotal_cost: %.4f\n",
		r.RunID, r.Project, r.Mode, r.Model, r.ResponseID, r.BatchID,
		r.InputTokens, r.OutputTokens, r.TotalCost)
	if r.Notes != "" {
		body += fmt.Sprintf("notes: %s\n", r.Notes)
	}
	return body
}
