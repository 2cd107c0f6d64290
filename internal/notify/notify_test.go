package notify

import (
	"strings"
	"testing"

	"github.com/karelmartinek-a11y/kajovo/internal/receiptstore"
)

func TestSubjectReflectsFallbackReceipts(t *testing.T) {
	ok := receiptstore.Receipt{RunID: "RUN_1", Project: "demo", Mode: "GENERATE", FlowType: receiptstore.FlowA}
	if s := Subject(ok); !strings.HasSuffix(s, "completed") {
		t.Fatalf("expected completed suffix, got %q", s)
	}
	failed := receiptstore.Receipt{RunID: "RUN_2", Project: "demo", Mode: "GENERATE", FlowType: receiptstore.FlowFallback}
	if s := Subject(failed); !strings.HasSuffix(s, "failed") {
		t.Fatalf("expected failed suffix, got %q", s)
	}
}

func TestBodyIncludesTokenAndCostFields(t *testing.T) {
	r := receiptstore.Receipt{
		RunID: "RUN_1", Project: "demo", Mode: "MODIFY", Model: "gpt-5",
		InputTokens: 100, OutputTokens: 50, TotalCost: 1.2345, Notes: "fallback",
	}
	body := Body(r)
	if !strings.Contains(body, "input_tokens: 100") || !strings.Contains(body, "output_tokens: 50") {
		t.Fatalf("expected token counts in body, got %q", body)
	}
	if !strings.Contains(body, "notes: fallback") {
		t.Fatalf("expected notes line in body, got %q", body)
	}
}
