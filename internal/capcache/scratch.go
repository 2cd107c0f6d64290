package capcache

import (
	"os"

	"github.com/karelmartinek-a11y/kajovo/internal/capcache/capflag"
	"github.com/vmihailenco/msgpack/v5"
)

// scratchRecord is a compact, msgpack-encoded snapshot of in-flight probe
// progress. A "probe all" run that gets interrupted can resume from this
// file instead of re-probing models it already finished; it is never the
// durable cache (that stays the legacy JSON shape spec §6 names).
type scratchRecord struct {
	Model    string `msgpack:"model"`
	OkBasic  bool   `msgpack:"ok_basic"`
	DoneStep string `msgpack:"done_step"`
}

// SaveProbeScratch persists progress for an in-flight "probe all" run.
func SaveProbeScratch(path string, done map[string]Record) error {
	out := make([]scratchRecord, 0, len(done))
	for _, r := range done {
		out = append(out, scratchRecord{Model: r.Model, OkBasic: r.OkBasic, DoneStep: lastCompletedStep(r)})
	}
	data, err := msgpack.Marshal(out)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadProbeScratch returns the set of model names already fully probed in
// a prior, interrupted "probe all" run. A missing file is not an error.
func LoadProbeScratch(path string) (map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	var rows []scratchRecord
	if err := msgpack.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	done := make(map[string]bool, len(rows))
	for _, r := range rows {
		if r.DoneStep == "file_search" {
			done[r.Model] = true
		}
	}
	return done, nil
}

func lastCompletedStep(r Record) string {
	if !r.OkBasic {
		return "basic"
	}
	if r.SupportsContinuation.Kind == capflag.Inconclusive && r.Errors == nil {
		return "continuation"
	}
	return "file_search"
}
