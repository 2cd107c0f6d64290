// Package capcache implements the model capability cache and prober (spec
// §4.7), grounded on original_source/kajovo/core/model_capabilities.py.
// Flags are modeled internally as capflag.State sum types per spec §9's
// REDESIGN FLAG, and serialized to the legacy boolean+errors-map shape spec
// §6 names for the on-disk cache file so older readers still understand it.
package capcache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/karelmartinek-a11y/kajovo/internal/capcache/capflag"
)

// Record is the in-memory capability record for one model (spec §3).
type Record struct {
	Model                string
	TestedAt             float64
	OkBasic              bool
	SupportsContinuation capflag.State
	SupportsTemperature  capflag.State
	SupportsTools        capflag.State
	SupportsFileSearch   capflag.State
	SupportsVectorStore  capflag.State
	Errors               map[string]string
}

// wireRecord is the legacy on-disk shape spec §6 names.
type wireRecord struct {
	Model                string            `json:"model"`
	TestedAt             float64           `json:"tested_at"`
	OkBasic              bool              `json:"ok_basic"`
	SupportsContinuation bool              `json:"supports_continuation"`
	SupportsTemperature  bool              `json:"supports_temperature"`
	SupportsTools        bool              `json:"supports_tools"`
	SupportsFileSearch   bool              `json:"supports_file_search"`
	SupportsVectorStore  bool              `json:"supports_vector_store"`
	Errors               map[string]string `json:"errors"`
}

// inconclusiveKeyPrefix prefixes the Errors keys that persist which flags
// were genuinely Inconclusive (vs. a real No), since the legacy boolean
// can't say so on its own; readers of the plain boolean shape still work
// unmodified.
const inconclusiveKeyPrefix = "_inconclusive:"

func (r Record) toWire() wireRecord {
	errs := map[string]string{}
	for k, v := range r.Errors {
		errs[k] = v
	}
	mark := func(name string, s capflag.State) {
		if s.Kind == capflag.Inconclusive {
			errs[inconclusiveKeyPrefix+name] = s.Reason
		} else if s.Kind == capflag.No && s.Reason != "" {
			errs[name] = s.Reason
		}
	}
	mark("continuation", r.SupportsContinuation)
	mark("temperature", r.SupportsTemperature)
	mark("tools", r.SupportsTools)
	mark("file_search", r.SupportsFileSearch)
	mark("vector_store", r.SupportsVectorStore)
	return wireRecord{
		Model:                r.Model,
		TestedAt:             r.TestedAt,
		OkBasic:              r.OkBasic,
		SupportsContinuation: r.SupportsContinuation.Bool(true),
		SupportsTemperature:  r.SupportsTemperature.Bool(true),
		SupportsTools:        r.SupportsTools.Bool(false),
		SupportsFileSearch:   r.SupportsFileSearch.Bool(false),
		SupportsVectorStore:  r.SupportsVectorStore.Bool(false),
		Errors:               errs,
	}
}

func stateFromWire(name string, value bool, defaultKeepTrue bool, errs map[string]string) capflag.State {
	if reason, ok := errs[inconclusiveKeyPrefix+name]; ok {
		return capflag.NewInconclusive(reason)
	}
	if value {
		return capflag.NewYes()
	}
	return capflag.NewNo(errs[name])
}

func recordFromWire(w wireRecord) Record {
	errs := map[string]string{}
	for k, v := range w.Errors {
		if strings.HasPrefix(k, inconclusiveKeyPrefix) {
			continue
		}
		errs[k] = v
	}
	return Record{
		Model:                w.Model,
		TestedAt:             w.TestedAt,
		OkBasic:              w.OkBasic,
		SupportsContinuation: stateFromWire("continuation", w.SupportsContinuation, true, w.Errors),
		SupportsTemperature:  stateFromWire("temperature", w.SupportsTemperature, true, w.Errors),
		SupportsTools:        stateFromWire("tools", w.SupportsTools, false, w.Errors),
		SupportsFileSearch:   stateFromWire("file_search", w.SupportsFileSearch, false, w.Errors),
		SupportsVectorStore:  stateFromWire("vector_store", w.SupportsVectorStore, false, w.Errors),
		Errors:               errs,
	}
}

// RejectsContinuation reports the precondition spec §4.9 checks before a
// non-batch GENERATE/MODIFY run is allowed to start.
func (r Record) RejectsContinuation() bool {
	return r.SupportsContinuation.Kind == capflag.No
}

// --- Cache file ---

type wireFile struct {
	Version int                   `json:"version"`
	SavedAt float64               `json:"saved_at"`
	Models  map[string]wireRecord `json:"models"`
}

const currentVersion = 1

// Cache is the process-wide, TTL-bounded capability store (spec §4.7/§5).
type Cache struct {
	mu      sync.RWMutex
	Path    string
	TTL     time.Duration
	records map[string]Record
	savedAt float64
}

func NewCache(path string, ttl time.Duration) *Cache {
	return &Cache{Path: path, TTL: ttl, records: map[string]Record{}}
}

// Load reads the cache file, honoring a sibling "<path>.force_refresh"
// marker that clears the cache and removes itself (spec §4.7).
func (c *Cache) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	marker := c.Path + ".force_refresh"
	if _, err := os.Stat(marker); err == nil {
		c.records = map[string]Record{}
		c.savedAt = 0
		return os.Remove(marker)
	}
	data, err := os.ReadFile(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			c.records = map[string]Record{}
			return nil
		}
		return err
	}
	var wf wireFile
	if err := json.Unmarshal(data, &wf); err != nil {
		return err
	}
	records := make(map[string]Record, len(wf.Models))
	for id, w := range wf.Models {
		w.Model = id
		records[id] = applyErrorOverrideNormalization(recordFromWire(w))
	}
	c.records = records
	c.savedAt = wf.SavedAt
	return nil
}

// applyErrorOverrideNormalization ports _apply_error_overrides: older caches
// may carry a true flag alongside an explicit-rejection error left over
// from a previous run; when both are present the explicit rejection wins.
func applyErrorOverrideNormalization(r Record) Record {
	fix := func(s capflag.State, reason string) capflag.State {
		if s.Kind == capflag.Yes && reason != "" && looksLikeExplicitRejection(reason) {
			return capflag.NewNo(reason)
		}
		return s
	}
	r.SupportsContinuation = fix(r.SupportsContinuation, r.Errors["continuation"])
	r.SupportsTemperature = fix(r.SupportsTemperature, r.Errors["temperature"])
	r.SupportsTools = fix(r.SupportsTools, r.Errors["tools"])
	r.SupportsFileSearch = fix(r.SupportsFileSearch, r.Errors["file_search"])
	return r
}

// Save atomically replaces the cache file (spec §5).
func (c *Cache) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveLocked()
}

func (c *Cache) saveLocked() error {
	models := make(map[string]wireRecord, len(c.records))
	for id, r := range c.records {
		models[id] = r.toWire()
	}
	c.savedAt = float64(time.Now().Unix())
	data, err := json.MarshalIndent(wireFile{Version: currentVersion, SavedAt: c.savedAt, Models: models}, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(c.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := c.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, c.Path)
}

// Get returns the cached record and whether it is still within TTL.
func (c *Cache) Get(model string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.records[model]
	if !ok {
		return Record{}, false
	}
	if c.TTL > 0 && time.Since(time.Unix(int64(r.TestedAt), 0)) > c.TTL {
		return r, false
	}
	return r, true
}

// Put stores a freshly probed record and saves the cache.
func (c *Cache) Put(r Record) error {
	c.mu.Lock()
	c.records[r.Model] = r
	err := c.saveLocked()
	c.mu.Unlock()
	return err
}

// Missing returns the subset of models that have no cached record at all,
// for the "probe every model not in the cache" auto-probe rule.
func (c *Cache) Missing(models []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []string
	for _, m := range models {
		if _, ok := c.records[m]; !ok {
			out = append(out, m)
		}
	}
	return out
}

// explicitRejectionPhrases is the lowercased-substring list spec §4.7 names.
var explicitRejectionPhrases = []string{
	"unknown parameter", "unrecognized parameter", "unexpected parameter",
	"unsupported parameter", "additional properties are not allowed",
	"extra fields not permitted", "is not permitted", "was unexpected",
	"is not allowed", "is not supported",
}

// looksLikeExplicitRejection reports whether an error reason, on its own
// (without a known parameter name), already reads like a rejection phrase.
func looksLikeExplicitRejection(reason string) bool {
	low := strings.ToLower(reason)
	for _, p := range explicitRejectionPhrases {
		if strings.Contains(low, p) {
			return true
		}
	}
	return false
}

// IsExplicitRejection implements the heuristic spec §4.7 specifies: the
// lowercased error must contain the parameter name AND one of the
// rejection phrases.
func IsExplicitRejection(errText, paramName string) bool {
	low := strings.ToLower(errText)
	if !strings.Contains(low, strings.ToLower(paramName)) {
		return false
	}
	return looksLikeExplicitRejection(low)
}
