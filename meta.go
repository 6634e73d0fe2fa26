package lobby

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// Meta keys carry their value type in a single trailing suffix character:
//
//	_b  boolean ("true"/"false")
//	_j  json object
//	_U  unsigned int
//	     anything else is a plain string (conventionally _s)
//
// Values are stored as raw strings exactly as the service replicates them.
// All mutation goes through Set/Delete so the coercion stays consistent.
// Safe for concurrent use: replicated updates land from handler goroutines
// while accessors read from the caller's.
type MetaDocument struct {
	stateLock sync.Mutex
	keys      []string
	props     map[string]string
}

func NewMetaDocument() *MetaDocument {
	return &MetaDocument{
		props: map[string]string{},
	}
}

func metaSuffix(key string) byte {
	if len(key) == 0 {
		return 0
	}
	return key[len(key)-1]
}

// Set coerces value per the key suffix and stores the raw string form.
func (self *MetaDocument) Set(key string, value any) {
	var raw string
	switch metaSuffix(key) {
	case 'j':
		b, err := json.Marshal(value)
		if err != nil {
			panic(fmt.Errorf("meta %s: %w", key, err))
		}
		raw = string(b)
	case 'U':
		switch v := value.(type) {
		case int:
			raw = strconv.Itoa(v)
		case int64:
			raw = strconv.FormatInt(v, 10)
		case uint64:
			raw = strconv.FormatUint(v, 10)
		case float64:
			raw = strconv.Itoa(int(v))
		case string:
			raw = v
		default:
			raw = fmt.Sprintf("%d", value)
		}
	case 'b':
		switch v := value.(type) {
		case bool:
			raw = strconv.FormatBool(v)
		case string:
			raw = v
		default:
			raw = fmt.Sprintf("%v", value)
		}
	default:
		raw = fmt.Sprintf("%v", value)
	}
	self.SetRaw(key, raw)
}

func (self *MetaDocument) SetRaw(key string, raw string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.setRaw(key, raw)
}

func (self *MetaDocument) setRaw(key string, raw string) {
	if _, ok := self.props[key]; !ok {
		self.keys = append(self.keys, key)
	}
	self.props[key] = raw
}

// Delete is tolerant of absent keys.
func (self *MetaDocument) Delete(key string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.deleteKey(key)
}

func (self *MetaDocument) deleteKey(key string) {
	if _, ok := self.props[key]; !ok {
		return
	}
	delete(self.props, key)
	i := slices.Index(self.keys, key)
	if 0 <= i {
		self.keys = slices.Delete(self.keys, i, i+1)
	}
}

func (self *MetaDocument) Has(key string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.props[key]
	return ok
}

func (self *MetaDocument) Raw(key string) (string, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	raw, ok := self.props[key]
	return raw, ok
}

// Absent keys coerce to the zero value of the suffix type, never error.

func (self *MetaDocument) GetBool(key string) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	raw, ok := self.props[key]
	return ok && raw != "false"
}

func (self *MetaDocument) GetJson(key string) map[string]any {
	self.stateLock.Lock()
	raw, ok := self.props[key]
	self.stateLock.Unlock()
	if !ok {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func (self *MetaDocument) GetUint(key string) int {
	self.stateLock.Lock()
	raw, ok := self.props[key]
	self.stateLock.Unlock()
	if !ok {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return v
}

func (self *MetaDocument) GetString(key string) string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.props[key]
}

func (self *MetaDocument) Len() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.keys)
}

// Schema returns the first max properties in insertion order.
// max <= 0 returns everything.
func (self *MetaDocument) Schema(max int) map[string]string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if max <= 0 || len(self.keys) < max {
		max = len(self.keys)
	}
	out := make(map[string]string, max)
	for _, key := range self.keys[:max] {
		out[key] = self.props[key]
	}
	return out
}

// Update merges raw replicated properties from the service.
func (self *MetaDocument) Update(raw map[string]string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, key := range sortedKeys(raw) {
		self.setRaw(key, raw[key])
	}
}

func (self *MetaDocument) Remove(keys []string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, key := range keys {
		self.deleteKey(key)
	}
}

// Snapshot copies the raw property map for later diffing.
func (self *MetaDocument) Snapshot() map[string]string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Clone(self.props)
}

// Diff compares the document against a prior snapshot and returns the
// minimal updated set and deleted key list.
func (self *MetaDocument) Diff(snapshot map[string]string) (updated map[string]string, deleted []string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	updated = map[string]string{}
	for _, key := range self.keys {
		raw := self.props[key]
		if prev, ok := snapshot[key]; !ok || prev != raw {
			updated[key] = raw
		}
	}
	for key := range snapshot {
		if _, ok := self.props[key]; !ok {
			deleted = append(deleted, key)
		}
	}
	slices.Sort(deleted)
	return updated, deleted
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
