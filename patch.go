package lobby

import (
	"context"
	"strconv"
	"sync"

	"github.com/golang/glog"
)

// MetaMutation is a deferred mutation intent against one document. Apply
// mutates the document and returns the raw properties it touched.
// OperationId identifies the mutation kind: batching two mutations with the
// same id keeps only the last.
type MetaMutation struct {
	OperationId string
	Apply       func(meta *MetaDocument) map[string]string
}

// Patchable serializes local document mutations into revision-tagged
// commits. One in-flight commit per document; a stale-revision rejection
// resynchronizes the revision from the error payload and retries until the
// write lands. That retry is a protocol-mandated convergence loop, not a
// transient fault retry, so it has no cap.
type Patchable struct {
	meta *MetaDocument

	commit func(ctx context.Context, updated map[string]string, deleted []string, override map[string]string, config map[string]any, revision int) error

	// floor for a commit payload: the backend rejects an empty update set
	minPatchKeys int

	patchLock sync.Mutex
	editLock  sync.Mutex

	stateLock   sync.Mutex
	revision    int
	editing     bool
	configCache map[string]any
	ready       chan struct{}
	readyOnce   sync.Once
}

func newPatchable(
	meta *MetaDocument,
	commit func(ctx context.Context, updated map[string]string, deleted []string, override map[string]string, config map[string]any, revision int) error,
) *Patchable {
	return &Patchable{
		meta:         meta,
		commit:       commit,
		minPatchKeys: 1,
		configCache:  map[string]any{},
		ready:        make(chan struct{}),
	}
}

// MarkReady unblocks commits. Called once the initial default mutation
// batch has been applied to the document.
func (self *Patchable) MarkReady() {
	self.readyOnce.Do(func() {
		close(self.ready)
	})
}

func (self *Patchable) Revision() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.revision
}

func (self *Patchable) SetRevision(revision int) {
	self.stateLock.Lock()
	if self.revision < revision {
		self.revision = revision
	}
	self.stateLock.Unlock()
}

// InEdit reports whether an edit batch is applying mutations right now.
// Setters consult it to suppress their automatic commit.
func (self *Patchable) InEdit() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.editing
}

// SetConfig stages a config override for the next commit.
func (self *Patchable) SetConfig(key string, value any) {
	self.stateLock.Lock()
	self.configCache[key] = value
	self.stateLock.Unlock()
}

// Patch commits the given update set. A nil updated falls back to the first
// minPatchKeys document properties because the backend errors on an empty
// payload.
func (self *Patchable) Patch(ctx context.Context, updated map[string]string, deleted []string, override map[string]string) error {
	self.patchLock.Lock()
	defer self.patchLock.Unlock()
	defer func() {
		self.stateLock.Lock()
		self.configCache = map[string]any{}
		self.stateLock.Unlock()
	}()

	select {
	case <-self.ready:
	case <-ctx.Done():
		return ctx.Err()
	}

	for {
		commitUpdated := updated
		if commitUpdated == nil {
			commitUpdated = self.meta.Schema(self.minPatchKeys)
		}
		for _, key := range deleted {
			delete(commitUpdated, key)
		}

		self.stateLock.Lock()
		revision := self.revision
		config := self.configCache
		self.stateLock.Unlock()

		err := self.commit(ctx, commitUpdated, deleted, override, config, revision)
		if err == nil {
			self.stateLock.Lock()
			self.revision += 1
			self.stateLock.Unlock()
			return nil
		}

		if httpErr, ok := AsHttpError(err); ok && httpErr.MessageCode == MessageCodeStaleRevision {
			if len(httpErr.MessageVars) < 2 {
				return err
			}
			corrected, convErr := strconv.Atoi(httpErr.MessageVars[1])
			if convErr != nil {
				return err
			}
			glog.V(2).Infof("[patch]stale revision, resync %d -> %d\n", revision, corrected)
			self.stateLock.Lock()
			self.revision = corrected
			self.stateLock.Unlock()
			continue
		}
		return err
	}
}

// Run applies one mutation and commits it, unless an edit batch is in
// progress, in which case the batch commits the accumulated diff later.
func (self *Patchable) Run(ctx context.Context, mutation *MetaMutation) error {
	updated := mutation.Apply(self.meta)
	if self.InEdit() {
		return nil
	}
	return self.Patch(ctx, updated, nil, nil)
}

// Edit applies a batch of mutations as one commit. Mutations are
// deduplicated by operation id, keeping the last occurrence, then the
// post-batch document is diffed against a snapshot so the commit carries
// the minimal update and delete sets.
func (self *Patchable) Edit(ctx context.Context, mutations ...*MetaMutation) error {
	deduped := dedupeMutations(mutations)

	self.editLock.Lock()
	snapshot := self.meta.Snapshot()
	self.stateLock.Lock()
	self.editing = true
	self.stateLock.Unlock()

	for _, mutation := range deduped {
		mutation.Apply(self.meta)
	}

	self.stateLock.Lock()
	self.editing = false
	self.stateLock.Unlock()
	updated, deleted := self.meta.Diff(snapshot)
	self.editLock.Unlock()

	if len(updated) == 0 && len(deleted) == 0 {
		return nil
	}
	return self.Patch(ctx, updated, deleted, nil)
}

func dedupeMutations(mutations []*MetaMutation) []*MetaMutation {
	seen := map[string]bool{}
	deduped := []*MetaMutation{}
	// last occurrence of each operation wins
	for i := len(mutations) - 1; 0 <= i; i -= 1 {
		mutation := mutations[i]
		if seen[mutation.OperationId] {
			continue
		}
		seen[mutation.OperationId] = true
		deduped = append(deduped, mutation)
	}
	// restore submission order
	for i, j := 0, len(deduped)-1; i < j; i, j = i+1, j-1 {
		deduped[i], deduped[j] = deduped[j], deduped[i]
	}
	return deduped
}
