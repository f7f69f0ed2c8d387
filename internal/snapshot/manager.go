package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/flowcore/internal/gml"
	"github.com/rendis/flowcore/internal/logging"
	"github.com/rendis/flowcore/internal/store"
	"github.com/rendis/flowcore/pkg/schema"
)

// Manager checkpoints executions through a SnapshotStore. It assigns
// increasing sequence numbers per execution and seals every snapshot with a
// SHA-256 checksum that Restore verifies.
type Manager struct {
	store  store.SnapshotStore
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	seqs map[string]int64
}

// NewManager creates a Manager. A nil logger uses slog.Default().
func NewManager(s store.SnapshotStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  s,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		seqs:   make(map[string]int64),
	}
}

// Checkpoint persists snap as the next checkpoint of its execution. It fills
// Version, Seq, CreatedAt and Checksum; the caller must not reuse snap.
func (m *Manager) Checkpoint(ctx context.Context, snap *schema.Snapshot) error {
	if snap == nil || snap.ExecutionID == "" {
		return schema.NewError(schema.ErrCodeValidation, "snapshot requires an execution id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.seqs[snap.ExecutionID] + 1
	snap.Version = schema.SnapshotVersion
	snap.Seq = seq
	snap.CreatedAt = m.now()
	sum, err := Checksum(snap)
	if err != nil {
		return err
	}
	snap.Checksum = sum

	if err := m.store.SaveSnapshot(ctx, snap); err != nil {
		return schema.AsFlowError(err, schema.ErrCodeStore)
	}
	m.seqs[snap.ExecutionID] = seq
	logging.LogWith(ctx, m.logger).Debug("checkpoint saved",
		slog.Int64("seq", seq),
		slog.Int("completed", len(snap.Completed)),
		slog.Int("pending", len(snap.Pending)),
	)
	return nil
}

// Restore loads the latest checkpoint of an execution and verifies its
// checksum. Numbers in the restored context are normalized for evaluation.
// Later checkpoints continue from the restored sequence.
func (m *Manager) Restore(ctx context.Context, executionID string) (*schema.Snapshot, error) {
	snap, err := m.store.LoadSnapshot(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if snap.Version != schema.SnapshotVersion {
		return nil, corrupt(executionID, "unsupported snapshot version %d", snap.Version)
	}
	if snap.ExecutionID != executionID {
		return nil, corrupt(executionID, "snapshot belongs to execution %q", snap.ExecutionID)
	}
	want := snap.Checksum
	got, err := Checksum(snap)
	if err != nil {
		return nil, err
	}
	if want == "" || want != got {
		return nil, corrupt(executionID, "checksum mismatch")
	}

	normalize(snap)

	m.mu.Lock()
	if snap.Seq > m.seqs[executionID] {
		m.seqs[executionID] = snap.Seq
	}
	m.mu.Unlock()
	return snap, nil
}

// Forget drops the sequence counter of a finished execution.
func (m *Manager) Forget(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seqs, executionID)
}

// Checksum returns the hex SHA-256 of snap's JSON encoding with the
// Checksum field cleared.
func Checksum(snap *schema.Snapshot) (string, error) {
	cp := *snap
	cp.Checksum = ""
	data, err := json.Marshal(&cp)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeSnapshotCorrupt, "encode snapshot: %s", err.Error()).WithCause(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify checks that snap was taken from def: same flow id and version, and
// every node it names exists in the definition.
func Verify(snap *schema.Snapshot, def *schema.FlowDefinition, nodeIDs []string) error {
	if snap.FlowID != def.ID {
		return corrupt(snap.ExecutionID, "snapshot flow %q does not match %q", snap.FlowID, def.ID)
	}
	if snap.FlowVersion != def.Version {
		return corrupt(snap.ExecutionID, "snapshot flow version %q does not match %q", snap.FlowVersion, def.Version)
	}
	known := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		known[id] = true
	}
	check := func(id string) error {
		if !known[id] {
			return corrupt(snap.ExecutionID, "snapshot references unknown node %q", id)
		}
		return nil
	}
	for id := range snap.Completed {
		if err := check(id); err != nil {
			return err
		}
	}
	for id := range snap.Failed {
		if err := check(id); err != nil {
			return err
		}
	}
	for id := range snap.LoopCursors {
		if err := check(id); err != nil {
			return err
		}
	}
	for _, list := range [][]string{snap.Skipped, snap.Pending} {
		for _, id := range list {
			if err := check(id); err != nil {
				return err
			}
		}
	}
	return nil
}

func corrupt(executionID, format string, args ...any) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeSnapshotCorrupt, format, args...).
		WithDetails(map[string]any{"execution_id": executionID})
}

func normalize(snap *schema.Snapshot) {
	c := &snap.Context
	c.Inputs = normalizeMap(c.Inputs)
	c.System = normalizeMap(c.System)
	c.Globals = normalizeMap(c.Globals)
	c.Outputs = normalizeMap(c.Outputs)
	for id, n := range snap.Completed {
		n.Output = gml.DeepNormalize(n.Output)
		snap.Completed[id] = n
	}
	for id, cur := range snap.LoopCursors {
		cur.Scope = normalizeMap(cur.Scope)
		if cur.Results != nil {
			cur.Results, _ = gml.DeepNormalize(cur.Results).([]any)
		}
		snap.LoopCursors[id] = cur
	}
}

func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	out, _ := gml.DeepNormalize(m).(map[string]any)
	return out
}
