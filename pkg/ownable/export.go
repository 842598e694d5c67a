package ownable

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/ownables/pkg/canonicalize"
	"github.com/Mindburn-Labs/ownables/pkg/eventchain"
	"github.com/Mindburn-Labs/ownables/pkg/sandbox"
	"github.com/Mindburn-Labs/ownables/pkg/statedump"
)

// Bundle file names.
const (
	bundleChain    = "chain.json"
	bundleState    = "state.json"
	bundleManifest = "ownable.json"
	maxBundleEntry = 32 << 20
)

// Bundle is an exported ownable: a zip archive of its chain and current
// state dump.
type Bundle struct {
	Name string
	Data []byte
}

type bundleHeader struct {
	ID        string `json:"id"`
	Package   string `json:"package"`
	StateHash string `json:"state_hash"`
}

// Archive is the decoded content of a bundle.
type Archive struct {
	ID        string
	Package   string
	StateHash string
	Chain     *eventchain.Chain
	State     statedump.Dump
}

// Export packages the chain and current state of an ownable. It does not
// take the busy slot and never changes the ownable.
func (m *Manager) Export(ctx context.Context, id string) (bundle *Bundle, err error) {
	_, finish := m.metrics.TrackOperation(ctx, "ownable.export", attribute.String("ownable.id", id))
	defer func() { finish(err) }()

	c, err := m.controller(id)
	if err != nil {
		return nil, err
	}
	return exportSnapshot(c.Snapshot())
}

// BundleName is ownable.<id[:12]>.<state[:8]>.zip.
func BundleName(id, stateHash string) string {
	hexHash, err := canonicalize.ParseHash(stateHash)
	if err != nil {
		hexHash = stateHash
	}
	return fmt.Sprintf("ownable.%s.%s.zip", prefix(id, 12), prefix(hexHash, 8))
}

func prefix(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

func exportSnapshot(s *Snapshot) (*Bundle, error) {
	header, err := json.MarshalIndent(bundleHeader{ID: s.ID, Package: s.Package, StateHash: s.StateHash}, "", "  ")
	if err != nil {
		return nil, err
	}
	chain, err := json.MarshalIndent(s.Chain, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export %s: encode chain: %w", s.ID, err)
	}
	state, err := json.Marshal(s.State)
	if err != nil {
		return nil, fmt.Errorf("export %s: encode state: %w", s.ID, err)
	}

	// Entries carry the time of the last event so the same state always
	// exports to the same bytes.
	modified := time.Unix(0, 0).UTC()
	if n := len(s.Chain.Events); n > 0 {
		modified = time.UnixMilli(s.Chain.Events[n-1].Timestamp).UTC()
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range []struct {
		name string
		data []byte
	}{
		{bundleManifest, header},
		{bundleChain, chain},
		{bundleState, state},
	} {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.name, Method: zip.Deflate, Modified: modified})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(f.data); err != nil {
			return nil, err
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("export %s: %w", s.ID, err)
	}
	return &Bundle{Name: BundleName(s.ID, s.StateHash), Data: buf.Bytes()}, nil
}

// ReadBundle decodes a bundle and verifies the links, hashes and signatures
// of its chain.
func ReadBundle(data []byte) (*Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.UncompressedSize64 > maxBundleEntry {
			return nil, fmt.Errorf("%w: %s is too large", ErrInvalidBundle, f.Name)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBundle, f.Name, err)
		}
		b, err := io.ReadAll(io.LimitReader(rc, maxBundleEntry))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBundle, f.Name, err)
		}
		files[f.Name] = b
	}
	for _, name := range []string{bundleManifest, bundleChain, bundleState} {
		if _, ok := files[name]; !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidBundle, name)
		}
	}

	var header bundleHeader
	if err := json.Unmarshal(files[bundleManifest], &header); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBundle, bundleManifest, err)
	}
	var chain eventchain.Chain
	if err := json.Unmarshal(files[bundleChain], &chain); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidBundle, bundleChain, err)
	}
	state, err := statedump.Decode(files[bundleState])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}

	if chain.ID != header.ID {
		return nil, fmt.Errorf("%w: chain id %s does not match %s", ErrInvalidBundle, chain.ID, header.ID)
	}
	if len(chain.Events) == 0 {
		return nil, fmt.Errorf("%w: empty chain", ErrInvalidBundle)
	}
	if err := chain.Verify(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	if latest := chain.LatestHash(); latest != header.StateHash {
		return nil, fmt.Errorf("%w: state hash %s is not the chain head %s", ErrInvalidBundle, header.StateHash, latest)
	}

	return &Archive{
		ID:        header.ID,
		Package:   header.Package,
		StateHash: header.StateHash,
		Chain:     &chain,
		State:     state,
	}, nil
}

// Import registers an ownable from a bundle, for example one received by
// transfer. The chain is replayed; the bundled state dump is only compared
// against the result.
func (m *Manager) Import(ctx context.Context, data []byte) (snap *Snapshot, err error) {
	ctx, finish := m.metrics.TrackOperation(ctx, "ownable.import")
	defer func() { finish(err) }()

	a, err := ReadBundle(data)
	if err != nil {
		return nil, err
	}
	if _, err := m.controller(a.ID); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, a.ID)
	}
	pkg, err := m.registry.Get(ctx, a.Package)
	if err != nil {
		return nil, err
	}

	c, err := m.instantiate(ctx, a.ID, pkg, a.Chain.WithClock(m.clock), true)
	if err != nil {
		if sandbox.IsCancelled(err) {
			return nil, nil
		}
		return nil, err
	}
	if pkg.IsDynamic && !c.view().dump.Equal(a.State) {
		m.logger.WarnContext(ctx, "bundled state differs from replay", "ownable", a.ID)
	}
	if err := m.persist(ctx, c); err != nil {
		m.discard(ctx, c)
		return nil, err
	}
	if err := m.register(c); err != nil {
		m.discard(ctx, c)
		return nil, err
	}
	m.logger.InfoContext(ctx, "ownable imported", "ownable", a.ID, "package", pkg.Name)
	return c.Snapshot(), nil
}
