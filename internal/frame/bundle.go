package frame

import (
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
	"sort"
)

// Bundle is the on-disk interchange format for pre-parsed frames. The
// upstream gatherer (which owns FITS I/O) serializes one night of frames
// per instrument into a bundle; the pipeline consumes bundles. Gob keeps
// the format internal and versionable without a schema language.
type Bundle struct {
	Version    int
	Instrument string
	Night      string // e.g. "20260829a"
	Frames     []RawFrame
}

// BundleVersion is written into every bundle and checked on read.
const BundleVersion = 1

// Mechanism values travel inside an interface field, so gob needs their
// concrete types registered before encode or decode.
func init() {
	gob.Register(float64(0))
	gob.Register(int(0))
	gob.Register(int64(0))
	gob.Register("")
	gob.Register(false)
}

// WriteBundle gob-encodes the bundle, gzip-compressed, to w.
func WriteBundle(w io.Writer, b *Bundle) error {
	b.Version = BundleVersion
	zw := gzip.NewWriter(w)
	if err := gob.NewEncoder(zw).Encode(b); err != nil {
		zw.Close()
		return fmt.Errorf("encode bundle: %w", err)
	}
	return zw.Close()
}

// ReadBundle decodes a bundle from r and returns its frames sorted by
// ascending observation number. Later pipeline stages apply a "most
// recent wins" merge rule, so the ordering is load-bearing.
func ReadBundle(r io.Reader) (*Bundle, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open bundle: %w", err)
	}
	defer zr.Close()

	var b Bundle
	if err := gob.NewDecoder(zr).Decode(&b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if b.Version != BundleVersion {
		return nil, fmt.Errorf("bundle version %d not supported (want %d)", b.Version, BundleVersion)
	}
	sort.SliceStable(b.Frames, func(i, j int) bool {
		return b.Frames[i].Header.ObsNumber < b.Frames[j].Header.ObsNumber
	})
	return &b, nil
}

// GroupFrames splits frames into per-type, per-configuration sets while
// preserving observation order. Frames failing header validation are
// returned separately for reporting rather than dropped silently.
func GroupFrames(frames []RawFrame) (map[ConfigGroup]map[FrameType][]*RawFrame, []error) {
	groups := make(map[ConfigGroup]map[FrameType][]*RawFrame)
	var bad []error
	for i := range frames {
		f := &frames[i]
		if err := f.Header.Validate(); err != nil {
			bad = append(bad, err)
			continue
		}
		cfg := f.Header.Config()
		if groups[cfg] == nil {
			groups[cfg] = make(map[FrameType][]*RawFrame)
		}
		ft := f.Header.FrameType
		groups[cfg][ft] = append(groups[cfg][ft], f)
	}
	return groups, bad
}

// Configs returns the group keys in a stable order.
func Configs(groups map[ConfigGroup]map[FrameType][]*RawFrame) []ConfigGroup {
	out := make([]ConfigGroup, 0, len(groups))
	for cfg := range groups {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Binning != out[j].Binning {
			return out[i].Binning < out[j].Binning
		}
		return out[i].AmpConfig < out[j].AmpConfig
	})
	return out
}
