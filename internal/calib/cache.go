package calib

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ridgeline-obs/calwatch/internal/frame"
	"github.com/ridgeline-obs/calwatch/internal/fsutil"
)

// CombinedFrame is a persisted master frame: the sigma-clipped stack
// average for one instrument, detector configuration, and frame type.
type CombinedFrame struct {
	Instrument string
	FrameType  frame.FrameType
	Config     frame.ConfigGroup
	Created    time.Time
	NFrames    int
	Image      *frame.Image
}

// Cache persists combined frames as gzipped gob files, one per
// (instrument, config, frame type). Writes overwrite any prior file for
// the same key; the last writer wins.
type Cache struct {
	fs  fsutil.FileSystem
	dir string
}

func NewCache(fs fsutil.FileSystem, dir string) *Cache {
	return &Cache{fs: fs, dir: dir}
}

func (c *Cache) path(instrument string, cfg frame.ConfigGroup, ft frame.FrameType) string {
	name := fmt.Sprintf("combined_%s_%s_%s_%s.gob.gz", instrument, ft, cfg.Binning, cfg.AmpConfig)
	return filepath.Join(c.dir, name)
}

// Store writes the combined frame, replacing any existing entry for its
// key.
func (c *Cache) Store(cf *CombinedFrame) error {
	if cf.Image == nil {
		return fmt.Errorf("combined cache: nil image for %s %s", cf.Instrument, cf.FrameType)
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(zw).Encode(cf); err != nil {
		return fmt.Errorf("combined cache: encode: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("combined cache: compress: %w", err)
	}
	if err := c.fs.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("combined cache: %w", err)
	}
	p := c.path(cf.Instrument, cf.Config, cf.FrameType)
	if err := c.fs.WriteFile(p, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("combined cache: write %s: %w", p, err)
	}
	return nil
}

// Load returns the cached combined frame for the key, or (nil, nil)
// when none has been persisted.
func (c *Cache) Load(instrument string, cfg frame.ConfigGroup, ft frame.FrameType) (*CombinedFrame, error) {
	p := c.path(instrument, cfg, ft)
	if !c.fs.Exists(p) {
		return nil, nil
	}
	data, err := c.fs.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("combined cache: read %s: %w", p, err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("combined cache: decompress %s: %w", p, err)
	}
	defer zr.Close()
	var cf CombinedFrame
	if err := gob.NewDecoder(zr).Decode(&cf); err != nil {
		return nil, fmt.Errorf("combined cache: decode %s: %w", p, err)
	}
	return &cf, nil
}
