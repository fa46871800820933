// Package checkpoint persists the pending repair queue so it survives a
// restart.
//
// The file is a zstd stream of big-endian fields:
//
//	int32  legacy marker (-1)
//	uint8  version
//	int32  batch count
//	per batch:
//	  uint16 + bytes  world name (UTF-8)
//	  int32 + int32s  region Y list
//	  int32 + pairs   chunk count, then (x int32, z int32) per chunk
package checkpoint

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"voxellight.ai/internal/geom"
)

const (
	legacyMarker int32 = -1
	Version      uint8 = 2
)

var (
	ErrUnsupportedVersion = errors.New("unsupported checkpoint version")
	ErrLegacyFormat       = errors.New("legacy checkpoint format")
)

// Entry is one pending batch.
type Entry struct {
	World string
	// RegionYs nil means every vertical region.
	RegionYs []int
	Chunks   []geom.ChunkKey
}

// Write replaces the checkpoint at path. An empty queue removes the file.
func Write(path string, entries []Entry) error {
	if len(entries) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Encode(f, entries); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// Encode writes the compressed checkpoint stream.
func Encode(w io.Writer, entries []Entry) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 64*1024)
	e := &encoder{w: bw}
	e.i32(legacyMarker)
	e.u8(Version)
	e.i32(int32(len(entries)))
	for _, ent := range entries {
		e.str(ent.World)
		e.i32(int32(len(ent.RegionYs)))
		for _, ry := range ent.RegionYs {
			e.i32(int32(ry))
		}
		e.i32(int32(len(ent.Chunks)))
		for _, k := range ent.Chunks {
			e.i32(int32(k.CX))
			e.i32(int32(k.CZ))
		}
	}
	if e.err == nil {
		e.err = bw.Flush()
	}
	if cerr := enc.Close(); e.err == nil {
		e.err = cerr
	}
	if e.err != nil {
		return fmt.Errorf("encode checkpoint: %w", e.err)
	}
	return nil
}

type encoder struct {
	w   *bufio.Writer
	buf [4]byte
	err error
}

func (e *encoder) i32(v int32) {
	if e.err != nil {
		return
	}
	binary.BigEndian.PutUint32(e.buf[:], uint32(v))
	_, e.err = e.w.Write(e.buf[:])
}

func (e *encoder) u8(v uint8) {
	if e.err == nil {
		e.err = e.w.WriteByte(v)
	}
}

func (e *encoder) str(s string) {
	if e.err != nil {
		return
	}
	if len(s) > math.MaxUint16 {
		e.err = fmt.Errorf("world name too long (%d bytes)", len(s))
		return
	}
	binary.BigEndian.PutUint16(e.buf[:2], uint16(len(s)))
	if _, e.err = e.w.Write(e.buf[:2]); e.err == nil {
		_, e.err = e.w.WriteString(s)
	}
}

// Decode reads a checkpoint stream written by Encode. Any other version is
// ErrUnsupportedVersion.
func Decode(r io.Reader) ([]Entry, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	d := &decoder{r: bufio.NewReaderSize(dec, 64*1024)}

	if marker := d.i32(); d.err == nil && marker >= 0 {
		return nil, ErrLegacyFormat
	}
	version := d.u8()
	if d.err != nil {
		return nil, fmt.Errorf("decode checkpoint header: %w", d.err)
	}
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}

	n := d.count()
	out := make([]Entry, 0, min(n, 1024))
	for i := 0; i < n && d.err == nil; i++ {
		var ent Entry
		ent.World = d.str()
		if ny := d.count(); ny > 0 {
			ent.RegionYs = make([]int, 0, min(ny, 1024))
			for j := 0; j < ny && d.err == nil; j++ {
				ent.RegionYs = append(ent.RegionYs, int(d.i32()))
			}
		}
		nc := d.count()
		ent.Chunks = make([]geom.ChunkKey, 0, min(nc, 1<<16))
		for j := 0; j < nc && d.err == nil; j++ {
			x := d.i32()
			z := d.i32()
			ent.Chunks = append(ent.Chunks, geom.ChunkKey{CX: int(x), CZ: int(z)})
		}
		out = append(out, ent)
	}
	if d.err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", d.err)
	}
	return out, nil
}

type decoder struct {
	r   *bufio.Reader
	buf [4]byte
	err error
}

func (d *decoder) i32() int32 {
	if d.err != nil {
		return 0
	}
	if _, d.err = io.ReadFull(d.r, d.buf[:]); d.err != nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(d.buf[:]))
}

func (d *decoder) u8() uint8 {
	if d.err != nil {
		return 0
	}
	var b byte
	b, d.err = d.r.ReadByte()
	return b
}

func (d *decoder) count() int {
	n := d.i32()
	if d.err == nil && n < 0 {
		d.err = fmt.Errorf("negative count %d", n)
	}
	return int(n)
}

func (d *decoder) str() string {
	if d.err != nil {
		return ""
	}
	if _, d.err = io.ReadFull(d.r, d.buf[:2]); d.err != nil {
		return ""
	}
	b := make([]byte, binary.BigEndian.Uint16(d.buf[:2]))
	if _, d.err = io.ReadFull(d.r, b); d.err != nil {
		return ""
	}
	return string(b)
}

// Read loads the checkpoint at path. A missing file yields no entries.
// Unsupported files are skipped with a warning; entries for worlds that
// known rejects are dropped with one warning naming them.
func Read(path string, known func(world string) bool, logger *log.Logger) ([]Entry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	entries, err := Decode(f)
	if errors.Is(err, ErrUnsupportedVersion) || errors.Is(err, ErrLegacyFormat) {
		if logger != nil {
			logger.Printf("skipping pending light checkpoint %s: %v", filepath.Base(path), err)
		}
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if known == nil {
		return entries, nil
	}

	kept := entries[:0]
	missing := map[string]bool{}
	for _, ent := range entries {
		if known(ent.World) {
			kept = append(kept, ent)
		} else {
			missing[ent.World] = true
		}
	}
	if len(missing) > 0 && logger != nil {
		names := make([]string, 0, len(missing))
		for n := range missing {
			names = append(names, n)
		}
		sort.Strings(names)
		logger.Printf("dropping pending light batches of missing worlds: %s", strings.Join(names, ", "))
	}
	return kept, nil
}
