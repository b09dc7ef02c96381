package bestcache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/deepteams/modectrl/internal/cu"
	"github.com/deepteams/modectrl/internal/mode"
)

// Compression selects how Export compresses the cache payload.
type Compression uint8

const (
	// CompressionNone stores the payload as is.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression (fast).
	CompressionLZ4 Compression = 1
	// CompressionZSTD uses ZSTD (better ratio).
	CompressionZSTD Compression = 2
)

// ErrCorrupt is returned by Import when the input is not a valid cache file.
var ErrCorrupt = errors.New("bestcache: corrupt cache file")

var fileMagic = [4]byte{'M', 'C', 'B', 'C'}

const fileVersion = 1

// Block format: [rawLen uint32][compLen uint32][data]. compLen == 0 means
// the data is stored uncompressed.
const blockHeaderSize = 8

// Import limits.
const (
	maxPicSide   = 1 << 14
	maxBlockSize = 1 << 30
)

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func compressBlock(data []byte, ct Compression) ([]byte, error) {
	var comp []byte
	switch ct {
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		comp = buf[:n]
	case CompressionZSTD:
		enc := getZstdEncoder()
		comp = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	}

	// Incompressible payloads are stored raw.
	if len(comp) == 0 || len(comp) >= len(data) {
		out := make([]byte, blockHeaderSize+len(data))
		binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
		copy(out[blockHeaderSize:], data)
		return out, nil
	}
	out := make([]byte, blockHeaderSize+len(comp))
	binary.LittleEndian.PutUint32(out[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(out[4:], uint32(len(comp)))
	copy(out[blockHeaderSize:], comp)
	return out, nil
}

func decompressBlock(data []byte, ct Compression) ([]byte, error) {
	if len(data) < blockHeaderSize {
		return nil, fmt.Errorf("%w: block too small for header", ErrCorrupt)
	}
	rawLen := binary.LittleEndian.Uint32(data[0:])
	compLen := binary.LittleEndian.Uint32(data[4:])
	body := data[blockHeaderSize:]

	if compLen == 0 {
		if uint32(len(body)) < rawLen {
			return nil, fmt.Errorf("%w: block data too small", ErrCorrupt)
		}
		return body[:rawLen], nil
	}
	if uint32(len(body)) < compLen {
		return nil, fmt.Errorf("%w: compressed block data too small", ErrCorrupt)
	}
	if rawLen > maxBlockSize {
		return nil, fmt.Errorf("%w: block of %d bytes", ErrCorrupt, rawLen)
	}
	body = body[:compLen]
	out := make([]byte, rawLen)

	switch ct {
	case CompressionLZ4:
		n, err := lz4.UncompressBlock(body, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		if uint32(n) != rawLen {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorrupt)
		}
		return out, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		decoded, err := dec.DecodeAll(body, out[:0])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		if uint32(len(decoded)) != rawLen {
			return nil, fmt.Errorf("%w: decompressed size mismatch", ErrCorrupt)
		}
		return decoded, nil
	}
	return nil, fmt.Errorf("%w: unknown compression %d", ErrCorrupt, ct)
}

type fileHeader struct {
	Magic       [4]byte
	Version     uint8
	Compression uint8
	_           [2]byte
}

type gridHeader struct {
	PicW, PicH, CTU uint32
}

type unitArea struct {
	X, Y, W, H int32
}

func toUnitArea(a cu.Area) unitArea {
	return unitArea{int32(a.X), int32(a.Y), int32(a.Width), int32(a.Height)}
}

func (u unitArea) area() cu.Area {
	return cu.Area{X: int(u.X), Y: int(u.Y), Width: int(u.W), Height: int(u.H)}
}

const (
	flagSkip uint8 = 1 << iota
	flagAffine
	flagIPCM
	flagBypass
	flagRootCbf
	flagMerge
	flagLossless
)

// entryRecord is the fixed-size part of a persisted entry.
type entryRecord struct {
	POC      int32
	Kind     uint8
	Part     uint8
	Flags    uint8
	PredMode uint8
	Opts     uint32
	ModeQP   int16
	CUQP     int16
	Cost     float64
	Dist     uint64
	FracBits uint64

	CUArea, PUArea, TUArea unitArea

	Depth, QtDepth, BtDepth, MtDepth uint8
	IMV, InterDir, MergeIdx, IntraDir uint8
	RefIdx                            [cu.NumRefLists]int8
	Mv                                [cu.NumRefLists][2]int32
	Cbf                               uint8
	_                                 [3]byte
	CoeffLen                          [cu.MaxComponents]uint32
	PCMLen                            [cu.MaxComponents]uint32
}

func boolFlag(b bool, f uint8) uint8 {
	if b {
		return f
	}
	return 0
}

func encodeEntry(e *Entry) entryRecord {
	r := entryRecord{
		POC:      int32(e.POC),
		Kind:     uint8(e.Mode.Kind),
		Part:     uint8(e.Mode.PartSize),
		PredMode: uint8(e.CU.PredMode),
		Opts:     uint32(e.Mode.Opts),
		ModeQP:   int16(e.Mode.QP),
		CUQP:     int16(e.CU.QP),
		Cost:     e.Cost,
		Dist:     e.Dist,
		FracBits: e.FracBits,
		CUArea:   toUnitArea(e.CU.Area),
		PUArea:   toUnitArea(e.PU.Area),
		TUArea:   toUnitArea(e.TU.Area),
		Depth:    uint8(e.CU.Depth),
		QtDepth:  uint8(e.CU.QtDepth),
		BtDepth:  uint8(e.CU.BtDepth),
		MtDepth:  uint8(e.CU.MtDepth),
		IMV:      uint8(e.CU.IMV),
		InterDir: uint8(e.PU.InterDir),
		MergeIdx: uint8(e.PU.MergeIdx),
		IntraDir: uint8(e.PU.IntraDir),
	}
	r.Flags = boolFlag(e.CU.Skip, flagSkip) | boolFlag(e.CU.Affine, flagAffine) |
		boolFlag(e.CU.IPCM, flagIPCM) | boolFlag(e.CU.TransQuantBypass, flagBypass) |
		boolFlag(e.CU.RootCbf, flagRootCbf) | boolFlag(e.PU.MergeFlag, flagMerge) |
		boolFlag(e.Mode.Lossless, flagLossless)
	for l := range r.RefIdx {
		r.RefIdx[l] = int8(e.PU.RefIdx[l])
		r.Mv[l] = [2]int32{e.PU.Mv[l].Hor, e.PU.Mv[l].Ver}
	}
	for c := range r.CoeffLen {
		r.Cbf |= boolFlag(e.TU.Cbf[c], 1<<c)
		r.CoeffLen[c] = uint32(len(e.TU.Coeffs[c]))
		r.PCMLen[c] = uint32(len(e.TU.PCM[c]))
	}
	return r
}

func decodeEntry(r *entryRecord) Entry {
	e := Entry{
		POC: int(r.POC),
		Mode: mode.Candidate{
			Kind:     mode.Kind(r.Kind),
			Opts:     mode.Opts(r.Opts),
			PartSize: cu.PartSize(r.Part),
			QP:       int(r.ModeQP),
			Lossless: r.Flags&flagLossless != 0,
		},
		Cost:     r.Cost,
		Dist:     r.Dist,
		FracBits: r.FracBits,
		valid:    true,
	}
	e.CU = cu.CodingUnit{
		Area:             r.CUArea.area(),
		Depth:            int(r.Depth),
		QtDepth:          int(r.QtDepth),
		BtDepth:          int(r.BtDepth),
		MtDepth:          int(r.MtDepth),
		PredMode:         cu.PredMode(r.PredMode),
		Skip:             r.Flags&flagSkip != 0,
		Affine:           r.Flags&flagAffine != 0,
		IPCM:             r.Flags&flagIPCM != 0,
		IMV:              int(r.IMV),
		QP:               int(r.CUQP),
		TransQuantBypass: r.Flags&flagBypass != 0,
		RootCbf:          r.Flags&flagRootCbf != 0,
	}
	e.PU = cu.PredictionUnit{
		Area:      r.PUArea.area(),
		MergeFlag: r.Flags&flagMerge != 0,
		MergeIdx:  int(r.MergeIdx),
		InterDir:  int(r.InterDir),
		IntraDir:  int(r.IntraDir),
	}
	for l := range r.RefIdx {
		e.PU.RefIdx[l] = int(r.RefIdx[l])
		e.PU.Mv[l] = cu.Mv{Hor: r.Mv[l][0], Ver: r.Mv[l][1]}
	}
	return e
}

// Export writes every entry of c to w. c must not be a branch.
func (c *Cache) Export(w io.Writer, ct Compression) error {
	if c.parent != nil {
		return errors.New("bestcache: export of a branch")
	}
	keys := roaring.New()
	for k, i := range c.index {
		if i >= 0 {
			keys.Add(uint32(k))
		}
	}

	le := binary.LittleEndian
	raw, err := binary.Append(nil, le, gridHeader{uint32(c.picW), uint32(c.picH), uint32(c.ctuSize)})
	if err != nil {
		return err
	}
	kb, err := keys.ToBytes()
	if err != nil {
		return fmt.Errorf("bestcache: serialize keys: %w", err)
	}
	raw = le.AppendUint32(raw, uint32(len(kb)))
	raw = append(raw, kb...)

	it := keys.Iterator()
	for it.HasNext() {
		e := &c.entries[c.index[it.Next()]]
		rec := encodeEntry(e)
		if raw, err = binary.Append(raw, le, &rec); err != nil {
			return fmt.Errorf("bestcache: encode entry: %w", err)
		}
		for comp := range e.TU.Coeffs {
			for _, v := range e.TU.Coeffs[comp] {
				raw = le.AppendUint32(raw, uint32(v))
			}
			for _, v := range e.TU.PCM[comp] {
				raw = le.AppendUint16(raw, uint16(v))
			}
		}
	}

	block, err := compressBlock(raw, ct)
	if err != nil {
		return fmt.Errorf("bestcache: compress: %w", err)
	}
	if err := binary.Write(w, le, fileHeader{Magic: fileMagic, Version: fileVersion, Compression: uint8(ct)}); err != nil {
		return fmt.Errorf("bestcache: write header: %w", err)
	}
	if _, err := w.Write(block); err != nil {
		return fmt.Errorf("bestcache: write block: %w", err)
	}
	return nil
}

// Import replaces the contents of c with the cache read from r. Entries
// keep their picture order counts, so only nodes of the same picture can
// reuse them. On error c is left unchanged.
func (c *Cache) Import(r io.Reader) error {
	if c.parent != nil {
		return errors.New("bestcache: import into a branch")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("bestcache: read: %w", err)
	}
	le := binary.LittleEndian
	var fh fileHeader
	if err := binary.Read(bytes.NewReader(data), le, &fh); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if fh.Magic != fileMagic || fh.Version != fileVersion {
		return fmt.Errorf("%w: bad magic or version", ErrCorrupt)
	}
	raw, err := decompressBlock(data[binary.Size(fh):], Compression(fh.Compression))
	if err != nil {
		return err
	}

	br := bytes.NewReader(raw)
	var gh gridHeader
	if err := binary.Read(br, le, &gh); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if gh.CTU < 8 || gh.CTU > 256 || gh.CTU&(gh.CTU-1) != 0 {
		return fmt.Errorf("%w: CTU size %d", ErrCorrupt, gh.CTU)
	}
	if gh.PicW == 0 || gh.PicH == 0 || gh.PicW > maxPicSide || gh.PicH > maxPicSide {
		return fmt.Errorf("%w: picture size %dx%d", ErrCorrupt, gh.PicW, gh.PicH)
	}
	var klen uint32
	if err := binary.Read(br, le, &klen); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if int64(klen) > int64(br.Len()) {
		return fmt.Errorf("%w: key set truncated", ErrCorrupt)
	}
	kb := make([]byte, klen)
	if _, err := io.ReadFull(br, kb); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	keys := roaring.New()
	if err := keys.UnmarshalBinary(kb); err != nil {
		return fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	n := &Cache{gen: c.gen, touched: roaring.New()}
	n.reset(int(gh.PicW), int(gh.PicH), int(gh.CTU))
	if err := n.decodeEntries(br, keys); err != nil {
		n.Release()
		return err
	}
	c.Release()
	*c = *n
	return nil
}

// decodeEntries reads one record per key of keys into c.
func (c *Cache) decodeEntries(br *bytes.Reader, keys *roaring.Bitmap) error {
	le := binary.LittleEndian
	it := keys.Iterator()
	for it.HasNext() {
		k := it.Next()
		if int(k) >= len(c.index) {
			return fmt.Errorf("%w: key %d out of range", ErrCorrupt, k)
		}
		var rec entryRecord
		if err := binary.Read(br, le, &rec); err != nil {
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
		// Only unsplit trials are cached.
		if mode.Kind(rec.Kind) > mode.IPCM {
			return fmt.Errorf("%w: mode kind %d", ErrCorrupt, rec.Kind)
		}
		e := decodeEntry(&rec)
		e.TU.Area = rec.TUArea.area()
		for comp := range rec.CoeffLen {
			e.TU.Cbf[comp] = rec.Cbf&(1<<comp) != 0
			if n := rec.CoeffLen[comp]; n > 0 {
				if int64(n)*4 > int64(br.Len()) {
					return fmt.Errorf("%w: coefficients truncated", ErrCorrupt)
				}
				e.TU.Coeffs[comp] = make([]int32, n)
				if err := binary.Read(br, le, e.TU.Coeffs[comp]); err != nil {
					return fmt.Errorf("%w: %w", ErrCorrupt, err)
				}
			}
			if n := rec.PCMLen[comp]; n > 0 {
				if int64(n)*2 > int64(br.Len()) {
					return fmt.Errorf("%w: samples truncated", ErrCorrupt)
				}
				e.TU.PCM[comp] = make([]int16, n)
				if err := binary.Read(br, le, e.TU.PCM[comp]); err != nil {
					return fmt.Errorf("%w: %w", ErrCorrupt, err)
				}
			}
		}
		e.gen = c.gen
		c.slot(k).copyFrom(&e)
	}
	return nil
}
