package tablet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/blockcache"
	"github.com/kudu-go/tablet/internal/diskrowset"
	"github.com/kudu-go/tablet/vfs"
)

// drsMeta records what a DiskRowSet needs on disk to be reloaded: its ID
// and how many redo files it currently has (each a separate file, matching
// the on-disk layout WithNewRedoFile/WithMergedRedoFiles produce
// in-memory).
type drsMeta struct {
	ID      uint64
	NumRedo int
}

// tabletMetadata is the tablet's persisted directory manifest (spec.md §6:
// "a metadata file (row-set list, next-DRS-id, schema)"). Schema itself is
// supplied by the caller at Open time rather than persisted here — the
// same simplification pebble's own MANIFEST makes of leaning on the
// caller-supplied Options for anything that isn't row-set bookkeeping.
type tabletMetadata struct {
	DurableTs base.Timestamp
	NextDRSID uint64
	DRSs      []drsMeta
}

const metaFileName = "meta"
const metaTmpFileName = "meta.tmp"

func writeUvarint(w io.Writer, v uint64) error {
	var buf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(buf[:], v)
	_, err := w.Write(buf[:n])
	return err
}

// writeMetadata durably persists meta by writing a new version and
// atomically renaming it into place (spec.md §6), so a crash mid-write
// never corrupts the previous, still-valid metadata file.
func writeMetadata(fs vfs.FS, dir string, meta tabletMetadata) error {
	tmpPath := fs.PathJoin(dir, metaTmpFileName)
	f, err := fs.Create(tmpPath)
	if err != nil {
		return errors.Wrap(base.ErrIOError, err.Error())
	}
	if err := func() error {
		if err := writeUvarint(f, uint64(meta.DurableTs)); err != nil {
			return err
		}
		if err := writeUvarint(f, meta.NextDRSID); err != nil {
			return err
		}
		if err := writeUvarint(f, uint64(len(meta.DRSs))); err != nil {
			return err
		}
		for _, d := range meta.DRSs {
			if err := writeUvarint(f, d.ID); err != nil {
				return err
			}
			if err := writeUvarint(f, uint64(d.NumRedo)); err != nil {
				return err
			}
		}
		return nil
	}(); err != nil {
		f.Close()
		return errors.Wrap(base.ErrIOError, err.Error())
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(base.ErrIOError, err.Error())
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(base.ErrIOError, err.Error())
	}
	if err := fs.Rename(tmpPath, fs.PathJoin(dir, metaFileName)); err != nil {
		return errors.Wrap(base.ErrIOError, err.Error())
	}
	return nil
}

// readMetadata loads the tablet's manifest, returning ok=false if the
// directory has never been written to (a brand-new tablet).
func readMetadata(fs vfs.FS, dir string) (tabletMetadata, bool, error) {
	f, err := fs.Open(fs.PathJoin(dir, metaFileName))
	if err != nil {
		return tabletMetadata{}, false, nil
	}
	defer f.Close()
	br := &streamReader{r: f}
	var meta tabletMetadata
	meta.DurableTs = base.Timestamp(br.uvarint())
	meta.NextDRSID = br.uvarint()
	n := br.uvarint()
	meta.DRSs = make([]drsMeta, 0, n)
	for i := uint64(0); i < n; i++ {
		id := br.uvarint()
		numRedo := int(br.uvarint())
		meta.DRSs = append(meta.DRSs, drsMeta{ID: id, NumRedo: numRedo})
	}
	if br.err != nil {
		return tabletMetadata{}, false, errors.Wrap(base.ErrCorruption, "tablet: reading metadata: "+br.err.Error())
	}
	return meta, true, nil
}

type streamReader struct {
	r   io.Reader
	err error
}

func (r *streamReader) uvarint() uint64 {
	if r.err != nil {
		return 0
	}
	var v uint64
	var shift uint
	var b [1]byte
	for {
		if _, err := io.ReadFull(r.r, b[:]); err != nil {
			r.err = err
			return 0
		}
		v |= uint64(b[0]&0x7f) << shift
		if b[0]&0x80 == 0 {
			return v
		}
		shift += 7
	}
}

func drsBasePath(fs vfs.FS, dir string, id uint64) string {
	return fs.PathJoin(dir, "drs", fmt.Sprintf("%d.base", id))
}

func drsRedoPath(fs vfs.FS, dir string, id uint64, idx int) string {
	return fs.PathJoin(dir, "drs", fmt.Sprintf("%d.redo.%d", id, idx))
}

// writeDRS persists d's base/undo state and every current redo file.
func writeDRS(fs vfs.FS, dir string, d *diskrowset.DiskRowSet) error {
	if err := fs.MkdirAll(fs.PathJoin(dir, "drs")); err != nil {
		return errors.Wrap(base.ErrIOError, err.Error())
	}
	bf, err := fs.Create(drsBasePath(fs, dir, d.ID))
	if err != nil {
		return errors.Wrap(base.ErrIOError, err.Error())
	}
	if err := d.WriteTo(bf); err != nil {
		bf.Close()
		return err
	}
	if err := bf.Sync(); err != nil {
		bf.Close()
		return errors.Wrap(base.ErrIOError, err.Error())
	}
	if err := bf.Close(); err != nil {
		return errors.Wrap(base.ErrIOError, err.Error())
	}
	for i, entries := range d.RedoFiles {
		rf, err := fs.Create(drsRedoPath(fs, dir, d.ID, i))
		if err != nil {
			return errors.Wrap(base.ErrIOError, err.Error())
		}
		if err := diskrowset.WriteDeltaFile(rf, entries); err != nil {
			rf.Close()
			return err
		}
		if err := rf.Sync(); err != nil {
			rf.Close()
			return errors.Wrap(base.ErrIOError, err.Error())
		}
		if err := rf.Close(); err != nil {
			return errors.Wrap(base.ErrIOError, err.Error())
		}
	}
	return nil
}

// removeDRS deletes every file belonging to a superseded DiskRowSet.
// Missing files are tolerated: a crash could have left the previous
// persist attempt partly done.
func removeDRS(fs vfs.FS, dir string, id uint64, numRedo int) {
	_ = fs.Remove(drsBasePath(fs, dir, id))
	for i := 0; i < numRedo; i++ {
		_ = fs.Remove(drsRedoPath(fs, dir, id, i))
	}
}

// loadDRS reads back a DiskRowSet written by writeDRS. The base file's raw
// bytes are served from cache when a prior Open/Restart already read them
// under this same DRS ID — persist evicts the entry the moment a DRS with
// that ID is rewritten or removed, so a cache hit here is always the bytes
// currently on disk.
func loadDRS(fs vfs.FS, dir string, schema *base.Schema, bitsPerKey uint32, m drsMeta, cache *blockcache.Cache) (*diskrowset.DiskRowSet, error) {
	key := blockcache.Key{DRSID: m.ID, Offset: 0}
	data := cache.Get(key)
	if data == nil {
		bf, err := fs.Open(drsBasePath(fs, dir, m.ID))
		if err != nil {
			return nil, errors.Wrap(base.ErrIOError, err.Error())
		}
		raw, err := io.ReadAll(bf)
		bf.Close()
		if err != nil {
			return nil, errors.Wrap(base.ErrIOError, err.Error())
		}
		data = cache.Insert(key, raw)
	}
	d, err := diskrowset.ReadDiskRowSet(bytes.NewReader(data), schema, bitsPerKey)
	if err != nil {
		return nil, err
	}
	for i := 0; i < m.NumRedo; i++ {
		rf, err := fs.Open(drsRedoPath(fs, dir, m.ID, i))
		if err != nil {
			return nil, errors.Wrap(base.ErrIOError, err.Error())
		}
		entries, err := diskrowset.ReadDeltaFile(rf)
		rf.Close()
		if err != nil {
			return nil, err
		}
		d.RedoFiles = append(d.RedoFiles, entries)
	}
	return d, nil
}
