package store

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"geotrack-svr/internal/codec"
	"geotrack-svr/internal/observability"
)

// Disk is an append-only log of resolved statuses with an in-memory index
// rebuilt on open.
//
// File format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][CBOR status]
//
// Each record holds the value a key resolved to after deduplication, so
// replay simply keeps the last record per key.
type Disk struct {
	f       *os.File
	size    int64
	skipped int
	mem     *Memory
	dupes   DupeStrategy
	opts    DiskOptions
}

type DiskOptions struct {
	// SyncWrites fsyncs after every appended record.
	SyncWrites bool
	// Logger reports what replay discarded. Defaults to slog.Default().
	Logger *slog.Logger
}

func (o DiskOptions) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

const (
	diskLogName      = "statuses.log"
	diskMagic        = 0x4754524B4C4F4701 // "GTRKLOG" + 1
	diskVersion      = 1
	diskHeaderSize   = 12
	recordHeaderSize = 8
)

var (
	ErrBadLogHeader = errors.New("not a status log")
	ErrCorruptLog   = errors.New("corrupt status log")
	errTornRecord   = errors.New("torn record")
	errBadRecord    = errors.New("corrupt record")
)

func OpenDisk(dir string, dupes DupeStrategy) (*Disk, error) {
	return OpenDiskWithOptions(dir, dupes, DiskOptions{})
}

func OpenDiskWithOptions(dir string, dupes DupeStrategy, opts DiskOptions) (*Disk, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, wrapErr("open", fmt.Errorf("create data dir: %w", err))
	}
	path := filepath.Join(dir, diskLogName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, wrapErr("open", err)
	}

	d := &Disk{f: f, mem: NewMemory(dupes), dupes: dupes, opts: opts}
	if err := d.load(); err != nil {
		_ = f.Close()
		return nil, wrapErr("open", fmt.Errorf("%s: %w", path, err))
	}
	return d, nil
}

// load replays the log into memory. A record cut short by a crash in the
// middle of an append is truncated away; a complete record whose checksum or
// payload is bad is skipped and logged, and the records after it are kept.
func (d *Disk) load() error {
	info, err := d.f.Stat()
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		var hdr [diskHeaderSize]byte
		binary.BigEndian.PutUint64(hdr[0:8], diskMagic)
		binary.BigEndian.PutUint32(hdr[8:12], diskVersion)
		if _, err := d.f.Write(hdr[:]); err != nil {
			return fmt.Errorf("write header: %w", err)
		}
		d.size = diskHeaderSize
		return nil
	}

	r := bufio.NewReader(d.f)
	var hdr [diskHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrBadLogHeader, err)
	}
	if binary.BigEndian.Uint64(hdr[0:8]) != diskMagic {
		return ErrBadLogHeader
	}
	if v := binary.BigEndian.Uint32(hdr[8:12]); v != diskVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrBadLogHeader, v)
	}

	lg := d.opts.logger()
	good := int64(diskHeaderSize)
	for {
		s, n, err := readRecord(r)
		if err == io.EOF {
			break
		}
		if errors.Is(err, errTornRecord) {
			lg.Warn("disk: truncating torn tail", "offset", good, "discarded_bytes", info.Size()-good)
			if err := d.f.Truncate(good); err != nil {
				return fmt.Errorf("truncate torn tail: %w", err)
			}
			break
		}
		if errors.Is(err, errBadRecord) {
			d.skipped++
			observability.StorageErrors.Inc()
			lg.Error("disk: skipping corrupt record", "offset", good, "bytes", n, "err", err)
			good += n
			continue
		}
		if err != nil {
			return fmt.Errorf("record at offset %d: %w", good, err)
		}
		d.mem.put(s)
		good += n
	}

	if _, err := d.f.Seek(good, io.SeekStart); err != nil {
		return err
	}
	d.size = good
	return nil
}

// readRecord returns errTornRecord when the log ends inside a record and
// errBadRecord, with the record's full size, when a complete record does not
// verify. A length field that cannot be trusted is neither: the records after
// it cannot be located.
func readRecord(r io.Reader) (codec.Status, int64, error) {
	var hdr [recordHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.EOF {
			return codec.Status{}, 0, io.EOF
		}
		return codec.Status{}, 0, errTornRecord
	}
	length := binary.BigEndian.Uint32(hdr[0:4])
	sum := binary.BigEndian.Uint32(hdr[4:8])
	if length == 0 || length > codec.MaxFrameSize {
		return codec.Status{}, 0, fmt.Errorf("%w: length %d", ErrCorruptLog, length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return codec.Status{}, 0, errTornRecord
	}
	n := int64(recordHeaderSize) + int64(length)
	if crc32.ChecksumIEEE(payload) != sum {
		return codec.Status{}, n, fmt.Errorf("%w: checksum mismatch", errBadRecord)
	}
	s, err := codec.DecodeStatus(payload)
	if err != nil {
		return codec.Status{}, n, fmt.Errorf("%w: %v", errBadRecord, err)
	}
	return s, n, nil
}

// Skipped is the number of corrupt records passed over when the log was
// opened.
func (d *Disk) Skipped() int {
	return d.skipped
}

func (d *Disk) PersistStatus(_ context.Context, s codec.Status) error {
	resolved, changed := d.dupes.Resolve(d.mem.lookup(s.Key()), s)
	if !changed {
		return nil
	}
	payload, err := codec.EncodeStatus(resolved)
	if err != nil {
		return wrapErr("persist", err)
	}

	rec := make([]byte, recordHeaderSize+len(payload))
	binary.BigEndian.PutUint32(rec[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(rec[4:8], crc32.ChecksumIEEE(payload))
	copy(rec[recordHeaderSize:], payload)

	if _, err := d.f.Write(rec); err != nil {
		// drop a partial record so later appends stay readable
		_ = d.f.Truncate(d.size)
		_, _ = d.f.Seek(d.size, io.SeekStart)
		return wrapErr("persist", err)
	}
	if d.opts.SyncWrites {
		if err := d.f.Sync(); err != nil {
			return wrapErr("persist", err)
		}
	}
	d.size += int64(len(rec))
	d.mem.put(resolved)
	return nil
}

func (d *Disk) GetStatuses(ctx context.Context, id codec.SourceID, r TimeRange) ([]codec.Status, error) {
	return d.mem.GetStatuses(ctx, id, r)
}

// Size is the current log size in bytes.
func (d *Disk) Size() int64 {
	return d.size
}

func (d *Disk) Close() error {
	if err := d.f.Sync(); err != nil {
		_ = d.f.Close()
		return wrapErr("close", err)
	}
	return wrapErr("close", d.f.Close())
}
