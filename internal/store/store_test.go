package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"geotrack-svr/internal/codec"
)

var (
	srcA = codec.MustParseSourceID("0aaec05a-0e7d-4fd5-abc0-0ba69e3cfe11")
	srcB = codec.MustParseSourceID("7c8b1f4e-2d3a-4b5c-9e6f-1a2b3c4d5e6f")
)

func at(unix int64) time.Time { return time.Unix(unix, 0).UTC() }

func positioned(id codec.SourceID, unix int64, lon, lat float64) codec.Status {
	return codec.Status{SourceID: id, Timestamp: at(unix), Position: &codec.Position{Lon: lon, Lat: lat}}
}

type engineFactory func(t *testing.T, dupes DupeStrategy) Engine

func backends() map[string]engineFactory {
	return map[string]engineFactory{
		"memory": func(t *testing.T, dupes DupeStrategy) Engine {
			return NewMemory(dupes)
		},
		"redis": func(t *testing.T, dupes DupeStrategy) Engine {
			mr := miniredis.RunT(t)
			e, err := OpenRedis(context.Background(), RedisOptions{Addr: mr.Addr()}, dupes)
			if err != nil {
				t.Fatalf("OpenRedis: %v", err)
			}
			t.Cleanup(func() { _ = e.Close() })
			return e
		},
		"disk": func(t *testing.T, dupes DupeStrategy) Engine {
			e, err := OpenDisk(t.TempDir(), dupes)
			if err != nil {
				t.Fatalf("OpenDisk: %v", err)
			}
			t.Cleanup(func() { _ = e.Close() })
			return e
		},
	}
}

func mustPersist(t *testing.T, e Engine, statuses ...codec.Status) {
	t.Helper()
	for _, s := range statuses {
		if err := e.PersistStatus(context.Background(), s); err != nil {
			t.Fatalf("PersistStatus(%s): %v", s, err)
		}
	}
}

func mustGet(t *testing.T, e Engine, id codec.SourceID, r TimeRange) []codec.Status {
	t.Helper()
	got, err := e.GetStatuses(context.Background(), id, r)
	if err != nil {
		t.Fatalf("GetStatuses(%s, %s): %v", id, r, err)
	}
	return got
}

func unixes(statuses []codec.Status) []int64 {
	out := make([]int64, len(statuses))
	for i, s := range statuses {
		out[i] = s.Timestamp.Unix()
	}
	return out
}

func equalInts(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestEngineDuplicates(t *testing.T) {
	first := codec.Status{SourceID: srcA, Timestamp: at(100), Position: &codec.Position{Lon: 1, Lat: 2}, Speed: codec.Float(3)}
	second := codec.Status{SourceID: srcA, Timestamp: at(100), Bearing: codec.Float(0.5), Speed: codec.Float(7)}

	cases := []struct {
		dupes DupeStrategy
		want  codec.Status
	}{
		{DupeDrop, first},
		{DupeOverwrite, second},
		{DupeMerge, codec.Status{
			SourceID:  srcA,
			Timestamp: at(100),
			Position:  &codec.Position{Lon: 1, Lat: 2},
			Bearing:   codec.Float(0.5),
			Speed:     codec.Float(7),
		}},
	}

	for name, open := range backends() {
		for _, tc := range cases {
			t.Run(name+"/"+tc.dupes.String(), func(t *testing.T) {
				e := open(t, tc.dupes)
				mustPersist(t, e, first, second)

				got := mustGet(t, e, srcA, All())
				if len(got) != 1 {
					t.Fatalf("got %d records, want 1", len(got))
				}
				if !got[0].Equal(tc.want) {
					t.Errorf("got %+v, want %+v", got[0], tc.want)
				}
			})
		}
	}
}

func TestEngineRanges(t *testing.T) {
	cases := []struct {
		name string
		r    TimeRange
		want []int64
	}{
		{"half open", Between(at(15), at(30)), []int64{20}},
		{"closed", Closed(at(10), at(30)), []int64{10, 20, 30}},
		{"half open on edges", Between(at(10), at(30)), []int64{10, 20}},
		{"all", All(), []int64{10, 20, 30}},
		{"exclusive start", TimeRange{Start: Exclusive(at(10))}, []int64{20, 30}},
		{"open start", TimeRange{End: Inclusive(at(20))}, []int64{10, 20}},
		{"empty", Between(at(21), at(29)), []int64{}},
	}

	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			e := open(t, DupeMerge)
			// out of order on purpose
			mustPersist(t, e,
				positioned(srcA, 30, 3, 3),
				positioned(srcA, 10, 1, 1),
				positioned(srcA, 20, 2, 2),
				positioned(srcB, 20, 9, 9),
			)
			for _, tc := range cases {
				got := unixes(mustGet(t, e, srcA, tc.r))
				if !equalInts(got, tc.want) {
					t.Errorf("%s %s: got %v, want %v", tc.name, tc.r, got, tc.want)
				}
			}

			unknown := mustGet(t, e, codec.NewSourceID(), All())
			if unknown == nil || len(unknown) != 0 {
				t.Errorf("unknown source: got %#v, want empty non-nil slice", unknown)
			}
		})
	}
}

func TestEngineSourcesAreIsolated(t *testing.T) {
	for name, open := range backends() {
		t.Run(name, func(t *testing.T) {
			e := open(t, DupeOverwrite)
			mustPersist(t, e, positioned(srcA, 50, 1, 1), positioned(srcB, 50, 2, 2))

			a := mustGet(t, e, srcA, All())
			b := mustGet(t, e, srcB, All())
			if len(a) != 1 || len(b) != 1 {
				t.Fatalf("got %d and %d records, want 1 each", len(a), len(b))
			}
			if a[0].Position.Lon != 1 || b[0].Position.Lon != 2 {
				t.Errorf("records mixed between sources: %+v %+v", a[0], b[0])
			}
		})
	}
}

func TestDiskReopen(t *testing.T) {
	dir := t.TempDir()
	d, err := OpenDisk(dir, DupeMerge)
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	mustPersist(t, d,
		positioned(srcA, 10, 1, 1),
		codec.Status{SourceID: srcA, Timestamp: at(10), Speed: codec.Float(4)},
		positioned(srcA, 20, 2, 2),
	)
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d, err = OpenDisk(dir, DupeMerge)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close()

	got := mustGet(t, d, srcA, All())
	if !equalInts(unixes(got), []int64{10, 20}) {
		t.Fatalf("after reopen got %v", unixes(got))
	}
	if got[0].Position == nil || got[0].Speed == nil || *got[0].Speed != 4 {
		t.Errorf("merged record not restored: %+v", got[0])
	}
}

func TestDiskTornTail(t *testing.T) {
	dir := t.TempDir()
	d, err := OpenDisk(dir, DupeOverwrite)
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	mustPersist(t, d, positioned(srcA, 10, 1, 1), positioned(srcA, 20, 2, 2))
	good := d.Size()
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	path := filepath.Join(dir, diskLogName)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatal(err)
	}
	// half a record header
	if _, err := f.Write([]byte{0, 0, 0, 40}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	d, err = OpenDisk(dir, DupeOverwrite)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close()

	if d.Size() != good {
		t.Errorf("size after recovery = %d, want %d", d.Size(), good)
	}
	mustPersist(t, d, positioned(srcA, 30, 3, 3))
	if got := unixes(mustGet(t, d, srcA, All())); !equalInts(got, []int64{10, 20, 30}) {
		t.Errorf("got %v after append past torn tail", got)
	}
}

// writeDiskLog persists statuses at the given unix times and returns the
// log path and its size.
func writeDiskLog(t *testing.T, dir string, unixes ...int64) (string, int64) {
	t.Helper()
	d, err := OpenDisk(dir, DupeOverwrite)
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	for _, u := range unixes {
		mustPersist(t, d, positioned(srcA, u, 1, 1))
	}
	size := d.Size()
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return filepath.Join(dir, diskLogName), size
}

func patchFile(t *testing.T, path string, off int64, b []byte) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteAt(b, off); err != nil {
		t.Fatal(err)
	}
}

func TestDiskCorruptRecordIsSkipped(t *testing.T) {
	dir := t.TempDir()
	path, size := writeDiskLog(t, dir, 10, 20, 30)

	// flip a payload byte of the first record
	off := int64(diskHeaderSize + recordHeaderSize + 3)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	patchFile(t, path, off, []byte{raw[off] ^ 0xff})

	d, err := OpenDisk(dir, DupeOverwrite)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d.Close()

	if got := unixes(mustGet(t, d, srcA, All())); !equalInts(got, []int64{20, 30}) {
		t.Errorf("after reopen got %v, want [20 30]", got)
	}
	if d.Skipped() != 1 {
		t.Errorf("Skipped = %d, want 1", d.Skipped())
	}
	if d.Size() != size {
		t.Errorf("size = %d, want %d", d.Size(), size)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != size {
		t.Errorf("log file changed on reopen: %d bytes, want %d", info.Size(), size)
	}
}

func TestDiskBadRecordLength(t *testing.T) {
	dir := t.TempDir()
	path, size := writeDiskLog(t, dir, 10, 20)

	patchFile(t, path, diskHeaderSize, []byte{0xff, 0xff, 0xff, 0xff})

	_, err := OpenDisk(dir, DupeOverwrite)
	if !errors.Is(err, ErrCorruptLog) {
		t.Fatalf("OpenDisk = %v, want ErrCorruptLog", err)
	}
	var se *StorageError
	if !errors.As(err, &se) {
		t.Errorf("error %v is not a StorageError", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != size {
		t.Errorf("log file changed on failed open: %d bytes, want %d", info.Size(), size)
	}
}

func TestDiskDropWritesNothing(t *testing.T) {
	d, err := OpenDisk(t.TempDir(), DupeDrop)
	if err != nil {
		t.Fatalf("OpenDisk: %v", err)
	}
	defer d.Close()

	mustPersist(t, d, positioned(srcA, 10, 1, 1))
	size := d.Size()
	mustPersist(t, d, positioned(srcA, 10, 5, 5))
	if d.Size() != size {
		t.Errorf("dropped duplicate grew the log from %d to %d", size, d.Size())
	}
}

func TestDiskBadHeader(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, diskLogName), []byte("definitely not a log"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := OpenDisk(dir, DupeMerge)
	if !errors.Is(err, ErrBadLogHeader) {
		t.Fatalf("OpenDisk = %v, want ErrBadLogHeader", err)
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Op != "open" {
		t.Errorf("error %v is not a StorageError for open", err)
	}
}

func TestOpenRedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := OpenRedis(context.Background(), RedisOptions{Addr: addr}, DupeMerge)
	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("OpenRedis = %v, want StorageError", err)
	}
}

func TestParseDupeStrategy(t *testing.T) {
	for in, want := range map[string]DupeStrategy{
		"merge":     DupeMerge,
		"Drop":      DupeDrop,
		" overwrite": DupeOverwrite,
	} {
		got, err := ParseDupeStrategy(in)
		if err != nil || got != want {
			t.Errorf("ParseDupeStrategy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDupeStrategy("keep"); !errors.Is(err, ErrUnknownDupeStrategy) {
		t.Errorf("ParseDupeStrategy(keep) err = %v", err)
	}
}

func TestParseBackend(t *testing.T) {
	cases := []struct {
		in   string
		want Backend
	}{
		{"memory", Backend{Kind: BackendMemory}},
		{"redis", Backend{Kind: BackendRedis, Target: DefaultRedisAddr}},
		{"redis:10.0.0.5:6380", Backend{Kind: BackendRedis, Target: "10.0.0.5:6380"}},
		{"disk", Backend{Kind: BackendDisk, Target: DefaultDiskPath}},
		{"disk:/var/lib/geotrack", Backend{Kind: BackendDisk, Target: "/var/lib/geotrack"}},
	}
	for _, tc := range cases {
		got, err := ParseBackend(tc.in)
		if err != nil {
			t.Errorf("ParseBackend(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseBackend(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
	for _, bad := range []string{"", "postgres", "memory:x"} {
		if _, err := ParseBackend(bad); !errors.Is(err, ErrUnknownStorageType) {
			t.Errorf("ParseBackend(%q) err = %v", bad, err)
		}
	}
}

func TestResolve(t *testing.T) {
	in := positioned(srcA, 1, 1, 1)
	for _, d := range []DupeStrategy{DupeMerge, DupeDrop, DupeOverwrite} {
		got, changed := d.Resolve(nil, in)
		if !changed || !got.Equal(in) {
			t.Errorf("%s: first insert = %+v, %v", d, got, changed)
		}
	}
}
