package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apache/arrow/go/v15/arrow"
	"github.com/apache/arrow/go/v15/arrow/array"
	"github.com/apache/arrow/go/v15/arrow/ipc"
	"github.com/apache/arrow/go/v15/arrow/memory"
)

const (
	manifestName       = "df_raw.meta.json"
	dataName           = "df_raw.arrow"
	cacheFormatVersion = 1
	signatureKey       = "dvf.signature"
	recordBatchRows    = 65536
)

// errCacheMiss is returned when no entry exists for the requested signature.
var errCacheMiss = errors.New("cache miss")

// Manifest pairs the source signature with the columnar data file.
type Manifest struct {
	Version      int       `json:"version"`
	CreatedAt    time.Time `json:"created_at"`
	Signature    string    `json:"signature"`
	DataFile     string    `json:"data_file"`
	RowCount     int       `json:"row_count"`
	Columns      []string  `json:"columns"`
	SkippedRows  int       `json:"skipped_rows"`
	FilteredRows int       `json:"filtered_rows"`
}

// Cache stores one raw table as an Arrow IPC file plus a JSON manifest.
// Entries are replaced whole through rename, never edited in place.
type Cache struct {
	dir string
	mem memory.Allocator
}

func NewCache(dir string) *Cache {
	return &Cache{dir: dir, mem: memory.NewGoAllocator()}
}

func (c *Cache) Dir() string {
	return c.dir
}

func (c *Cache) manifestPath() string { return filepath.Join(c.dir, manifestName) }
func (c *Cache) dataPath() string     { return filepath.Join(c.dir, dataName) }

// Read returns the cached table when its signature matches.
// errCacheMiss means there is no usable entry; any other error means a corrupt one.
func (c *Cache) Read(signature string) (*RawTable, *Manifest, error) {
	data, err := os.ReadFile(c.manifestPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, errCacheMiss
		}
		return nil, nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != cacheFormatVersion || m.Signature != signature {
		return nil, &m, errCacheMiss
	}

	table, err := c.readTable(signature)
	if err != nil {
		return nil, &m, err
	}
	if table.Len() != m.RowCount {
		return nil, &m, fmt.Errorf("cache holds %d rows, manifest says %d", table.Len(), m.RowCount)
	}
	return table, &m, nil
}

func (c *Cache) readTable(signature string) (*RawTable, error) {
	f, err := os.Open(c.dataPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errCacheMiss
		}
		return nil, fmt.Errorf("open cache data: %w", err)
	}
	defer f.Close()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(c.mem))
	if err != nil {
		return nil, fmt.Errorf("open arrow file: %w", err)
	}
	defer r.Close()

	schema := r.Schema()
	md := schema.Metadata()
	// a concurrent writer may have replaced the data file after we read the manifest
	if idx := md.FindKey(signatureKey); idx < 0 || md.Values()[idx] != signature {
		return nil, errCacheMiss
	}

	table := NewRawTable()
	for _, field := range schema.Fields() {
		table.Columns = append(table.Columns, field.Name)
	}

	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, fmt.Errorf("read record batch %d: %w", i, err)
		}
		cols := make([]*array.String, rec.NumCols())
		for j := range cols {
			col, ok := rec.Column(j).(*array.String)
			if !ok {
				return nil, fmt.Errorf("column %s has type %s", table.Columns[j], rec.Column(j).DataType())
			}
			cols[j] = col
		}
		for row := 0; row < int(rec.NumRows()); row++ {
			rr := make(RawRecord)
			for j, col := range cols {
				if col.IsNull(row) {
					continue
				}
				rr[table.Columns[j]] = strings.Clone(col.Value(row))
			}
			table.Rows = append(table.Rows, rr)
		}
	}
	return table, nil
}

// Write replaces the cache entry. The data file goes first so a reader never
// sees a manifest pointing at older data with a matching signature.
func (c *Cache) Write(signature string, table *RawTable, skipped, filtered int) error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	if err := writeAtomic(c.dataPath(), func(w io.WriteSeeker) error {
		return c.encodeTable(w, signature, table)
	}); err != nil {
		return fmt.Errorf("write cache data: %w", err)
	}

	m := Manifest{
		Version:      cacheFormatVersion,
		CreatedAt:    time.Now().UTC(),
		Signature:    signature,
		DataFile:     dataName,
		RowCount:     table.Len(),
		Columns:      table.Columns,
		SkippedRows:  skipped,
		FilteredRows: filtered,
	}
	if err := writeAtomic(c.manifestPath(), func(w io.WriteSeeker) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}); err != nil {
		return fmt.Errorf("write cache manifest: %w", err)
	}
	return nil
}

// encodeTable writes the Arrow IPC file format, whose footer needs a seekable writer.
func (c *Cache) encodeTable(w io.WriteSeeker, signature string, table *RawTable) error {
	fields := make([]arrow.Field, len(table.Columns))
	for i, name := range table.Columns {
		fields[i] = arrow.Field{Name: name, Type: arrow.BinaryTypes.String, Nullable: true}
	}
	md := arrow.NewMetadata([]string{signatureKey}, []string{signature})
	schema := arrow.NewSchema(fields, &md)

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(c.mem))
	if err != nil {
		return fmt.Errorf("create arrow writer: %w", err)
	}

	b := array.NewRecordBuilder(c.mem, schema)
	defer b.Release()
	builders := make([]*array.StringBuilder, len(fields))
	for i := range fields {
		builders[i] = b.Field(i).(*array.StringBuilder)
	}

	flush := func() error {
		rec := b.NewRecord()
		defer rec.Release()
		return fw.Write(rec)
	}

	pending := 0
	for _, row := range table.Rows {
		for i, name := range table.Columns {
			if v, ok := row[name]; ok {
				builders[i].Append(v)
			} else {
				builders[i].AppendNull()
			}
		}
		pending++
		if pending == recordBatchRows {
			if err := flush(); err != nil {
				fw.Close()
				return err
			}
			pending = 0
		}
	}
	if pending > 0 {
		if err := flush(); err != nil {
			fw.Close()
			return err
		}
	}
	return fw.Close()
}

// writeAtomic writes through a temp file in the destination directory and renames it over dest.
func writeAtomic(dest string, fill func(io.WriteSeeker) error) error {
	dir := filepath.Dir(dest)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if err := fill(tmp); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}
