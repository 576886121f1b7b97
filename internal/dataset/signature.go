package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"
)

// SourceFile is one discovered year file.
type SourceFile struct {
	Path    string    `json:"-"`
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"-"`
	Year    int       `json:"year,omitempty"`
}

var yearPattern = regexp.MustCompile(`(?:^|\D)((?:19|20)\d{2})(?:\D|$)`)

// yearFromName extracts the first four-digit year of a file name such as "75_2021.csv".
func yearFromName(name string) int {
	m := yearPattern.FindStringSubmatch(strings.TrimSuffix(name, filepath.Ext(name)))
	if m == nil {
		return 0
	}
	y, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return y
}

// Discover lists the regular files of dir matching pattern, sorted by name.
func Discover(dir, pattern string) ([]SourceFile, error) {
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: directory %s does not exist", ErrDataSourceMissing, dir)
		}
		return nil, fmt.Errorf("stat data dir %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrDataSourceMissing, dir)
	}

	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
	}

	files := make([]SourceFile, 0, len(matches))
	for _, match := range matches {
		fi, err := os.Stat(match)
		if err != nil || !fi.Mode().IsRegular() {
			continue
		}
		files = append(files, SourceFile{
			Path:    match,
			Name:    fi.Name(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
			Year:    yearFromName(fi.Name()),
		})
	}
	slices.SortFunc(files, func(a, b SourceFile) int {
		return strings.Compare(a.Name, b.Name)
	})
	return files, nil
}

type signatureFile struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	MtimeNS int64  `json:"mtime_ns"`
}

type signaturePayload struct {
	Pattern   string          `json:"pattern"`
	Files     []signatureFile `json:"files"`
	Count     int             `json:"count"`
	TotalSize int64           `json:"total_size"`
}

// Signature fingerprints a file set by name, size and modification time.
// The files must already be sorted, as Discover returns them.
func Signature(pattern string, files []SourceFile) string {
	payload := signaturePayload{
		Pattern: pattern,
		Files:   make([]signatureFile, 0, len(files)),
		Count:   len(files),
	}
	for _, f := range files {
		payload.Files = append(payload.Files, signatureFile{
			Name:    f.Name,
			Size:    f.Size,
			MtimeNS: f.ModTime.UnixNano(),
		})
		payload.TotalSize += f.Size
	}
	// struct field order is fixed, so the encoding is canonical
	raw, _ := json.Marshal(payload)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Coverage reports which expected years have a source file.
type Coverage struct {
	Expected []int `json:"expected"`
	Found    []int `json:"found"`
	Missing  []int `json:"missing"`
}

func (c Coverage) Complete() bool {
	return len(c.Missing) == 0
}

func coverageOf(files []SourceFile, expected []int) Coverage {
	c := Coverage{Expected: slices.Clone(expected), Found: []int{}, Missing: []int{}}
	for _, y := range expected {
		found := slices.ContainsFunc(files, func(f SourceFile) bool { return f.Year == y })
		if found {
			c.Found = append(c.Found, y)
		} else {
			c.Missing = append(c.Missing, y)
		}
	}
	return c
}
