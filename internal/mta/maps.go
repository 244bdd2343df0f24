package mta

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// readLines returns the non-empty lines of a map file. A missing file is empty.
func readLines(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

// writeLinesAtomic replaces path with lines via a temp file and rename so
// readers never see a partial map.
func writeLinesAtomic(path string, lines []string, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// lookupKey returns the first whitespace-separated field of a map line.
func lookupKey(line string) string {
	if i := strings.IndexAny(line, " \t"); i >= 0 {
		return line[:i]
	}
	return line
}

// addMapEntry appends "key\tvalue" unless key is already present. It reports
// whether the file changed.
func addMapEntry(path, key, value string) (bool, error) {
	lines, err := readLines(path)
	if err != nil {
		return false, err
	}
	for _, l := range lines {
		if strings.EqualFold(lookupKey(l), key) {
			return false, nil
		}
	}
	lines = append(lines, key+"\t"+value)
	return true, writeLinesAtomic(path, lines, 0o644)
}

// removeMapEntries drops every line matched by drop. It reports whether the
// file changed.
func removeMapEntries(path string, perm os.FileMode, drop func(line string) bool) (bool, error) {
	lines, err := readLines(path)
	if err != nil {
		return false, err
	}
	kept := lines[:0:0]
	for _, l := range lines {
		if !drop(l) {
			kept = append(kept, l)
		}
	}
	if len(kept) == len(lines) {
		return false, nil
	}
	return true, writeLinesAtomic(path, kept, perm)
}
