// Package artifact confines all file access of a job to its own directory.
package artifact

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrOutsideRoot is returned for paths that escape the store root.
var ErrOutsideRoot = errors.New("path escapes artifact root")

// Store is a directory holding the artifacts of one job.
type Store struct {
	root string
}

// New returns a Store rooted at root. The directory is created lazily.
func New(root string) *Store {
	return &Store{root: filepath.Clean(root)}
}

// Root returns the store directory.
func (s *Store) Root() string {
	return s.root
}

// Path resolves parts under the root and rejects traversal outside it.
func (s *Store) Path(parts ...string) (string, error) {
	p := filepath.Join(append([]string{s.root}, parts...)...)
	rel, err := filepath.Rel(s.root, p)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, filepath.Join(parts...))
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrOutsideRoot, filepath.Join(parts...))
	}
	return p, nil
}

// Exists reports whether the artifact exists. Invalid paths do not exist.
func (s *Store) Exists(parts ...string) bool {
	p, err := s.Path(parts...)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// IsDir reports whether the artifact exists and is a directory.
func (s *Store) IsDir(parts ...string) bool {
	p, err := s.Path(parts...)
	if err != nil {
		return false
	}
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

// Create makes the directory and its parents. It is idempotent.
func (s *Store) Create(parts ...string) error {
	p, err := s.Path(parts...)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p, 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	return nil
}

// Remove deletes the artifact, recursively for directories, and reports
// whether anything was removed. With no parts it removes the root.
func (s *Store) Remove(parts ...string) (bool, error) {
	p, err := s.Path(parts...)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", p, err)
	}
	if err := os.RemoveAll(p); err != nil {
		return false, fmt.Errorf("remove %s: %w", p, err)
	}
	return true, nil
}

// ReadLines returns the lines of name from line index from onward and
// the cursor to pass on the next call. A missing file yields no lines
// and the cursor unchanged.
func (s *Store) ReadLines(name string, from int) ([]string, int, error) {
	return s.readLines(name, from, false)
}

// FollowLines is ReadLines for a file that is still being written: a
// last line without its newline is left for a later call.
func (s *Store) FollowLines(name string, from int) ([]string, int, error) {
	return s.readLines(name, from, true)
}

func (s *Store) readLines(name string, from int, terminated bool) ([]string, int, error) {
	if from < 0 {
		from = 0
	}
	p, err := s.Path(name)
	if err != nil {
		return nil, from, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, from, nil
		}
		return nil, from, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	var lines []string
	i := 0
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if terminated && err == io.EOF {
			break
		}
		if line != "" {
			if i >= from {
				lines = append(lines, strings.TrimRight(line, "\r\n"))
			}
			i++
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, from, fmt.Errorf("read %s: %w", name, err)
		}
	}
	if i < from {
		// File was truncated since the cursor was taken.
		return nil, i, nil
	}
	return lines, i, nil
}

// Contains reports whether name contains marker. A missing file does not.
func (s *Store) Contains(name string, marker []byte) (bool, error) {
	data, err := s.ReadFile(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return bytes.Contains(data, marker), nil
}

// ReadFile returns the content of the artifact.
func (s *Store) ReadFile(parts ...string) ([]byte, error) {
	p, err := s.Path(parts...)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// ReadJSON decodes name into v and reports whether the file existed.
func (s *Store) ReadJSON(name string, v any) (bool, error) {
	data, err := s.ReadFile(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

// WriteJSON atomically replaces name with the JSON encoding of v.
func (s *Store) WriteJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	return s.WriteFile(name, append(data, '\n'))
}

// WriteFile atomically replaces the artifact with data.
func (s *Store) WriteFile(name string, data []byte) error {
	p, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// WriteExclusive creates name with data only if it does not exist yet.
// It returns false without error when the file is already present.
func (s *Store) WriteExclusive(name string, data []byte) (bool, error) {
	p, err := s.Path(name)
	if err != nil {
		return false, err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return false, fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return true, fmt.Errorf("write %s: %w", name, err)
	}
	return true, f.Close()
}

// AppendLine appends line and a newline to name.
func (s *Store) AppendLine(name, line string) error {
	p, err := s.Path(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()
	if _, err := f.WriteString(strings.TrimRight(line, "\n") + "\n"); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return nil
}

// Move renames from to to inside the store, replacing to.
func (s *Store) Move(from, to string) error {
	src, err := s.Path(from)
	if err != nil {
		return err
	}
	dst, err := s.Path(to)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("clear %s: %w", to, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("move %s: %w", from, err)
	}
	return nil
}

// CopyTo copies the file or directory name into dst under dstName.
func (s *Store) CopyTo(dst *Store, name, dstName string) error {
	src, err := s.Path(name)
	if err != nil {
		return err
	}
	target, err := dst.Path(dstName)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	if !info.IsDir() {
		return copyFile(src, target)
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		out := filepath.Join(target, rel)
		if d.IsDir() {
			return os.MkdirAll(out, 0o755)
		}
		return copyFile(path, out)
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp := dst + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Find returns the slash separated paths, relative to the root, of the
// files under dir whose name ends with suffix. The result is sorted.
func (s *Store) Find(dir, suffix string) ([]string, error) {
	base, err := s.Path(dir)
	if err != nil {
		return nil, err
	}
	var found []string
	err = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), suffix) {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		found = append(found, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", dir, err)
	}
	sort.Strings(found)
	return found, nil
}

// List returns the names of the entries directly under dir.
func (s *Store) List(dir string) ([]string, error) {
	p, err := s.Path(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
