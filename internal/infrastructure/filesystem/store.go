package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"mediaflow/internal/domain/media"
)

const maxNameAttempts = 50

// ErrInvalidUser is returned for user ids that cannot name a directory.
var ErrInvalidUser = errors.New("invalid user id")

// Store manages the per-user output tree.
type Store struct {
	Root string

	// afterEnsure runs between creating a user directory and reserving in it.
	afterEnsure func(dir string)
}

// NewStore creates filesystem adapter rooted at root.
func NewStore(root string) *Store {
	return &Store{Root: root}
}

// EnsureRoot creates the output root.
func (s *Store) EnsureRoot() error {
	return os.MkdirAll(s.Root, 0o755)
}

// UserDir returns the directory for userID without creating it.
func (s *Store) UserDir(userID string) (string, error) {
	if !media.ValidUserID(userID) {
		return "", ErrInvalidUser
	}
	dir := filepath.Join(s.Root, userID)
	if !isWithinDir(s.Root, dir) {
		return "", ErrInvalidUser
	}
	return dir, nil
}

// EnsureUserDir returns the directory for userID, creating it when missing.
func (s *Store) EnsureUserDir(userID string) (string, error) {
	dir, err := s.UserDir(userID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// ListUsers returns the user ids that have a directory under the root.
func (s *Store) ListUsers() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	users := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() && media.ValidUserID(entry.Name()) {
			users = append(users, entry.Name())
		}
	}
	sort.Strings(users)
	return users, nil
}

// ListFiles returns the regular files in userID's directory, newest first.
func (s *Store) ListFiles(userID string) ([]media.StoredFile, error) {
	dir, err := s.UserDir(userID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []media.StoredFile{}, nil
		}
		return nil, err
	}

	files := make([]media.StoredFile, 0, len(entries))
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, media.StoredFile{
			Name:       entry.Name(),
			Size:       info.Size(),
			ModifiedAt: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].ModifiedAt.After(files[j].ModifiedAt)
	})
	return files, nil
}

// ResolveFile validates name and returns its absolute location in userID's directory.
func (s *Store) ResolveFile(userID, name string) (string, error) {
	dir, err := s.UserDir(userID)
	if err != nil {
		return "", err
	}
	clean, err := media.NormalizeFileName(name)
	if err != nil {
		return "", err
	}
	full := filepath.Join(dir, clean)
	if !isWithinDir(dir, full) {
		return "", errors.New("invalid file path")
	}
	return full, nil
}

// Stat describes a file in userID's directory.
func (s *Store) Stat(userID, name string) (media.StoredFile, error) {
	full, err := s.ResolveFile(userID, name)
	if err != nil {
		return media.StoredFile{}, err
	}
	info, err := os.Stat(full)
	if err != nil {
		return media.StoredFile{}, err
	}
	if !info.Mode().IsRegular() {
		return media.StoredFile{}, errors.New("not a regular file")
	}
	return media.StoredFile{Name: info.Name(), Size: info.Size(), ModifiedAt: info.ModTime()}, nil
}

// WriteFile replaces the contents of name in userID's directory.
func (s *Store) WriteFile(userID, name string, data []byte) error {
	full, err := s.ResolveFile(userID, name)
	if err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o644)
}

// RemoveFile deletes a single file from userID's directory.
func (s *Store) RemoveFile(userID, name string) error {
	full, err := s.ResolveFile(userID, name)
	if err != nil {
		return err
	}
	return os.Remove(full)
}

// RemoveDirIfEmpty deletes userID's directory when it holds no entries.
func (s *Store) RemoveDirIfEmpty(userID string) (bool, error) {
	dir, err := s.UserDir(userID)
	if err != nil {
		return false, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(entries) > 0 {
		return false, nil
	}
	if err := os.Remove(dir); err != nil {
		return false, err
	}
	return true, nil
}

// Reserve creates an empty file named after title in userID's directory and
// returns its name and path. Taken names get a " (n)" suffix; a name the
// filesystem rejects falls back to a stable id derived from seed.
func (s *Store) Reserve(userID, title, ext, seed string) (string, string, error) {
	primary := media.FileName(title, ext, seed)
	name, full, err := s.reserveName(userID, primary)
	if err == nil {
		return name, full, nil
	}
	if errors.Is(err, os.ErrExist) || errors.Is(err, ErrInvalidUser) {
		return "", "", err
	}

	fallback := media.FileName("", ext, seed)
	if fallback == primary {
		return "", "", err
	}
	return s.reserveName(userID, fallback)
}

// reserveName recreates the user directory once if a cleanup sweep removed it
// between creation and reservation.
func (s *Store) reserveName(userID, name string) (string, string, error) {
	for attempt := 0; ; attempt++ {
		dir, err := s.EnsureUserDir(userID)
		if err != nil {
			return "", "", err
		}
		if s.afterEnsure != nil {
			s.afterEnsure(dir)
		}
		reserved, full, err := reserveIn(dir, name)
		if err != nil && attempt == 0 && errors.Is(err, os.ErrNotExist) {
			continue
		}
		return reserved, full, err
	}
}

func reserveIn(dir, name string) (string, string, error) {
	stem, ext := splitExt(name)
	for attempt := 1; attempt <= maxNameAttempts; attempt++ {
		candidate := name
		if attempt > 1 {
			candidate = fmt.Sprintf("%s (%d)%s", stem, attempt, ext)
		}
		full := filepath.Join(dir, candidate)
		if !isWithinDir(dir, full) {
			return "", "", errors.New("invalid file path")
		}
		f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			_ = f.Close()
			return candidate, full, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", "", err
		}
	}
	return "", "", fmt.Errorf("no free name for %q: %w", name, os.ErrExist)
}

func splitExt(name string) (string, string) {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}

// DirSize sums the sizes of regular files under root. A missing root is empty.
func (s *Store) DirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// FreeBytes reports the bytes available to unprivileged users on path's volume.
func (s *Store) FreeBytes(path string) (int64, error) {
	return freeBytes(path)
}

func isWithinDir(basePath, targetPath string) bool {
	baseAbs, err := filepath.Abs(basePath)
	if err != nil {
		return false
	}
	targetAbs, err := filepath.Abs(targetPath)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(baseAbs, targetAbs)
	if err != nil {
		return false
	}
	sep := string(os.PathSeparator)
	if rel == ".." || strings.HasPrefix(rel, ".."+sep) {
		return false
	}
	return true
}
