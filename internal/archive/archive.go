// Package archive manages the on-disk asset/product archive. The filesystem
// under the archive root is the source of truth for which files exist; the
// database only mirrors it.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/appliedgeo/gips/internal/constants"
	"github.com/appliedgeo/gips/internal/domain"
)

// Archive is rooted at one directory with a per-driver layout of
// <root>/<driver>/tiles/<tile>/<date>/<file>.
type Archive struct {
	root string
}

func New(root string) *Archive {
	return &Archive{root: root}
}

func (a *Archive) Root() string {
	return a.root
}

// DriverRoot returns the directory holding one driver's tiles.
func (a *Archive) DriverRoot(driver string) string {
	return filepath.Join(a.root, driver, constants.TilesDir)
}

// StageDir returns the staging directory fetch adapters download into before
// files are installed.
func (a *Archive) StageDir(driver string) string {
	return filepath.Join(a.root, driver, constants.StageDir)
}

// TilePath returns the directory for one (driver, tile, date).
func (a *Archive) TilePath(driver, tile string, date domain.Day) string {
	return filepath.Join(a.DriverRoot(driver), tile, date.String())
}

// Install moves a staged file into its tile directory and returns the final
// path. The move is rename-based so a crash never leaves a half-written file
// inside the archive proper.
func (a *Archive) Install(driver, tile string, date domain.Day, stagedPath string) (string, error) {
	dir := a.TilePath(driver, tile, date)
	if err := EnsureDir(dir); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}

	dest := filepath.Join(dir, filepath.Base(stagedPath))
	if err := MoveFile(stagedPath, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// HashFile returns the hex sha256 digest of a file's contents.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck // read-only handle

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile reports whether a file's contents match an expected digest.
func VerifyFile(path, wantDigest string) (bool, error) {
	got, err := HashFile(path)
	if err != nil {
		return false, err
	}
	return got == wantDigest, nil
}

// Exists reports whether a path is present on disk.
func (a *Archive) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func EnsureDir(path string) error {
	return os.MkdirAll(path, constants.DirPermissions)
}

func MoveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	return fmt.Errorf("failed to move %s to %s", src, dst)
}

func WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, constants.FilePermissions)
}

func RemoveFile(path string) error {
	return os.Remove(path)
}

func DeleteFolderIfEmpty(dirPath string) error {
	entries, err := os.ReadDir(dirPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(entries) == 0 {
		return os.Remove(dirPath)
	}
	return nil
}
