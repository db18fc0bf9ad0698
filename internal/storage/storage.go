package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
)

// MaxProofSize is the largest accepted payment proof image
const MaxProofSize = 2048 * 1024

var (
	ErrNotFound       = errors.New("file not found")
	ErrEmptyProof     = errors.New("payment proof is empty")
	ErrProofTooLarge  = errors.New("payment proof exceeds 2048 KB")
	ErrProofType      = errors.New("payment proof must be a JPEG or PNG image")
	ErrProofCorrupted = errors.New("payment proof is not a readable image")
)

// Proof describes an accepted payment proof image
type Proof struct {
	Ext    string
	MIME   string
	Width  int
	Height int
}

// DetectProof sniffs and decodes a proof image, accepting only JPEG and PNG
func DetectProof(data []byte) (Proof, error) {
	if len(data) == 0 {
		return Proof{}, ErrEmptyProof
	}
	if len(data) > MaxProofSize {
		return Proof{}, ErrProofTooLarge
	}

	m := mimetype.Detect(data)
	var ext string
	switch {
	case m.Is("image/jpeg"):
		ext = ".jpg"
	case m.Is("image/png"):
		ext = ".png"
	default:
		return Proof{}, fmt.Errorf("%w: got %s", ErrProofType, m.String())
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return Proof{}, fmt.Errorf("%w: %v", ErrProofCorrupted, err)
	}
	return Proof{Ext: ext, MIME: m.String(), Width: img.Bounds().Dx(), Height: img.Bounds().Dy()}, nil
}

// ProofDir is the directory holding an installment's payment proofs
func ProofDir(clientID, loanID, installmentID int64) string {
	return fmt.Sprintf("clientes/%d/prestamos/%d/cuotas/%d/capturapago", clientID, loanID, installmentID)
}

// ProofKey is the storage path of a proof uploaded at the given time
func ProofKey(clientID, loanID, installmentID int64, at time.Time, ext string) string {
	return fmt.Sprintf("%s/capturapago_%d%s", ProofDir(clientID, loanID, installmentID), at.Unix(), ext)
}

// LocalStore keeps files under a root directory on local disk
type LocalStore struct {
	root    string
	baseURL string
}

// NewLocalStore creates the root directory if needed
func NewLocalStore(root, baseURL string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage dir %s: %w", root, err)
	}
	return &LocalStore{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(path.Clean("/"+key)))
}

// Save writes data to key, creating parent directories
func (s *LocalStore) Save(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p := s.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", key, err)
	}
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// Open returns a reader for key
func (s *LocalStore) Open(key string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	return f, nil
}

// Remove deletes one file. Missing files are not an error.
func (s *LocalStore) Remove(key string) error {
	err := os.Remove(s.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}
	return nil
}

// RemoveDir deletes a directory and everything under it
func (s *LocalStore) RemoveDir(dir string) error {
	if err := os.RemoveAll(s.path(dir)); err != nil {
		return fmt.Errorf("failed to remove %s: %w", dir, err)
	}
	return nil
}

// URL is the public address of key
func (s *LocalStore) URL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}
