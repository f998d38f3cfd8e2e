// Package blob stores job artifacts and result archives on the local
// filesystem. Every write goes to a temp file in the destination directory
// and is moved into place with an atomic rename, so readers never observe
// partial files. Re-upload simply overwrites.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store writes artifacts under jobsDir/{job_id}/ and result archives as
// resultsDir/{job_id}.zip.
type Store struct {
	jobsDir    string
	resultsDir string
}

// NewStore creates the base directories if needed.
func NewStore(jobsDir, resultsDir string) (*Store, error) {
	for _, dir := range []string{jobsDir, resultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return &Store{jobsDir: jobsDir, resultsDir: resultsDir}, nil
}

// Artifact file names within a job directory.
func ImageFileName(imageID uuid.UUID) string { return imageID.String() + ".jpg" }
func AltoFileName(imageID uuid.UUID) string  { return imageID.String() + ".alto.xml" }
func PageFileName(imageID uuid.UUID) string  { return imageID.String() + ".page.xml" }

const MetaFileName = "meta.json"

func (s *Store) jobDir(jobID uuid.UUID) string {
	return filepath.Join(s.jobsDir, jobID.String())
}

func (s *Store) resultPath(jobID uuid.UUID) string {
	return filepath.Join(s.resultsDir, jobID.String()+".zip")
}

// WriteArtifact stores one artifact file for a job.
func (s *Store) WriteArtifact(jobID uuid.UUID, name string, data []byte) error {
	dir := s.jobDir(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create job directory: %w", err)
	}

	final := filepath.Join(dir, name)
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close artifact: %w", err)
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return fmt.Errorf("failed to move artifact into place: %w", err)
	}
	return nil
}

// ReadArtifact returns the bytes of one artifact file.
func (s *Store) ReadArtifact(jobID uuid.UUID, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.jobDir(jobID), name))
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact %s: %w", name, err)
	}
	return data, nil
}

// ArtifactExists reports whether the artifact file is present.
func (s *Store) ArtifactExists(jobID uuid.UUID, name string) bool {
	_, err := os.Stat(filepath.Join(s.jobDir(jobID), name))
	return err == nil
}

// StageResult streams an uploaded result archive to the `.validating`
// sibling of its final path and returns that path for validation.
func (s *Store) StageResult(jobID uuid.UUID, r io.Reader) (string, error) {
	tmpPath := s.resultPath(jobID) + ".validating"

	f, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("failed to create staging file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to write staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("failed to close staging file: %w", err)
	}
	return tmpPath, nil
}

// CommitResult atomically moves a staged result into its final place.
func (s *Store) CommitResult(jobID uuid.UUID) error {
	final := s.resultPath(jobID)
	if err := os.Rename(final+".validating", final); err != nil {
		return fmt.Errorf("failed to commit result: %w", err)
	}
	return nil
}

// DiscardResult removes a staged result that failed validation.
func (s *Store) DiscardResult(jobID uuid.UUID) error {
	if err := os.Remove(s.resultPath(jobID) + ".validating"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to discard staged result: %w", err)
	}
	return nil
}

// ResultExists reports whether the final result archive is present.
func (s *Store) ResultExists(jobID uuid.UUID) bool {
	_, err := os.Stat(s.resultPath(jobID))
	return err == nil
}

// OpenResult opens the result archive for streaming and returns its size.
func (s *Store) OpenResult(jobID uuid.UUID) (*os.File, int64, error) {
	f, err := os.Open(s.resultPath(jobID))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open result: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("failed to stat result: %w", err)
	}
	return f, info.Size(), nil
}
