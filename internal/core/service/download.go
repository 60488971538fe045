package service

import (
	"context"
	"docviewer/internal/core/domain/models"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

const (
	msgDownloaded     = "PDF downloaded with watermarks"
	msgDownloadFailed = "Failed to download PDF"
)

// SaveWatermarked downloads the server-watermarked copy of the open
// document into dir and returns the written path.
func (s *ViewerService) SaveWatermarked(ctx context.Context, dir string) (string, error) {
	documentID := s.DocumentID()
	if documentID == "" {
		return "", models.ErrNoDocument
	}
	return s.Download(ctx, documentID, dir)
}

// Download writes the watermarked copy of documentID into dir. The file
// appears under its final name only once it is complete.
func (s *ViewerService) Download(ctx context.Context, documentID, dir string) (string, error) {
	if s.deps.Downloads == nil {
		return "", fmt.Errorf("downloads are not configured")
	}
	target, err := s.download(ctx, documentID, dir)
	if err != nil {
		log.Printf("[Viewer] download of %s failed: %v", documentID, err)
		s.deps.Bus.Notify(models.LevelError, msgDownloadFailed)
		return "", err
	}
	log.Printf("[Viewer] saved watermarked copy of %s to %s", documentID, target)
	s.deps.Bus.Notify(models.LevelSuccess, msgDownloaded)
	return target, nil
}

func (s *ViewerService) download(ctx context.Context, documentID, dir string) (string, error) {
	name, body, err := s.deps.Downloads.DownloadWatermarked(ctx, documentID)
	if err != nil {
		return "", err
	}
	defer body.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", name, err)
	}

	target := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", fmt.Errorf("failed to move download into place: %w", err)
	}
	return target, nil
}
