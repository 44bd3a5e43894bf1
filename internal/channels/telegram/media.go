package telegram

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/mymmrac/telego"
)

const (
	// mediaMaxBytes caps downloads at the Bot API file limit (20MB).
	mediaMaxBytes int64 = 20 * 1024 * 1024

	// photoMaxDimension bounds downscaled photos. Vision models gain nothing
	// from larger inputs and the files land inside the group workspace.
	photoMaxDimension = 1600

	downloadMaxRetries = 3
)

// mediaFetcher downloads Telegram attachments into the media directory.
type mediaFetcher struct {
	bot    *telego.Bot
	dir    string
	client *http.Client
	logger *slog.Logger
}

func newMediaFetcher(bot *telego.Bot, dir string, logger *slog.Logger) *mediaFetcher {
	return &mediaFetcher{
		bot:    bot,
		dir:    dir,
		client: &http.Client{Timeout: 60 * time.Second},
		logger: logger,
	}
}

// fetchPhoto downloads the highest-resolution size of a photo and re-encodes
// it as a bounded JPEG, which also strips metadata from the original.
func (m *mediaFetcher) fetchPhoto(ctx context.Context, sizes []telego.PhotoSize) (string, error) {
	if len(sizes) == 0 {
		return "", fmt.Errorf("photo has no sizes")
	}
	photo := sizes[len(sizes)-1] // Telegram orders sizes ascending

	raw, err := m.download(ctx, photo.FileID, "")
	if err != nil {
		return "", err
	}
	defer os.Remove(raw)

	img, err := imaging.Open(raw, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("decode photo: %w", err)
	}
	if img.Bounds().Dx() > photoMaxDimension || img.Bounds().Dy() > photoMaxDimension {
		img = imaging.Fit(img, photoMaxDimension, photoMaxDimension, imaging.Lanczos)
	}

	out := filepath.Join(m.dir, photo.FileUniqueID+".jpg")
	if err := imaging.Save(img, out, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("save photo: %w", err)
	}
	return out, nil
}

// fetchDocument downloads a document attachment, keeping its original name
// where that is safe.
func (m *mediaFetcher) fetchDocument(ctx context.Context, doc *telego.Document) (string, error) {
	if int64(doc.FileSize) > mediaMaxBytes {
		return "", fmt.Errorf("document %q too large: %d bytes", doc.FileName, doc.FileSize)
	}
	name := sanitizeFileName(doc.FileName)
	if name == "" {
		name = doc.FileUniqueID + ".bin"
	}
	return m.download(ctx, doc.FileID, doc.FileUniqueID+"-"+name)
}

// download resolves a file_id and streams it into the media directory. An
// empty name stores the file under a temp name for further processing.
func (m *mediaFetcher) download(ctx context.Context, fileID, name string) (string, error) {
	var file *telego.File
	var err error
	for attempt := 1; attempt <= downloadMaxRetries; attempt++ {
		file, err = m.bot.GetFile(ctx, &telego.GetFileParams{FileID: fileID})
		if err == nil {
			break
		}
		if attempt < downloadMaxRetries {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	if err != nil {
		return "", fmt.Errorf("resolve file %s: %w", fileID, err)
	}
	if file.FilePath == "" {
		return "", fmt.Errorf("file %s has no download path", fileID)
	}
	if int64(file.FileSize) > mediaMaxBytes {
		return "", fmt.Errorf("file %s too large: %d bytes", fileID, file.FileSize)
	}

	url := m.bot.FileDownloadURL(file.FilePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download file: status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", err
	}

	var dst *os.File
	if name == "" {
		ext := filepath.Ext(file.FilePath)
		if ext == "" {
			ext = ".bin"
		}
		dst, err = os.CreateTemp(m.dir, "download-*"+ext)
	} else {
		dst, err = os.Create(filepath.Join(m.dir, name))
	}
	if err != nil {
		return "", err
	}
	defer dst.Close()

	written, err := io.Copy(dst, io.LimitReader(resp.Body, mediaMaxBytes+1))
	if err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("save file: %w", err)
	}
	if written > mediaMaxBytes {
		os.Remove(dst.Name())
		return "", fmt.Errorf("file %s exceeded size cap during download", fileID)
	}
	return dst.Name(), nil
}

// sanitizeFileName strips path separators and dot prefixes so a crafted
// attachment name cannot escape the media directory.
func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimLeft(name, ".")
	if name == "" || name == "/" {
		return ""
	}
	return name
}

// openUpload opens a local file for sending, rejecting directories.
func openUpload(path string) (*os.File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("open upload %q: %w", path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("open upload %q: is a directory", path)
	}
	return os.Open(path)
}
