package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/skypro1111/usrp-recorder/internal/audio"
	"github.com/skypro1111/usrp-recorder/internal/transmission"
)

// Output formats
const (
	FormatPCM = "pcm"
	FormatWAV = "wav"
)

// FileStoreConfig configures a FileStore
type FileStoreConfig struct {
	Dir        string
	Format     string // FormatPCM or FormatWAV
	SampleRate int    // used for WAV headers and sidecar audio length
	FileMode   os.FileMode
	Sidecar    bool
}

// FileStore writes each flushed transmission to its own file
type FileStore struct {
	config FileStoreConfig
	logger *slog.Logger
}

// Sidecar is the JSON metadata written next to an audio file
type Sidecar struct {
	ID              string    `json:"id"`
	Group           string    `json:"group"`
	Callsign        string    `json:"callsign"`
	Talkgroup       uint32    `json:"talkgroup"`
	StartTime       time.Time `json:"start_time"`
	EndTime         time.Time `json:"end_time"`
	DurationSeconds float64   `json:"duration_seconds"`
	AudioSeconds    float64   `json:"audio_seconds"`
	Bytes           int       `json:"bytes"`
	Format          string    `json:"format"`
	SampleRate      int       `json:"sample_rate"`
	AudioFile       string    `json:"audio_file"`
}

// NewFileStore creates a file store, creating the output directory if needed
func NewFileStore(config FileStoreConfig, logger *slog.Logger) (*FileStore, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("output directory cannot be empty")
	}

	if config.Format == "" {
		config.Format = FormatPCM
	}
	if config.Format != FormatPCM && config.Format != FormatWAV {
		return nil, fmt.Errorf("unsupported format %q", config.Format)
	}

	if config.SampleRate <= 0 {
		config.SampleRate = audio.DefaultSampleRate
	}

	if config.FileMode == 0 {
		config.FileMode = 0o600
	}

	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory %s: %w", config.Dir, err)
	}

	return &FileStore{
		config: config,
		logger: logger,
	}, nil
}

// Filename returns <group>-<unix end time>-<callsign>.<ext>
func Filename(group string, end time.Time, callsign string, ext string) string {
	return fmt.Sprintf("%s-%d-%s.%s", sanitize(group), end.UTC().Unix(), sanitize(callsign), ext)
}

// sanitize replaces runes that are unsafe in a single path element
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '/', r == '\\', r == os.PathSeparator, r == 0:
			return '_'
		case unicode.IsControl(r), unicode.IsSpace(r):
			return '_'
		case strings.ContainsRune(`:*?"<>|`, r):
			return '_'
		}
		return r
	}, s)
}

// Path returns the audio file path req would be written to
func (fs *FileStore) Path(req *transmission.FlushRequest) string {
	return filepath.Join(fs.config.Dir, Filename(req.Group, req.EndTime, req.Callsign, fs.config.Format))
}

// Store implements Sink
func (fs *FileStore) Store(ctx context.Context, req *transmission.FlushRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data := req.Audio
	if fs.config.Format == FormatWAV {
		wav, err := audio.EncodePCM16WAV(req.Audio, fs.config.SampleRate)
		if err != nil {
			return fmt.Errorf("failed to encode WAV: %w", err)
		}
		data = wav
	}

	path := fs.Path(req)
	if err := writeFileAtomic(path, data, fs.config.FileMode); err != nil {
		return err
	}

	if fs.config.Sidecar {
		if err := fs.writeSidecar(path, req); err != nil {
			return err
		}
	}

	fs.logger.Debug("Wrote transmission file",
		slog.String("path", path),
		slog.Int("bytes", len(data)))

	return nil
}

func (fs *FileStore) writeSidecar(audioPath string, req *transmission.FlushRequest) error {
	sc := Sidecar{
		ID:              req.ID,
		Group:           req.Group,
		Callsign:        req.Callsign,
		Talkgroup:       req.Talkgroup,
		StartTime:       req.StartTime.UTC(),
		EndTime:         req.EndTime.UTC(),
		DurationSeconds: req.Duration().Seconds(),
		AudioSeconds:    audio.PCMDuration(len(req.Audio), fs.config.SampleRate).Seconds(),
		Bytes:           len(req.Audio),
		Format:          fs.config.Format,
		SampleRate:      fs.config.SampleRate,
		AudioFile:       filepath.Base(audioPath),
	}

	b, err := json.MarshalIndent(sc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal sidecar: %w", err)
	}

	sidecarPath := strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + ".json"
	return writeFileAtomic(sidecarPath, b, fs.config.FileMode)
}

// writeFileAtomic writes data to a temp file in the target directory and links it into place.
// An existing file at path is never overwritten.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir, name := filepath.Split(path)

	f, err := os.CreateTemp(dir, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmpPath := f.Name()

	fail := func(op string, err error) error {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to %s %s: %w", op, tmpPath, err)
	}

	if err := f.Chmod(mode); err != nil {
		return fail("chmod", err)
	}

	if _, err := f.Write(data); err != nil {
		return fail("write", err)
	}

	if err := f.Sync(); err != nil {
		return fail("sync", err)
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file %s: %w", tmpPath, err)
	}

	// Link fails with fs.ErrExist instead of replacing an earlier recording
	err = os.Link(tmpPath, path)
	_ = os.Remove(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", path, err)
	}

	return nil
}
