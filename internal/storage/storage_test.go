package storage

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skypro1111/usrp-recorder/internal/audio"
	"github.com/skypro1111/usrp-recorder/internal/transmission"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRequest(callsign string, audioBytes []byte) *transmission.FlushRequest {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &transmission.FlushRequest{
		ID:        "tx-1",
		Group:     "grp",
		Callsign:  callsign,
		Talkgroup: 31000,
		StartTime: start,
		EndTime:   start.Add(10 * time.Second),
		Audio:     audioBytes,
	}
}

func TestFilename(t *testing.T) {
	end := time.Unix(1700000000, 0)

	tests := []struct {
		name     string
		group    string
		callsign string
		ext      string
		expected string
	}{
		{name: "plain", group: "grp", callsign: "N0CALL", ext: "pcm", expected: "grp-1700000000-N0CALL.pcm"},
		{name: "sentinel", group: "grp", callsign: "UNKNOWN", ext: "wav", expected: "grp-1700000000-UNKNOWN.wav"},
		{name: "path separators replaced", group: "grp", callsign: "../etc/x", ext: "pcm", expected: "grp-1700000000-.._etc_x.pcm"},
		{name: "interior space replaced", group: "grp", callsign: "N0 CALL", ext: "pcm", expected: "grp-1700000000-N0_CALL.pcm"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Filename(tt.group, end, tt.callsign, tt.ext); got != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestFilenameUsesUTCSeconds(t *testing.T) {
	loc := time.FixedZone("UTC+10", 10*3600)
	end := time.Date(2024, 1, 1, 10, 0, 0, 0, loc)

	got := Filename("g", end, "c", "pcm")
	expected := "g-1704067200-c.pcm"
	if got != expected {
		t.Errorf("Expected %s, got %s", expected, got)
	}
}

func TestFileStoreWritesPCM(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(FileStoreConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	req := testRequest("N0CALL", []byte{1, 2, 3, 4, 5, 6})
	if err := fs.Store(context.Background(), req); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	path := filepath.Join(dir, Filename("grp", req.EndTime, "N0CALL", "pcm"))
	if fs.Path(req) != path {
		t.Errorf("Expected path %s, got %s", path, fs.Path(req))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	if string(data) != string(req.Audio) {
		t.Errorf("Expected raw audio %v, got %v", req.Audio, data)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("Expected mode 0600, got %o", info.Mode().Perm())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected only the audio file, found %d entries", len(entries))
	}
}

func TestFileStoreDoesNotOverwriteExistingRecording(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(FileStoreConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	end := time.Unix(1700000000, 0)
	first := testRequest("UNKNOWN", []byte("first"))
	first.EndTime = end.Add(100 * time.Nanosecond)
	second := testRequest("UNKNOWN", []byte("second"))
	second.EndTime = end.Add(500 * time.Millisecond)

	if fs.Path(first) != fs.Path(second) {
		t.Fatalf("Expected both requests to map to one file, got %s and %s", fs.Path(first), fs.Path(second))
	}

	if err := fs.Store(context.Background(), first); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	err = fs.Store(context.Background(), second)
	if !errors.Is(err, os.ErrExist) {
		t.Fatalf("Expected os.ErrExist for colliding filename, got %v", err)
	}

	data, err := os.ReadFile(fs.Path(first))
	if err != nil {
		t.Fatalf("Failed to read output: %v", err)
	}
	if string(data) != "first" {
		t.Errorf("Expected first recording to survive, got %q", data)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected no temp files left behind, found %d entries", len(entries))
	}
}

func TestFileStoreWritesEmptyTransmission(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(FileStoreConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	req := testRequest("UNKNOWN", nil)
	if err := fs.Store(context.Background(), req); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	info, err := os.Stat(fs.Path(req))
	if err != nil {
		t.Fatalf("Expected empty file to exist: %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("Expected empty file, got %d bytes", info.Size())
	}
}

func TestFileStoreWAVWithSidecar(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(FileStoreConfig{
		Dir:      dir,
		Format:   FormatWAV,
		FileMode: 0o640,
		Sidecar:  true,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	pcm := make([]byte, 16000)
	req := testRequest("VK7ABC", pcm)
	if err := fs.Store(context.Background(), req); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	wavPath := fs.Path(req)
	if !strings.HasSuffix(wavPath, ".wav") {
		t.Errorf("Expected .wav path, got %s", wavPath)
	}

	data, err := os.ReadFile(wavPath)
	if err != nil {
		t.Fatalf("Failed to read WAV: %v", err)
	}
	info, err := audio.GetWAVInfo(data)
	if err != nil {
		t.Fatalf("Output is not a valid WAV: %v", err)
	}
	if info.Duration != 1.0 {
		t.Errorf("Expected 1s of audio, got %f", info.Duration)
	}

	sidecarPath := strings.TrimSuffix(wavPath, ".wav") + ".json"
	raw, err := os.ReadFile(sidecarPath)
	if err != nil {
		t.Fatalf("Failed to read sidecar: %v", err)
	}

	var sc Sidecar
	if err := json.Unmarshal(raw, &sc); err != nil {
		t.Fatalf("Invalid sidecar JSON: %v", err)
	}
	if sc.Callsign != "VK7ABC" || sc.Group != "grp" || sc.Talkgroup != 31000 {
		t.Errorf("Unexpected sidecar identity: %+v", sc)
	}
	if sc.DurationSeconds != 10 || sc.AudioSeconds != 1 || sc.Bytes != 16000 {
		t.Errorf("Unexpected sidecar sizes: %+v", sc)
	}
	if sc.AudioFile != filepath.Base(wavPath) {
		t.Errorf("Expected audio_file %s, got %s", filepath.Base(wavPath), sc.AudioFile)
	}

	st, err := os.Stat(sidecarPath)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if st.Mode().Perm() != 0o640 {
		t.Errorf("Expected sidecar mode 0640, got %o", st.Mode().Perm())
	}
}

func TestFileStoreReportsWriteFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	fs, err := NewFileStore(FileStoreConfig{Dir: dir}, testLogger())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		t.Fatalf("RemoveAll failed: %v", err)
	}

	if err := fs.Store(context.Background(), testRequest("N0CALL", []byte{1, 2})); err == nil {
		t.Error("Expected error when output directory is missing")
	}
}

func TestNewFileStoreRejectsBadFormat(t *testing.T) {
	if _, err := NewFileStore(FileStoreConfig{Dir: t.TempDir(), Format: "flac"}, testLogger()); err == nil {
		t.Error("Expected error for unsupported format")
	}
}

func TestPolicyCheck(t *testing.T) {
	tests := []struct {
		name     string
		policy   Policy
		audio    []byte
		duration time.Duration
		skipped  bool
	}{
		{name: "disabled", policy: Policy{}, duration: 0, skipped: false},
		{name: "below minimum", policy: Policy{MinDuration: 5 * time.Second}, duration: 3 * time.Second, skipped: true},
		{name: "at minimum", policy: Policy{MinDuration: 5 * time.Second}, duration: 5 * time.Second, skipped: false},
		{name: "above maximum", policy: Policy{MaxDuration: 200 * time.Second}, duration: 201 * time.Second, skipped: true},
		{name: "empty audio skipped", policy: Policy{SkipEmpty: true}, duration: time.Second, skipped: true},
		{name: "audio present", policy: Policy{SkipEmpty: true}, audio: []byte{1, 2}, duration: time.Second, skipped: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testRequest("N0CALL", tt.audio)
			req.EndTime = req.StartTime.Add(tt.duration)

			err := tt.policy.Check(req)
			if tt.skipped && !errors.Is(err, ErrSkipped) {
				t.Errorf("Expected ErrSkipped, got %v", err)
			}
			if !tt.skipped && err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestFilterDoesNotCallSinkForSkipped(t *testing.T) {
	calls := 0
	sink := SinkFunc(func(ctx context.Context, req *transmission.FlushRequest) error {
		calls++
		return nil
	})

	filtered := Filter(sink, Policy{MinDuration: time.Minute})
	if err := filtered.Store(context.Background(), testRequest("N0CALL", nil)); !errors.Is(err, ErrSkipped) {
		t.Errorf("Expected ErrSkipped, got %v", err)
	}
	if calls != 0 {
		t.Errorf("Expected sink not to be called, got %d calls", calls)
	}

	req := testRequest("N0CALL", nil)
	req.EndTime = req.StartTime.Add(2 * time.Minute)
	if err := filtered.Store(context.Background(), req); err != nil {
		t.Errorf("Expected store to pass, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	errA := errors.New("disk full")
	var called []string

	m := Multi{
		SinkFunc(func(ctx context.Context, req *transmission.FlushRequest) error {
			called = append(called, "a")
			return errA
		}),
		SinkFunc(func(ctx context.Context, req *transmission.FlushRequest) error {
			called = append(called, "b")
			return nil
		}),
	}

	err := m.Store(context.Background(), testRequest("N0CALL", nil))
	if !errors.Is(err, errA) {
		t.Errorf("Expected joined error to wrap errA, got %v", err)
	}
	if strings.Join(called, ",") != "a,b" {
		t.Errorf("Expected both sinks to run, got %v", called)
	}

	if err := (Multi{}).Store(context.Background(), testRequest("N0CALL", nil)); err != nil {
		t.Errorf("Expected nil for empty Multi, got %v", err)
	}
}

func TestMultiReportsPartialStore(t *testing.T) {
	errUpload := errors.New("upload refused")
	ok := SinkFunc(func(ctx context.Context, req *transmission.FlushRequest) error { return nil })
	bad := SinkFunc(func(ctx context.Context, req *transmission.FlushRequest) error { return errUpload })

	tests := []struct {
		name       string
		sinks      Multi
		expectErr  bool
		expectPart bool
		stored     int
		failed     int
	}{
		{name: "all stored", sinks: Multi{ok, ok}},
		{name: "one of two failed", sinks: Multi{ok, bad}, expectErr: true, expectPart: true, stored: 1, failed: 1},
		{name: "all failed", sinks: Multi{bad, bad}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sinks.Store(context.Background(), testRequest("N0CALL", nil))
			if (err != nil) != tt.expectErr {
				t.Fatalf("Expected error=%v, got %v", tt.expectErr, err)
			}

			var partial *PartialError
			if errors.As(err, &partial) != tt.expectPart {
				t.Fatalf("Expected partial=%v, got %v", tt.expectPart, err)
			}
			if !tt.expectPart {
				return
			}
			if partial.Stored != tt.stored || partial.Failed != tt.failed {
				t.Errorf("Expected %d stored and %d failed, got %d and %d",
					tt.stored, tt.failed, partial.Stored, partial.Failed)
			}
			if !errors.Is(err, errUpload) {
				t.Errorf("Expected partial error to wrap the sink error, got %v", err)
			}
		})
	}
}

func TestQueuePreservesOrder(t *testing.T) {
	var mu sync.Mutex
	var stored []string
	var results int

	sink := SinkFunc(func(ctx context.Context, req *transmission.FlushRequest) error {
		mu.Lock()
		defer mu.Unlock()
		stored = append(stored, req.ID)
		return nil
	})

	q := NewQueue(sink, 8, func(req *transmission.FlushRequest, err error) {
		mu.Lock()
		defer mu.Unlock()
		results++
	}, testLogger())

	for _, id := range []string{"a", "b", "c", "d"} {
		req := testRequest("N0CALL", nil)
		req.ID = id
		if err := q.Store(context.Background(), req); err != nil {
			t.Fatalf("Store %s failed: %v", id, err)
		}
	}

	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(stored, "") != "abcd" {
		t.Errorf("Expected order abcd, got %v", stored)
	}
	if results != 4 {
		t.Errorf("Expected 4 results, got %d", results)
	}
}

func TestQueueFullAndClosed(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	sink := SinkFunc(func(ctx context.Context, req *transmission.FlushRequest) error {
		if req.ID == "first" {
			close(started)
			<-release
		}
		return nil
	})

	q := NewQueue(sink, 1, nil, testLogger())

	first := testRequest("N0CALL", nil)
	first.ID = "first"
	if err := q.Store(context.Background(), first); err != nil {
		t.Fatalf("Store first failed: %v", err)
	}
	<-started

	if err := q.Store(context.Background(), testRequest("N0CALL", nil)); err != nil {
		t.Fatalf("Store second failed: %v", err)
	}

	if err := q.Store(context.Background(), testRequest("N0CALL", nil)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	close(release)
	if err := q.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := q.Store(context.Background(), testRequest("N0CALL", nil)); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("Expected ErrQueueClosed, got %v", err)
	}
}

func TestQueueCloseTimeoutCancelsWrites(t *testing.T) {
	sink := SinkFunc(func(ctx context.Context, req *transmission.FlushRequest) error {
		<-ctx.Done()
		return ctx.Err()
	})

	var gotErr error
	var mu sync.Mutex
	q := NewQueue(sink, 1, func(req *transmission.FlushRequest, err error) {
		mu.Lock()
		gotErr = err
		mu.Unlock()
	}, testLogger())

	if err := q.Store(context.Background(), testRequest("N0CALL", nil)); err != nil {
		t.Fatalf("Store failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := q.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(gotErr, context.Canceled) {
		t.Errorf("Expected in-flight write to be cancelled, got %v", gotErr)
	}
}
