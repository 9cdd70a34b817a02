// Command usrp-replay sends a PCM or WAV recording to a recorder as a USRP transmission.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/skypro1111/usrp-recorder/internal/audio"
	"github.com/skypro1111/usrp-recorder/internal/protocol"
)

// 20 ms of 8 kHz PCM-16
const voiceFrameBytes = 320

func main() {
	addr := flag.String("addr", "127.0.0.1:34001", "Recorder UDP address")
	file := flag.String("file", "", "Raw PCM-16 (8 kHz mono) or WAV file to send")
	callsign := flag.String("callsign", "N0CALL", "Callsign sent in the identification frame")
	talkgroup := flag.Uint("talkgroup", 0, "Talkgroup written to voice frames")
	interval := flag.Duration("interval", 20*time.Millisecond, "Delay between voice frames")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *file == "" {
		fmt.Fprintln(os.Stderr, "usage: usrp-replay -file <recording> [-addr host:port] [-callsign CALL]")
		os.Exit(2)
	}

	pcm, err := loadPCM(*file)
	if err != nil {
		logger.Error("Failed to load recording", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := net.Dial("udp", *addr)
	if err != nil {
		logger.Error("Failed to dial recorder", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	sent, err := replay(ctx, conn, pcm, *callsign, uint32(*talkgroup), *interval)
	if err != nil {
		logger.Error("Replay failed", slog.Int("frames_sent", sent), slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Replay complete",
		slog.String("addr", *addr),
		slog.String("callsign", *callsign),
		slog.Int("frames_sent", sent),
		slog.Duration("audio", audio.PCMDuration(len(pcm), audio.DefaultSampleRate)),
	)
}

func loadPCM(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if strings.EqualFold(filepath.Ext(path), ".wav") {
		info, err := audio.GetWAVInfo(data)
		if err != nil {
			return nil, err
		}
		if info.SampleRate != audio.DefaultSampleRate {
			return nil, fmt.Errorf("expected %d Hz audio, got %d Hz", audio.DefaultSampleRate, info.SampleRate)
		}
		pcm, _, err := audio.DecodePCM16WAV(data)
		return pcm, err
	}

	return data, nil
}

// replay writes the identification, keyed voice and unkey frames. It returns the number of frames sent.
func replay(ctx context.Context, conn net.Conn, pcm []byte, callsign string, talkgroup uint32,
	interval time.Duration) (int, error) {

	var seq uint32
	sent := 0

	send := func(f *protocol.Frame) error {
		data, err := f.MarshalBinary()
		if err != nil {
			return err
		}
		if _, err := conn.Write(data); err != nil {
			return fmt.Errorf("failed to send frame %d: %w", f.Sequence, err)
		}
		seq++
		sent++
		return nil
	}

	if err := send(protocol.NewSetInfoFrame(seq, callsign)); err != nil {
		return sent, err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for off := 0; off < len(pcm); off += voiceFrameBytes {
		end := min(off+voiceFrameBytes, len(pcm))
		if err := send(protocol.NewVoiceFrame(seq, talkgroup, true, pcm[off:end])); err != nil {
			return sent, err
		}

		select {
		case <-ctx.Done():
			// still unkey so the recorder flushes what it has
			_ = send(protocol.NewVoiceFrame(seq, talkgroup, false, nil))
			return sent, ctx.Err()
		case <-ticker.C:
		}
	}

	return sent, send(protocol.NewVoiceFrame(seq, talkgroup, false, nil))
}
