package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/MrWong99/stenograph/internal/ingest"
	"github.com/MrWong99/stenograph/internal/session"
	"github.com/MrWong99/stenograph/pkg/audio"
	"github.com/MrWong99/stenograph/pkg/types"
)

// TranscribeFile runs the WAV file at path through a new session in mode and
// returns its summary. The audio is converted to the configured format and
// fed in one-second chunks, as a live client would. The retry scheduler runs
// for the duration of the call, so transient failures are retried before
// the summary is returned.
func (a *App) TranscribeFile(ctx context.Context, path string, mode types.SessionMode) (session.Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return session.Summary{}, fmt.Errorf("app: transcribe: %w", err)
	}
	pcm, format, err := audio.DecodeWAV(data)
	if err != nil {
		return session.Summary{}, fmt.Errorf("app: transcribe %s: %w", path, err)
	}
	target := a.cfg.Audio.Format()
	pcm = audio.Convert(pcm, format, target)
	a.logger.Info("transcribing file",
		"path", path,
		"format", format.String(),
		"duration", target.Duration(len(pcm)),
		"mode", mode,
	)

	det, err := a.newDetector()
	if err != nil {
		return session.Summary{}, fmt.Errorf("app: transcribe: %w", err)
	}

	qctx, stopQueue := context.WithCancel(ctx)
	defer stopQueue()
	go func() {
		if err := a.queue.Run(qctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("retry queue stopped", "err", err)
		}
	}()

	if _, err := a.coord.StartSession(ctx, mode); err != nil {
		_ = det.Close()
		return session.Summary{}, fmt.Errorf("app: transcribe: %w", err)
	}
	stream := ingest.New(det, a.cfg.Audio.FrameMs, a.coord)
	defer stream.Close()

	chunk := max(target.Bytes(time.Second), 2)
	for off := 0; off < len(pcm); off += chunk {
		if _, err := stream.Write(ctx, pcm[off:min(off+chunk, len(pcm))]); err != nil {
			_ = a.coord.CancelSession(ctx)
			return session.Summary{}, fmt.Errorf("app: transcribe: %w", err)
		}
	}
	if _, err := stream.Flush(ctx); err != nil {
		_ = a.coord.CancelSession(ctx)
		return session.Summary{}, fmt.Errorf("app: transcribe: %w", err)
	}
	return a.coord.EndSession(ctx)
}
