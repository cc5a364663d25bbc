package encoder

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// DefaultFFmpegPath is the binary looked up on PATH for mp3 encoding.
const DefaultFFmpegPath = "ffmpeg"

// MP3Backend encodes MP3 by streaming PCM through an ffmpeg process.
type MP3Backend struct {
	// Path is the ffmpeg executable. Empty means [DefaultFFmpegPath].
	Path string
}

func (b *MP3Backend) path() string {
	if b.Path == "" {
		return DefaultFFmpegPath
	}
	return b.Path
}

// Probe reports whether the ffmpeg executable can be found.
func (b *MP3Backend) Probe() error {
	if _, err := exec.LookPath(b.path()); err != nil {
		return fmt.Errorf("encoder: mp3 needs %s: %w", b.path(), err)
	}
	return nil
}

// NewSink starts one ffmpeg process reading s16le PCM on stdin and writing
// an mp3 stream to stdout.
func (b *MP3Backend) NewSink(ctx context.Context, sampleRate, channels int, opts Options) (Sink, error) {
	bitRate := opts.BitRate
	if bitRate == 0 {
		bitRate = DefaultBitRate
	}
	ctx, cancel := context.WithCancel(ctx)

	args := []string{
		"-nostdin",
		"-hide_banner", "-loglevel", "error",
		"-f", "s16le",
		"-ar", strconv.Itoa(sampleRate),
		"-ac", strconv.Itoa(channels),
		"-i", "pipe:0",
		"-codec:a", "libmp3lame",
		"-b:a", strconv.Itoa(bitRate) + "k",
		"-f", "mp3",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, b.path(), args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("encoder: mp3: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("encoder: mp3: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("encoder: mp3: start ffmpeg: %w", err)
	}

	s := &mp3Sink{cmd: cmd, stdin: stdin, cancel: cancel, stderr: &stderr}
	s.group.Go(func() error {
		_, err := io.Copy(&s.out, stdout)
		return err
	})
	return s, nil
}

type mp3Sink struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	cancel context.CancelFunc
	stderr *strings.Builder
	group  errgroup.Group
	out    bytes.Buffer
	raw    []byte
	done   bool
}

func (s *mp3Sink) Write(pcm []int16) error {
	if s.done {
		return errors.New("encoder: mp3: write after close")
	}
	s.raw = s.raw[:0]
	for _, v := range pcm {
		s.raw = binary.LittleEndian.AppendUint16(s.raw, uint16(v))
	}
	if _, err := s.stdin.Write(s.raw); err != nil {
		return fmt.Errorf("encoder: mp3: write pcm: %w", err)
	}
	return nil
}

func (s *mp3Sink) Close() ([]byte, error) {
	if s.done {
		return nil, errors.New("encoder: mp3: already closed")
	}
	s.done = true
	defer s.cancel()

	closeErr := s.stdin.Close()
	copyErr := s.group.Wait()
	waitErr := s.cmd.Wait()
	if err := errors.Join(closeErr, copyErr, waitErr); err != nil {
		if msg := strings.TrimSpace(s.stderr.String()); msg != "" {
			return nil, fmt.Errorf("encoder: mp3: ffmpeg: %w: %s", err, msg)
		}
		return nil, fmt.Errorf("encoder: mp3: ffmpeg: %w", err)
	}
	return s.out.Bytes(), nil
}

func (s *mp3Sink) Abort() {
	if s.done {
		return
	}
	s.done = true
	s.cancel()
	_ = s.stdin.Close()
	_ = s.group.Wait()
	_ = s.cmd.Wait()
}
