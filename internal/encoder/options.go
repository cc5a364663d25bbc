package encoder

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Format is an output container/codec.
type Format string

const (
	// FormatWAV is uncompressed 16-bit PCM in a RIFF/WAVE container.
	FormatWAV Format = "wav"

	// FormatMP3 is MPEG-1 Layer III at a constant bit rate.
	FormatMP3 Format = "mp3"
)

const (
	// DefaultTimeLimit is the recording ceiling applied unless overridden.
	DefaultTimeLimit = 1200 * time.Second

	// DefaultProgressInterval is the amount of encoded audio between two
	// progress events.
	DefaultProgressInterval = time.Second

	// DefaultBitRate is the mp3 bit rate in kbit/s.
	DefaultBitRate = 192

	// MinBitRate and MaxBitRate bound the mp3 bit rate in kbit/s.
	MinBitRate = 64
	MaxBitRate = 320
)

// ParseFormat converts a configuration string into a Format.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatWAV, FormatMP3:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown format %q (want wav or mp3)", ErrInvalidOptions, s)
	}
}

// MIMEType returns the media type of artifacts in this format.
func (f Format) MIMEType() string {
	switch f {
	case FormatMP3:
		return "audio/mpeg"
	default:
		return "audio/wav"
	}
}

// Extension returns the file extension without a leading dot.
func (f Format) Extension() string { return string(f) }

// Options controls one recording's encoding. Options values are immutable:
// derive a changed copy with [Options.Apply].
type Options struct {
	Format Format

	// TimeLimit is the maximum recorded duration. Zero disables the limit.
	TimeLimit time.Duration

	// ProgressInterval is the amount of encoded audio between two progress
	// events during encode-after-record.
	ProgressInterval time.Duration

	// BitRate is the mp3 bit rate in kbit/s. Ignored for wav.
	BitRate int

	// EncodeAfterRecord buffers PCM during recording and encodes it on
	// finish, reporting progress. When false, frames are encoded as they
	// arrive.
	EncodeAfterRecord bool
}

// DefaultOptions returns the options used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Format:            FormatWAV,
		TimeLimit:         DefaultTimeLimit,
		ProgressInterval:  DefaultProgressInterval,
		BitRate:           DefaultBitRate,
		EncodeAfterRecord: true,
	}
}

// Override lists option changes. Nil fields leave the current value alone.
type Override struct {
	Format            *Format
	TimeLimit         *time.Duration
	ProgressInterval  *time.Duration
	BitRate           *int
	EncodeAfterRecord *bool
}

// IsZero reports whether the override changes nothing.
func (o Override) IsZero() bool {
	return o == Override{}
}

// Apply returns a copy of o with every non-nil field of ov applied.
func (o Options) Apply(ov Override) Options {
	if ov.Format != nil {
		o.Format = *ov.Format
	}
	if ov.TimeLimit != nil {
		o.TimeLimit = *ov.TimeLimit
	}
	if ov.ProgressInterval != nil {
		o.ProgressInterval = *ov.ProgressInterval
	}
	if ov.BitRate != nil {
		o.BitRate = *ov.BitRate
	}
	if ov.EncodeAfterRecord != nil {
		o.EncodeAfterRecord = *ov.EncodeAfterRecord
	}
	return o
}

// MIMEType returns the media type of the artifact these options produce.
func (o Options) MIMEType() string { return o.Format.MIMEType() }

// ErrInvalidOptions is matched by every error returned from [Options.Validate].
var ErrInvalidOptions = errors.New("encoder: invalid options")

// Validate reports every invalid field at once.
func (o Options) Validate() error {
	var errs []error
	if _, err := ParseFormat(string(o.Format)); err != nil {
		errs = append(errs, err)
	}
	if o.TimeLimit < 0 {
		errs = append(errs, fmt.Errorf("encoder: time limit %v must not be negative", o.TimeLimit))
	}
	if o.ProgressInterval <= 0 {
		errs = append(errs, fmt.Errorf("encoder: progress interval %v must be positive", o.ProgressInterval))
	}
	if o.Format == FormatMP3 && (o.BitRate < MinBitRate || o.BitRate > MaxBitRate) {
		errs = append(errs, fmt.Errorf("encoder: mp3 bit rate %d out of range [%d,%d]", o.BitRate, MinBitRate, MaxBitRate))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidOptions, errors.Join(errs...))
}

// Ptr returns a pointer to v. It keeps Override literals short.
func Ptr[T any](v T) *T { return &v }
