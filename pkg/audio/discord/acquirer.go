// Package discord provides an [audio.Acquirer] backed by a Discord voice
// channel via the bwmarrin/discordgo library. It joins the configured channel
// as a muted listener, decodes every participant's Opus stream and mixes the
// participants down into one 48 kHz stereo [audio.Source].
//
// The acquirer requires an active *discordgo.Session opened with the
// GuildVoiceStates intent; see [Open].
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/meetrec/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Acquirer = (*Acquirer)(nil)

// Acquirer implements [audio.Acquirer] by joining one voice channel per
// Acquire call. Only one connection per guild can exist at a time, which
// matches the one-session-per-key model of the recorder.
//
// Acquirer is safe for concurrent use.
type Acquirer struct {
	session   *discordgo.Session
	guildID   string
	channelID string
}

// New creates an Acquirer for the given session, guild and voice channel.
func New(session *discordgo.Session, guildID, channelID string) *Acquirer {
	return &Acquirer{
		session:   session,
		guildID:   guildID,
		channelID: channelID,
	}
}

// Open creates and opens a bot session with the intents needed for voice
// capture. The caller owns the session and must Close it on shutdown.
func Open(token string) (*discordgo.Session, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildVoiceStates | discordgo.IntentsGuilds
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord: open session: %w", err)
	}
	return session, nil
}

// Acquire joins the voice channel and returns the mixed channel audio as a
// live source. The supplied ctx governs the join phase and the lifetime of
// the mixing loop; Stop leaves the channel.
func (a *Acquirer) Acquire(ctx context.Context, kind audio.SourceKind) (audio.Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, audio.AcquisitionError(kind, err)
	}
	// mute=true (we never send), deaf=false (we receive audio).
	vc, err := a.session.ChannelVoiceJoin(a.guildID, a.channelID, true, false)
	if err != nil {
		return nil, audio.AcquisitionError(kind, fmt.Errorf("discord: join voice channel %q: %w", a.channelID, err))
	}

	conn := newConnection(vc, kind, a.guildID, a.channelID)
	conn.removeHandler = a.session.AddHandler(conn.handleVoiceStateUpdate)
	conn.start(ctx)
	return conn, nil
}
