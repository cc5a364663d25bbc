package discord

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/MrWong99/meetrec/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Source = (*Connection)(nil)

const (
	outputChannelBuffer = 64

	// maxQueuedFrames bounds the per-participant backlog (about one second).
	maxQueuedFrames = 50
)

// Connection wraps a discordgo.VoiceConnection and adapts it to the
// [audio.Source] interface. It demuxes incoming Opus packets by SSRC into
// per-participant queues and mixes one frame from every queue each 20 ms.
//
// Connection is safe for concurrent use.
type Connection struct {
	vc        *discordgo.VoiceConnection
	kind      audio.SourceKind
	guildID   string
	channelID string

	queuesMu sync.Mutex
	queues   map[uint32][]audio.Frame

	participantsMu sync.Mutex
	participants   map[string]string // userID -> username

	frames chan audio.Frame

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	removeHandler func() // removes the VoiceStateUpdate handler

	// disconnectVC is called during Stop to tear down the voice connection.
	// Defaults to vc.Disconnect; overridden in tests.
	disconnectVC func() error

	// tick is the mixing period; overridden in tests.
	tick time.Duration
}

// newConnection initialises a Connection for an already-joined voice channel.
// Call start to launch the receive and mix loops.
func newConnection(vc *discordgo.VoiceConnection, kind audio.SourceKind, guildID, channelID string) *Connection {
	return &Connection{
		vc:           vc,
		kind:         kind,
		guildID:      guildID,
		channelID:    channelID,
		queues:       make(map[uint32][]audio.Frame),
		participants: make(map[string]string),
		frames:       make(chan audio.Frame, outputChannelBuffer),
		done:         make(chan struct{}),
		disconnectVC: vc.Disconnect,
		tick:         opusFrameSizeMs * time.Millisecond,
	}
}

func (c *Connection) start(ctx context.Context) {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.recvLoop()
	}()
	go func() {
		defer c.wg.Done()
		c.mixLoop(ctx)
	}()
	go func() {
		c.wg.Wait()
		close(c.frames)
	}()
}

// ID implements [audio.Source].
func (c *Connection) ID() string { return "discord:" + c.guildID + "/" + c.channelID }

// Kind implements [audio.Source].
func (c *Connection) Kind() audio.SourceKind { return c.kind }

// Format implements [audio.Source].
func (c *Connection) Format() audio.Format { return opusFormat }

// Frames implements [audio.Source].
func (c *Connection) Frames() <-chan audio.Frame { return c.frames }

// Stop leaves the voice channel and stops all background goroutines. The
// Frames channel is closed once both loops have exited. It is safe to call
// more than once; subsequent calls return nil.
func (c *Connection) Stop() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		if c.removeHandler != nil {
			c.removeHandler()
		}

		if c.disconnectVC != nil {
			err = c.disconnectVC()
		}
	})
	return err
}

// Participants returns the user IDs currently known to be in the channel,
// sorted.
func (c *Connection) Participants() []string {
	c.participantsMu.Lock()
	defer c.participantsMu.Unlock()
	ids := make([]string, 0, len(c.participants))
	for id := range c.participants {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// recvLoop decodes incoming Opus packets per SSRC and queues the frames for
// mixing. Streams that go quiet are dropped together with their backlog.
func (c *Connection) recvLoop() {
	streams := newSpeakers()
	sweep := time.NewTicker(speakerIdleTimeout / 2)
	defer sweep.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-sweep.C:
			c.dropStreams(streams.evictIdle(speakerIdleTimeout))
		case pkt, ok := <-c.vc.OpusRecv:
			if !ok {
				return
			}
			if pkt == nil {
				continue
			}
			known := streams.len()
			frame, err := streams.decode(pkt.SSRC, pkt.Opus)
			if err != nil {
				slog.Warn("discord: dropping packet", "ssrc", pkt.SSRC, "err", err)
				continue
			}
			if streams.len() > known {
				slog.Debug("discord: new speaker stream", "ssrc", strconv.FormatUint(uint64(pkt.SSRC), 10))
			}
			c.enqueue(pkt.SSRC, frame)
		}
	}
}

func (c *Connection) enqueue(ssrc uint32, f audio.Frame) {
	c.queuesMu.Lock()
	defer c.queuesMu.Unlock()
	q := c.queues[ssrc]
	if len(q) >= maxQueuedFrames {
		q = q[1:]
	}
	c.queues[ssrc] = append(q, f)
}

func (c *Connection) dropStreams(ssrcs []uint32) {
	if len(ssrcs) == 0 {
		return
	}
	c.queuesMu.Lock()
	for _, ssrc := range ssrcs {
		delete(c.queues, ssrc)
	}
	c.queuesMu.Unlock()
	slog.Debug("discord: idle speaker streams dropped", "count", len(ssrcs))
}

// mixLoop sums one queued frame per speaker each tick and emits the result.
// Ticks with no queued audio emit nothing; the consumer renders the gap as
// silence.
func (c *Connection) mixLoop(ctx context.Context) {
	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	var ts time.Duration
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
		}

		mixed, ok := c.mixNext()
		if !ok {
			ts += c.tick
			continue
		}
		mixed.Timestamp = ts
		ts += c.tick

		select {
		case c.frames <- mixed:
		default:
			// Channel full; drop the frame rather than block.
		}
	}
}

// mixNext pops the head of every non-empty queue and sums them sample by
// sample. Clipping is left to the PCM conversion at the encoder.
func (c *Connection) mixNext() (audio.Frame, bool) {
	c.queuesMu.Lock()
	defer c.queuesMu.Unlock()

	var (
		out     audio.Frame
		present bool
	)
	for ssrc, q := range c.queues {
		if len(q) == 0 {
			continue
		}
		head := q[0]
		c.queues[ssrc] = q[1:]
		if !present {
			out = audio.NewFrame(opusChannels, opusFrameSize, opusSampleRate)
			present = true
		}
		for ch := range min(len(head.Data), len(out.Data)) {
			n := min(len(head.Data[ch]), len(out.Data[ch]))
			for i := range n {
				out.Data[ch][i] += head.Data[ch][i]
			}
		}
	}
	return out, present
}

// handleVoiceStateUpdate tracks participant joins and leaves for the voice
// channel this connection is on.
func (c *Connection) handleVoiceStateUpdate(_ *discordgo.Session, vsu *discordgo.VoiceStateUpdate) {
	if vsu.VoiceState == nil || vsu.GuildID != c.guildID {
		return
	}

	username := ""
	if vsu.Member != nil && vsu.Member.User != nil {
		username = vsu.Member.User.Username
	}

	c.participantsMu.Lock()
	defer c.participantsMu.Unlock()

	// Participant left our channel.
	if vsu.BeforeUpdate != nil && vsu.BeforeUpdate.ChannelID == c.channelID && vsu.ChannelID != c.channelID {
		delete(c.participants, vsu.UserID)
		slog.Info("discord: participant left", "user", vsu.UserID, "name", username)
		return
	}

	// Participant joined our channel.
	if vsu.ChannelID == c.channelID && (vsu.BeforeUpdate == nil || vsu.BeforeUpdate.ChannelID != c.channelID) {
		c.participants[vsu.UserID] = username
		slog.Info("discord: participant joined", "user", vsu.UserID, "name", username)
	}
}
