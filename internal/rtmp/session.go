// Package rtmp implements the publisher-facing RTMP ingest state machine
// (spec.md §4.3) and the RTMP playback path kept as a supplemented feature
// (SPEC_FULL §C.1). Grounded on the teacher repository's RTMPSession
// (rtmp_session.go/rtmp_session_utils.go/rtmp_publisher.go), generalized to
// drive the standalone internal/hub channel registry instead of a
// server-embedded channel table.
package rtmp

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/rtmpfanout/rtmpfanout/internal/amf0"
	"github.com/rtmpfanout/rtmpfanout/internal/av"
	"github.com/rtmpfanout/rtmpfanout/internal/hub"
	"github.com/rtmpfanout/rtmpfanout/internal/logging"
	"github.com/rtmpfanout/rtmpfanout/internal/media"
	"github.com/rtmpfanout/rtmpfanout/internal/rtmpproto"
)

// Config carries the subset of internal/config.Config the ingest session
// needs, kept separate so this package does not import the CLI layer.
type Config struct {
	OutChunkSize       uint32
	StreamIDMaxLength  int
	HandshakeTimeout   time.Duration
	IdlePublishTimeout time.Duration
	PingInterval       time.Duration
	PlayWhitelist      string
}

// DefaultConfig returns the timeouts named in spec.md §5.
func DefaultConfig() Config {
	return Config{
		OutChunkSize:       4096,
		StreamIDMaxLength:  255,
		HandshakeTimeout:   10 * time.Second,
		IdlePublishTimeout: 30 * time.Second,
		PingInterval:       60 * time.Second,
	}
}

// windowAckSize matches the value advertised to the peer in handleConnect's
// EncodeWindowAckSize call; Acknowledgement is sent every time the running
// received-byte count crosses a multiple of this window, per spec.md §4.1.
const windowAckSize = 5000000

var sessionCounter uint64

func nextSessionID() uint64 { return atomic.AddUint64(&sessionCounter, 1) }

// Session drives one RTMP TCP connection through handshake, connect,
// createStream, and then either publish (ingest) or play (playback).
// Not safe for concurrent use by more than the Serve goroutine plus the
// internal playback writer goroutine it may spawn.
type Session struct {
	id   uint64
	ip   string
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex

	hub *hub.Hub
	cfg Config

	demux *rtmpproto.Demuxer
	mux   *rtmpproto.Muxer

	connectTime time.Time
	app         string
	streams     uint32

	channel         hub.ChannelID
	key             string
	isPublishing    bool
	publishStreamID uint32
	pubToken        *hub.PublisherToken
	audioCodec      uint32
	videoCodec      uint32

	isPlaying    bool
	isIdling     bool
	isPause      bool
	playStreamID uint32
	playQueue    *hub.Queue
	playHandle   *hub.SubscriberHandle
	playCancel   context.CancelFunc
	playDone     chan struct{}

	bytesReceived   uint64
	lastAckSequence uint64

	bitrateWindowStart time.Time
	bitrateAudioBytes  uint64
	bitrateVideoBytes  uint64

	closeOnce sync.Once
}

// bitrateSampleInterval matches the teacher's BitRateCache sampling period:
// publish-side throughput is logged once per window rather than per frame.
const bitrateSampleInterval = 5 * time.Second

// NewSession wraps an accepted connection. h is the shared channel hub.
func NewSession(conn net.Conn, h *hub.Hub, cfg Config) *Session {
	ip := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}

	return &Session{
		id:    nextSessionID(),
		ip:    ip,
		conn:  conn,
		hub:   h,
		cfg:   cfg,
		demux: rtmpproto.NewDemuxer(),
		mux:   rtmpproto.NewMuxer(),
	}
}

// Serve runs the session to completion: handshake, then the message loop.
// It always cleans up hub registrations before returning, so callers only
// need to close the underlying connection.
func (s *Session) Serve() error {
	defer s.close()

	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout)); err != nil {
		return errors.Wrap(err, "setting handshake deadline")
	}
	s.r = bufio.NewReader(s.conn)
	if err := rtmpproto.ServerHandshake(s.r, s.conn); err != nil {
		return errors.Wrap(err, "handshake")
	}
	logging.DebugSession(s.id, s.ip, "handshake complete")

	s.connectTime = time.Now()

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdlePublishTimeout)); err != nil {
			return errors.Wrap(err, "setting read deadline")
		}

		msg, n, err := s.demux.ReadChunk(s.r)
		if err != nil {
			return errors.Wrap(err, "reading chunk")
		}

		if err := s.trackReceivedBytes(uint64(n)); err != nil {
			return err
		}

		if msg == nil {
			continue
		}

		if err := s.handleMessage(msg); err != nil {
			return err
		}
	}
}

// trackReceivedBytes accumulates the connection's total received bytes and
// sends an Acknowledgement (type 3) each time that total crosses another
// windowAckSize boundary, mirroring the teacher's bitRateCache-driven
// SendACK call in its read loop.
func (s *Session) trackReceivedBytes(n uint64) error {
	s.bytesReceived += n
	sequence := s.bytesReceived / windowAckSize
	if sequence <= s.lastAckSequence {
		return nil
	}
	s.lastAckSequence = sequence

	return s.sendControl(rtmpproto.ChannelProtocol, rtmpproto.TypeAcknowledgement,
		rtmpproto.EncodeAcknowledgement(uint32(s.bytesReceived)))
}

func (s *Session) handleMessage(msg *rtmpproto.Message) error {
	switch msg.TypeID {
	case rtmpproto.TypeAudio:
		return s.handleAudio(msg)
	case rtmpproto.TypeVideo:
		return s.handleVideo(msg)
	case rtmpproto.TypeInvoke, rtmpproto.TypeFlexMessage:
		return s.handleInvoke(msg)
	case rtmpproto.TypeData, rtmpproto.TypeFlexStream:
		return s.handleData(msg)
	case rtmpproto.TypeUserControl:
		return s.handleUserControl(msg)
	case rtmpproto.TypeAcknowledgement, rtmpproto.TypeWindowAckSize, rtmpproto.TypeSetPeerBandwidth:
		// Informational; this session does not track peer-side windows.
	}
	return nil
}

func (s *Session) handleUserControl(msg *rtmpproto.Message) error {
	if len(msg.Payload) < 2 {
		return nil
	}
	eventType := binary.BigEndian.Uint16(msg.Payload[0:2])
	if eventType == rtmpproto.UserControlPingRequest && len(msg.Payload) >= 6 {
		data := binary.BigEndian.Uint32(msg.Payload[2:6])
		return s.sendControl(rtmpproto.ChannelProtocol, rtmpproto.TypeUserControl, rtmpproto.EncodeUserControl(rtmpproto.UserControlPingReply, data))
	}
	return nil
}

// --- AMF0 command dispatch -------------------------------------------------

func (s *Session) handleInvoke(msg *rtmpproto.Message) error {
	values, err := amf0.DecodeAll(msg.Payload)
	if err != nil {
		return errors.Wrap(rtmpproto.ErrProtocol, "decoding AMF0 command")
	}
	if len(values) == 0 {
		return nil
	}

	name := values[0].AsString()
	switch name {
	case "connect":
		return s.handleConnect(values)
	case "createStream":
		return s.handleCreateStream(values)
	case "publish":
		return s.handlePublish(values, msg.StreamID)
	case "play":
		return s.handlePlay(values, msg.StreamID)
	case "pause":
		return s.handlePause(values)
	case "deleteStream":
		return s.handleDeleteStream(values)
	case "closeStream":
		return s.handleDeleteStream([]amf0.Value{amf0.String("closeStream"), amf0.Number(0), amf0.Null(), amf0.Number(float64(msg.StreamID))})
	}
	return nil
}

func appAndKey(path string) (string, string) {
	path = strings.TrimPrefix(path, "/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) < 2 {
		return parts[0], ""
	}
	return parts[0], parts[1]
}

func validIdentifier(v string, maxLen int) bool {
	if v == "" || len(v) > maxLen {
		return false
	}
	return !strings.ContainsAny(v, "\x00")
}

func (s *Session) handleConnect(values []amf0.Value) error {
	if len(values) < 3 {
		return errors.Wrap(rtmpproto.ErrProtocol, "connect: missing command object")
	}
	txID := values[1].AsNumber()
	cmdObj := values[2]

	app := cmdObj.Get("app").AsString()
	app, _ = appAndKey(app)
	if !validIdentifier(app, s.cfg.StreamIDMaxLength) {
		return errors.Wrap(rtmpproto.ErrProtocol, "connect: invalid app name")
	}
	s.app = app

	logging.Request(s.id, s.ip, "CONNECT '"+app+"'")

	if err := s.sendControl(rtmpproto.ChannelProtocol, rtmpproto.TypeWindowAckSize, rtmpproto.EncodeWindowAckSize(5000000)); err != nil {
		return err
	}
	if err := s.sendControl(rtmpproto.ChannelProtocol, rtmpproto.TypeSetPeerBandwidth, rtmpproto.EncodeSetPeerBandwidth(5000000, rtmpproto.LimitDynamic)); err != nil {
		return err
	}
	if err := s.sendControl(rtmpproto.ChannelProtocol, rtmpproto.TypeSetChunkSize, rtmpproto.EncodeSetChunkSize(s.cfg.OutChunkSize)); err != nil {
		return err
	}
	s.mux.SetChunkSize(s.cfg.OutChunkSize)

	result := amf0.Object(
		amf0.Prop("fmsVer", amf0.String("FMS/3,0,1,123")),
		amf0.Prop("capabilities", amf0.Number(31)),
	)
	status := amf0.Object(
		amf0.Prop("level", amf0.String("status")),
		amf0.Prop("code", amf0.String("NetConnection.Connect.Success")),
		amf0.Prop("description", amf0.String("Connection succeeded.")),
		amf0.Prop("objectEncoding", amf0.Number(0)),
	)
	return s.sendCommand(0, amf0.String("_result"), amf0.Number(txID), result, status)
}

func (s *Session) handleCreateStream(values []amf0.Value) error {
	txID := 0.0
	if len(values) > 1 {
		txID = values[1].AsNumber()
	}

	s.streams++
	return s.sendCommand(0, amf0.String("_result"), amf0.Number(txID), amf0.Null(), amf0.Number(float64(s.streams)))
}

func (s *Session) handlePublish(values []amf0.Value, streamID uint32) error {
	streamName := ""
	if len(values) > 3 {
		streamName = values[3].AsString()
	}
	s.key = strings.SplitN(streamName, "?", 2)[0]
	s.publishStreamID = streamID

	if s.key == "" {
		return nil
	}
	if !validIdentifier(s.key, s.cfg.StreamIDMaxLength) {
		return s.sendStatus(s.publishStreamID, "error", "NetStream.Publish.BadName", "Invalid stream key provided")
	}

	if s.isPublishing {
		return s.sendStatus(s.publishStreamID, "error", "NetStream.Publish.BadConnection", "Connection already publishing")
	}

	s.channel = hub.ChannelID{App: s.app, StreamKey: s.key}

	token, err := s.hub.AcquirePublisher(s.channel)
	if err != nil {
		if errors.Cause(err) == hub.ErrPublishConflict {
			logging.Request(s.id, s.ip, "PUBLISH REJECTED (conflict) '"+s.app+"/"+s.key+"'")
			if sendErr := s.sendStatus(s.publishStreamID, "error", "NetStream.Publish.BadName", "Stream already publishing"); sendErr != nil {
				return sendErr
			}
			return errors.Wrap(hub.ErrPublishConflict, "publish")
		}
		return err
	}

	s.pubToken = token
	s.isPublishing = true

	logging.Request(s.id, s.ip, "PUBLISH ("+strconv.Itoa(int(s.publishStreamID))+") '"+s.app+"/"+s.key+"'")

	return s.sendStatus(s.publishStreamID, "status", "NetStream.Publish.Start", s.app+"/"+s.key+" is now published.")
}

func (s *Session) canPlay() bool {
	if s.cfg.PlayWhitelist == "" || s.cfg.PlayWhitelist == "*" {
		return true
	}
	// The whitelist is matched as plain text: a peer may play when its IP
	// string occurs anywhere in PlayWhitelist. Unlike internal/ipguard,
	// ranges and CIDR entries are not parsed here.
	return strings.Contains(s.cfg.PlayWhitelist, s.ip)
}

func (s *Session) handlePlay(values []amf0.Value, streamID uint32) error {
	streamName := ""
	if len(values) > 3 {
		streamName = values[3].AsString()
	}
	s.key = strings.SplitN(streamName, "?", 2)[0]
	s.playStreamID = streamID

	if s.key == "" {
		return nil
	}

	if s.isPlaying || s.isIdling {
		return s.sendStatus(s.playStreamID, "error", "NetStream.Play.BadConnection", "Connection already playing")
	}

	if !s.canPlay() {
		return s.sendStatus(s.playStreamID, "error", "NetStream.Play.BadName", "Your net address is not whitelisted for playing")
	}

	logging.Request(s.id, s.ip, "PLAY ("+strconv.Itoa(int(s.playStreamID))+") '"+s.app+"/"+s.key+"'")

	if err := s.sendStreamStatus(rtmpproto.UserControlStreamBegin, s.playStreamID); err != nil {
		return err
	}
	if err := s.sendStatus(s.playStreamID, "status", "NetStream.Play.Reset", "Playing and resetting stream."); err != nil {
		return err
	}
	if err := s.sendStatus(s.playStreamID, "status", "NetStream.Play.Start", "Started playing stream."); err != nil {
		return err
	}

	s.channel = hub.ChannelID{App: s.app, StreamKey: s.key}
	s.playQueue = hub.NewQueue(hub.DefaultQueueCapacity)

	handle, err := s.hub.Subscribe(s.channel, s.playQueue, true)
	if err != nil {
		return s.sendStatus(s.playStreamID, "error", "NetStream.Play.StreamNotFound", "Invalid stream key provided")
	}
	s.playHandle = handle

	if s.hub.HasPublisher(s.channel) {
		s.isPlaying = true
	} else {
		s.isIdling = true
		logging.Request(s.id, s.ip, "PLAY IDLE '"+s.app+"/"+s.key+"'")
	}

	s.startPlaybackWriter()
	return nil
}

func (s *Session) handlePause(values []amf0.Value) error {
	if !s.isPlaying {
		return nil
	}

	pause := false
	if len(values) > 3 {
		pause = values[3].Boolean
	}
	s.isPause = pause

	if pause {
		logging.Request(s.id, s.ip, "PAUSE '"+s.app+"/"+s.key+"'")
		if err := s.sendStreamStatus(rtmpproto.UserControlStreamEOF, s.playStreamID); err != nil {
			return err
		}
		return s.sendStatus(s.playStreamID, "status", "NetStream.Pause.Notify", "Paused live")
	}

	logging.Request(s.id, s.ip, "RESUME '"+s.app+"/"+s.key+"'")
	if err := s.sendStreamStatus(rtmpproto.UserControlStreamBegin, s.playStreamID); err != nil {
		return err
	}
	return s.sendStatus(s.playStreamID, "status", "NetStream.Unpause.Notify", "Unpaused live")
}

func (s *Session) handleDeleteStream(values []amf0.Value) error {
	streamID := uint32(0)
	if len(values) > 3 {
		streamID = uint32(values[3].AsNumber())
	}

	if streamID == s.playStreamID && (s.isPlaying || s.isIdling) {
		logging.Request(s.id, s.ip, "PLAY STOP '"+s.app+"/"+s.key+"'")
		s.stopPlayback()
		if err := s.sendStatus(s.playStreamID, "status", "NetStream.Play.Stop", "Stopped playing stream."); err != nil {
			return err
		}
		s.playStreamID = 0
	}

	if streamID == s.publishStreamID && s.isPublishing {
		s.endPublish()
		s.publishStreamID = 0
	}

	return nil
}

// --- media ingestion --------------------------------------------------------

func (s *Session) handleAudio(msg *rtmpproto.Message) error {
	if !s.isPublishing || len(msg.Payload) == 0 {
		return nil
	}

	soundFormat := msg.Payload[0] >> 4
	if s.audioCodec == 0 {
		s.audioCodec = uint32(soundFormat)
	}

	s.bitrateAudioBytes += uint64(len(msg.Payload))
	s.sampleBitrate()

	e := media.NewAudioEvent(msg.Timestamp, msg.Payload)
	return s.publish(e)
}

func (s *Session) handleVideo(msg *rtmpproto.Message) error {
	if !s.isPublishing || len(msg.Payload) == 0 {
		return nil
	}

	codecID := msg.Payload[0] & 0x0f
	if s.videoCodec == 0 {
		s.videoCodec = uint32(codecID)
	}

	if codecID == 12 && len(msg.Payload) >= 2 && msg.Payload[1] == 0 {
		info := av.ParseHEVCSequenceInfo(msg.Payload)
		logging.DebugSession(s.id, s.ip, "HEVC sequence header '"+s.app+"/"+s.key+"' "+
			strconv.Itoa(int(info.Width))+"x"+strconv.Itoa(int(info.Height)))
	}

	s.bitrateVideoBytes += uint64(len(msg.Payload))
	s.sampleBitrate()

	e := media.NewVideoEvent(msg.Timestamp, msg.Payload)
	return s.publish(e)
}

// sampleBitrate logs the publishing session's audio/video throughput once
// per bitrateSampleInterval, the debug-log counterpart of the teacher's
// BitRateCache. Purely observability; it feeds no wire protocol.
func (s *Session) sampleBitrate() {
	if s.bitrateWindowStart.IsZero() {
		s.bitrateWindowStart = time.Now()
		return
	}

	elapsed := time.Since(s.bitrateWindowStart)
	if elapsed < bitrateSampleInterval {
		return
	}

	audioKbps := int(float64(s.bitrateAudioBytes*8) / elapsed.Seconds() / 1000)
	videoKbps := int(float64(s.bitrateVideoBytes*8) / elapsed.Seconds() / 1000)

	logging.DebugSession(s.id, s.ip, "bitrate '"+s.app+"/"+s.key+"' audio="+
		strconv.Itoa(audioKbps)+"kbps video="+strconv.Itoa(videoKbps)+"kbps")

	s.bitrateWindowStart = time.Now()
	s.bitrateAudioBytes = 0
	s.bitrateVideoBytes = 0
}

func (s *Session) handleData(msg *rtmpproto.Message) error {
	values, err := amf0.DecodeAll(msg.Payload)
	if err != nil || len(values) == 0 {
		return nil
	}

	if values[0].AsString() != "@setDataFrame" || len(values) < 3 {
		return nil
	}

	// @setDataFrame("onMetaData", dataObj) is re-encoded as a plain
	// onMetaData data message for downstream consumption, matching the
	// teacher's BuildMetadata.
	payload := amf0.EncodeAll(amf0.String("onMetaData"), values[2])
	return s.publish(media.NewMetadataEvent(msg.Timestamp, payload))
}

func (s *Session) publish(e media.Event) error {
	if !s.isPublishing {
		return nil
	}
	err := s.hub.PublishEvent(s.channel, s.pubToken, e)
	if err != nil && errors.Cause(err) != hub.ErrNotOwner {
		return err
	}
	return nil
}

func (s *Session) endPublish() {
	if !s.isPublishing {
		return
	}
	s.isPublishing = false
	if s.pubToken != nil {
		s.hub.ReleasePublisher(s.channel, s.pubToken)
		s.pubToken = nil
	}
	logging.Request(s.id, s.ip, "UNPUBLISH '"+s.app+"/"+s.key+"'")
}

// --- playback writer ---------------------------------------------------

// startPlaybackWriter spawns the goroutine that dequeues hub events for a
// `play` client and re-encodes them as RTMP chunks, mirroring the teacher's
// SendCachePacket path but sourced from the hub's Queue instead of a
// per-session GOP linked list.
func (s *Session) startPlaybackWriter() {
	ctx, cancel := context.WithCancel(context.Background())
	s.playCancel = cancel
	s.playDone = make(chan struct{})

	go func() {
		defer close(s.playDone)
		for {
			e, ok := s.playQueue.Dequeue(ctx)
			if !ok {
				return
			}
			if s.isPause {
				continue
			}
			if err := s.sendMediaEvent(e); err != nil {
				return
			}
		}
	}()
}

func (s *Session) sendMediaEvent(e media.Event) error {
	var chunkStreamID, typeID uint32
	switch e.Kind {
	case media.KindAudio, media.KindAudioHeader:
		chunkStreamID, typeID = rtmpproto.ChannelAudio, rtmpproto.TypeAudio
	case media.KindVideo, media.KindVideoHeader:
		chunkStreamID, typeID = rtmpproto.ChannelVideo, rtmpproto.TypeVideo
	default:
		chunkStreamID, typeID = rtmpproto.ChannelData, rtmpproto.TypeData
	}

	msg := &rtmpproto.Message{
		ChunkStreamID: chunkStreamID,
		StreamID:      s.playStreamID,
		TypeID:        typeID,
		Timestamp:     e.Timestamp,
		Payload:       e.Payload,
	}
	return s.writeMessage(msg)
}

func (s *Session) stopPlayback() {
	if s.playCancel != nil {
		s.playCancel()
	}
	if s.playHandle != nil {
		s.hub.Unsubscribe(s.playHandle)
		s.playHandle = nil
	}
	if s.playQueue != nil {
		s.playQueue.Close()
	}
	if s.playDone != nil {
		<-s.playDone
		s.playDone = nil
	}
	s.isPlaying = false
	s.isIdling = false
	s.isPause = false
}

// --- wire helpers -----------------------------------------------------------

func (s *Session) writeMessage(msg *rtmpproto.Message) error {
	wire := s.mux.Serialize(msg)
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(wire)
	return err
}

func (s *Session) sendControl(chunkStreamID, typeID uint32, payload []byte) error {
	return s.writeMessage(&rtmpproto.Message{ChunkStreamID: chunkStreamID, TypeID: typeID, Payload: payload})
}

func (s *Session) sendCommand(streamID uint32, values ...amf0.Value) error {
	return s.writeMessage(&rtmpproto.Message{
		ChunkStreamID: rtmpproto.ChannelInvoke,
		StreamID:      streamID,
		TypeID:        rtmpproto.TypeInvoke,
		Payload:       amf0.EncodeAll(values...),
	})
}

func (s *Session) sendStatus(streamID uint32, level, code, description string) error {
	info := amf0.Object(
		amf0.Prop("level", amf0.String(level)),
		amf0.Prop("code", amf0.String(code)),
		amf0.Prop("description", amf0.String(description)),
	)
	return s.sendCommand(streamID, amf0.String("onStatus"), amf0.Number(0), amf0.Null(), info)
}

func (s *Session) sendStreamStatus(eventType uint16, streamID uint32) error {
	return s.sendControl(rtmpproto.ChannelProtocol, rtmpproto.TypeUserControl, rtmpproto.EncodeUserControl(eventType, streamID))
}

// close releases every hub registration the session holds. Safe to call
// more than once; only the first call has any effect.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		if s.isPlaying || s.isIdling {
			s.stopPlayback()
		}
		if s.isPublishing {
			s.endPublish()
		}
		logging.DebugSession(s.id, s.ip, "session closed")
	})
}
