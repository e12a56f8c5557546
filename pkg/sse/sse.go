// Package sse streams relayed chat events to HTTP clients as Server-Sent Events.
package sse

import (
	"encoding/json"
	"net/http"
	"sync"

	"go.od2.network/orgqueue/pkg/relay"
	"go.uber.org/zap"
)

// DefaultBuffer is the number of frames queued per client.
const DefaultBuffer = 256

// Streamer fans relayed events out to the clients watching a chat.
// It implements relay.Sink.
type Streamer struct {
	Log    *zap.Logger
	Buffer int

	mu      sync.Mutex
	clients map[string]map[*client]struct{}
}

var _ relay.Sink = (*Streamer)(nil)

type client struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func (c *client) finish() {
	c.once.Do(func() { close(c.done) })
}

type frame struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// NewStreamer creates a streamer without clients.
func NewStreamer(log *zap.Logger) *Streamer {
	return &Streamer{
		Log:     log,
		Buffer:  DefaultBuffer,
		clients: make(map[string]map[*client]struct{}),
	}
}

// Clients returns the number of clients watching a chat.
func (s *Streamer) Clients(chatID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients[chatID])
}

func (s *Streamer) add(chatID string) *client {
	c := &client{
		frames: make(chan []byte, s.Buffer),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.clients[chatID]
	if !ok {
		set = make(map[*client]struct{})
		s.clients[chatID] = set
	}
	set[c] = struct{}{}
	return c
}

func (s *Streamer) remove(chatID string, c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients[chatID], c)
	if len(s.clients[chatID]) == 0 {
		delete(s.clients, chatID)
	}
}

// Serve streams the events of a chat until the stream ends or the client goes away.
func (s *Streamer) Serve(w http.ResponseWriter, r *http.Request, chatID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	c := s.add(chatID)
	defer s.remove(chatID, c)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	write := func(buf []byte) bool {
		if _, err := w.Write(append(append([]byte("data: "), buf...), '\n', '\n')); err != nil {
			s.Log.Debug("Client write failed", zap.String("chat", chatID), zap.Error(err))
			return false
		}
		flusher.Flush()
		return true
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case buf := <-c.frames:
			if !write(buf) {
				return
			}
		case <-c.done:
			for {
				select {
				case buf := <-c.frames:
					if !write(buf) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *Streamer) send(chatID, event string, data interface{}) {
	s.broadcast(chatID, event, data, false)
}

func (s *Streamer) broadcast(chatID, event string, data interface{}, last bool) {
	buf, err := json.Marshal(frame{Event: event, Data: data})
	if err != nil {
		s.Log.Warn("Failed to encode event", zap.String("chat", chatID), zap.String("event", event), zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients[chatID] {
		select {
		case c.frames <- buf:
		default:
			s.Log.Warn("Client too slow, dropping event", zap.String("chat", chatID), zap.String("event", event))
		}
		if last {
			c.finish()
		}
	}
}

func raw(data json.RawMessage) interface{} {
	if len(data) == 0 {
		return nil
	}
	return data
}

func (s *Streamer) Start(chatID string, data string) { s.send(chatID, relay.EventStart, data) }
func (s *Streamer) Token(chatID string, data string) { s.send(chatID, relay.EventToken, data) }

func (s *Streamer) SourceDocuments(chatID string, data json.RawMessage) {
	s.send(chatID, relay.EventSourceDocuments, raw(data))
}

func (s *Streamer) Artifacts(chatID string, data json.RawMessage) {
	s.send(chatID, relay.EventArtifacts, raw(data))
}

func (s *Streamer) UsedTools(chatID string, data json.RawMessage) {
	s.send(chatID, relay.EventUsedTools, raw(data))
}

func (s *Streamer) CalledTools(chatID string, data json.RawMessage) {
	s.send(chatID, relay.EventCalledTools, raw(data))
}

func (s *Streamer) FileAnnotations(chatID string, data json.RawMessage) {
	s.send(chatID, relay.EventFileAnnotations, raw(data))
}

func (s *Streamer) Tool(chatID string, data json.RawMessage) {
	s.send(chatID, relay.EventTool, raw(data))
}

func (s *Streamer) AgentReasoning(chatID string, data json.RawMessage) {
	s.send(chatID, relay.EventAgentReasoning, raw(data))
}

func (s *Streamer) NextAgent(chatID string, data json.RawMessage) {
	s.send(chatID, relay.EventNextAgent, raw(data))
}

func (s *Streamer) AgentFlowEvent(chatID string, data string) {
	s.send(chatID, relay.EventAgentFlow, data)
}

func (s *Streamer) AgentFlowExecutedData(chatID string, data json.RawMessage) {
	s.send(chatID, relay.EventAgentFlowExecutedData, raw(data))
}

func (s *Streamer) NextAgentFlow(chatID string, data json.RawMessage) {
	s.send(chatID, relay.EventNextAgentFlow, raw(data))
}

func (s *Streamer) Action(chatID string, data json.RawMessage) {
	s.send(chatID, relay.EventAction, raw(data))
}

func (s *Streamer) Metadata(chatID string, data json.RawMessage) {
	s.send(chatID, relay.EventMetadata, raw(data))
}

func (s *Streamer) UsageMetadata(chatID string, data json.RawMessage) {
	s.send(chatID, relay.EventUsageMetadata, raw(data))
}

func (s *Streamer) Error(chatID string, msg string) { s.send(chatID, relay.EventError, msg) }

// Abort ends the streams of a chat.
func (s *Streamer) Abort(chatID string) {
	s.broadcast(chatID, relay.EventAbort, "[DONE]", true)
}

// End ends the streams of a chat.
func (s *Streamer) End(chatID string) {
	s.broadcast(chatID, relay.EventEnd, "[DONE]", true)
}

type ttsData struct {
	ChatMessageID string `json:"chatMessageId"`
	Format        string `json:"format,omitempty"`
	AudioChunk    string `json:"audioChunk,omitempty"`
}

func (s *Streamer) TTSStart(chatID, chatMessageID string, format string) {
	s.send(chatID, relay.EventTTSStart, ttsData{ChatMessageID: chatMessageID, Format: format})
}

func (s *Streamer) TTSData(chatID, chatMessageID string, audioChunk string) {
	s.send(chatID, relay.EventTTSData, ttsData{ChatMessageID: chatMessageID, AudioChunk: audioChunk})
}

func (s *Streamer) TTSEnd(chatID, chatMessageID string) {
	s.send(chatID, relay.EventTTSEnd, ttsData{ChatMessageID: chatMessageID})
}

func (s *Streamer) TTSAbort(chatID, chatMessageID string) {
	s.send(chatID, relay.EventTTSAbort, ttsData{ChatMessageID: chatMessageID})
}
