package relay

import "encoding/json"

// Event types carried by envelopes.
const (
	EventStart                 = "start"
	EventToken                 = "token"
	EventSourceDocuments       = "sourceDocuments"
	EventArtifacts             = "artifacts"
	EventUsedTools             = "usedTools"
	EventCalledTools           = "calledTools"
	EventFileAnnotations       = "fileAnnotations"
	EventTool                  = "tool"
	EventAgentReasoning        = "agentReasoning"
	EventNextAgent             = "nextAgent"
	EventAgentFlow             = "agentFlowEvent"
	EventAgentFlowExecutedData = "agentFlowExecutedData"
	EventNextAgentFlow         = "nextAgentFlow"
	EventAction                = "action"
	EventAbort                 = "abort"
	EventError                 = "error"
	EventMetadata              = "metadata"
	EventUsageMetadata         = "usageMetadata"
	EventEnd                   = "end"
	EventTTSStart              = "tts_start"
	EventTTSData               = "tts_data"
	EventTTSEnd                = "tts_end"
	EventTTSAbort              = "tts_abort"
)

// Sink receives relayed events for the client streams it holds.
type Sink interface {
	Start(chatID string, data string)
	Token(chatID string, data string)
	SourceDocuments(chatID string, data json.RawMessage)
	Artifacts(chatID string, data json.RawMessage)
	UsedTools(chatID string, data json.RawMessage)
	CalledTools(chatID string, data json.RawMessage)
	FileAnnotations(chatID string, data json.RawMessage)
	Tool(chatID string, data json.RawMessage)
	AgentReasoning(chatID string, data json.RawMessage)
	NextAgent(chatID string, data json.RawMessage)
	AgentFlowEvent(chatID string, data string)
	AgentFlowExecutedData(chatID string, data json.RawMessage)
	NextAgentFlow(chatID string, data json.RawMessage)
	Action(chatID string, data json.RawMessage)
	Abort(chatID string)
	Error(chatID string, msg string)
	Metadata(chatID string, data json.RawMessage)
	UsageMetadata(chatID string, data json.RawMessage)
	End(chatID string)
	TTSStart(chatID, chatMessageID string, format string)
	TTSData(chatID, chatMessageID string, audioChunk string)
	TTSEnd(chatID, chatMessageID string)
	TTSAbort(chatID, chatMessageID string)
}

type dispatchFunc func(s Sink, e *Envelope)

var dispatchTable = map[string]dispatchFunc{
	EventStart:                 func(s Sink, e *Envelope) { s.Start(e.ChatID, e.text()) },
	EventToken:                 func(s Sink, e *Envelope) { s.Token(e.ChatID, e.text()) },
	EventSourceDocuments:       func(s Sink, e *Envelope) { s.SourceDocuments(e.ChatID, e.Data) },
	EventArtifacts:             func(s Sink, e *Envelope) { s.Artifacts(e.ChatID, e.Data) },
	EventUsedTools:             func(s Sink, e *Envelope) { s.UsedTools(e.ChatID, e.Data) },
	EventCalledTools:           func(s Sink, e *Envelope) { s.CalledTools(e.ChatID, e.Data) },
	EventFileAnnotations:       func(s Sink, e *Envelope) { s.FileAnnotations(e.ChatID, e.Data) },
	EventTool:                  func(s Sink, e *Envelope) { s.Tool(e.ChatID, e.Data) },
	EventAgentReasoning:        func(s Sink, e *Envelope) { s.AgentReasoning(e.ChatID, e.Data) },
	EventNextAgent:             func(s Sink, e *Envelope) { s.NextAgent(e.ChatID, e.Data) },
	EventAgentFlow:             func(s Sink, e *Envelope) { s.AgentFlowEvent(e.ChatID, e.text()) },
	EventAgentFlowExecutedData: func(s Sink, e *Envelope) { s.AgentFlowExecutedData(e.ChatID, e.Data) },
	EventNextAgentFlow:         func(s Sink, e *Envelope) { s.NextAgentFlow(e.ChatID, e.Data) },
	EventAction:                func(s Sink, e *Envelope) { s.Action(e.ChatID, e.Data) },
	EventAbort:                 func(s Sink, e *Envelope) { s.Abort(e.ChatID) },
	EventError:                 func(s Sink, e *Envelope) { s.Error(e.ChatID, e.text()) },
	EventMetadata:              func(s Sink, e *Envelope) { s.Metadata(e.ChatID, e.Data) },
	EventUsageMetadata:         func(s Sink, e *Envelope) { s.UsageMetadata(e.ChatID, e.Data) },
	EventEnd:                   func(s Sink, e *Envelope) { s.End(e.ChatID) },
	EventTTSStart: func(s Sink, e *Envelope) {
		var data struct {
			Format string `json:"format"`
		}
		_ = json.Unmarshal(e.Data, &data)
		s.TTSStart(e.ChatID, e.ChatMessageID, data.Format)
	},
	EventTTSData: func(s Sink, e *Envelope) {
		var data struct {
			AudioChunk string `json:"audioChunk"`
		}
		_ = json.Unmarshal(e.Data, &data)
		s.TTSData(e.ChatID, e.ChatMessageID, data.AudioChunk)
	},
	EventTTSEnd:   func(s Sink, e *Envelope) { s.TTSEnd(e.ChatID, e.ChatMessageID) },
	EventTTSAbort: func(s Sink, e *Envelope) { s.TTSAbort(e.ChatID, e.ChatMessageID) },
}

// NopSink ignores all events. Embed it to implement a subset of Sink.
type NopSink struct{}

var _ Sink = NopSink{}

func (NopSink) Start(string, string)                          {}
func (NopSink) Token(string, string)                          {}
func (NopSink) SourceDocuments(string, json.RawMessage)       {}
func (NopSink) Artifacts(string, json.RawMessage)             {}
func (NopSink) UsedTools(string, json.RawMessage)             {}
func (NopSink) CalledTools(string, json.RawMessage)           {}
func (NopSink) FileAnnotations(string, json.RawMessage)       {}
func (NopSink) Tool(string, json.RawMessage)                  {}
func (NopSink) AgentReasoning(string, json.RawMessage)        {}
func (NopSink) NextAgent(string, json.RawMessage)             {}
func (NopSink) AgentFlowEvent(string, string)                 {}
func (NopSink) AgentFlowExecutedData(string, json.RawMessage) {}
func (NopSink) NextAgentFlow(string, json.RawMessage)         {}
func (NopSink) Action(string, json.RawMessage)                {}
func (NopSink) Abort(string)                                  {}
func (NopSink) Error(string, string)                          {}
func (NopSink) Metadata(string, json.RawMessage)              {}
func (NopSink) UsageMetadata(string, json.RawMessage)         {}
func (NopSink) End(string)                                    {}
func (NopSink) TTSStart(string, string, string)               {}
func (NopSink) TTSData(string, string, string)                {}
func (NopSink) TTSEnd(string, string)                         {}
func (NopSink) TTSAbort(string, string)                       {}
