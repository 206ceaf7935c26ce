package convai

// Server event types pushed over the conversation websocket.
const (
	eventInitMetadata   = "conversation_initiation_metadata"
	eventUserTranscript = "user_transcript"
	eventAgentResponse  = "agent_response"
	eventAudio          = "audio"
	eventInterruption   = "interruption"
	eventPing           = "ping"
	eventError          = "error"
)

type initMetadataMessage struct {
	Type  string `json:"type"`
	Event struct {
		ConversationID  string `json:"conversation_id"`
		AudioFormat     string `json:"agent_output_audio_format"`
		UserAudioFormat string `json:"user_input_audio_format"`
	} `json:"conversation_initiation_metadata_event"`
}

type userTranscriptMessage struct {
	Type  string `json:"type"`
	Event struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`
}

type agentResponseMessage struct {
	Type  string `json:"type"`
	Event struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`
}

type audioMessage struct {
	Type  string `json:"type"`
	Event struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event"`
}

type interruptionMessage struct {
	Type  string `json:"type"`
	Event struct {
		Reason string `json:"reason"`
	} `json:"interruption_event"`
}

type pingMessage struct {
	Type  string `json:"type"`
	Event struct {
		EventID int `json:"event_id"`
		PingMs  int `json:"ping_ms"`
	} `json:"ping_event"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pongMessage struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

type userAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}
