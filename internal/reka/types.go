package reka

// Turn types understood by the Reka chat API.
const (
	TurnHuman = "human"
	TurnModel = "model"
)

// ConversationTurn is one entry of the upstream conversation history.
type ConversationTurn struct {
	Type string `json:"type"` // "human" | "model"
	Text string `json:"text"`
}

// ChatRequest is sent to POST /api/chat.
type ChatRequest struct {
	ConversationHistory []ConversationTurn `json:"conversation_history"`
	Stream              bool               `json:"stream"`
	UseSearchEngine     bool               `json:"use_search_engine"`
	UseCodeInterpreter  bool               `json:"use_code_interpreter"`
	ModelName           string             `json:"model_name"`
	RandomSeed          int64              `json:"random_seed"`
}

// Event is one decoded SSE data line from the upstream stream.
// Text is cumulative: it holds everything generated so far, not a delta.
type Event struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// wireEvent distinguishes absent fields from empty ones while decoding.
type wireEvent struct {
	Type *string `json:"type"`
	Text *string `json:"text"`
}
