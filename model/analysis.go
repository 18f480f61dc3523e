package model

// Tone labels produced by the analysis engines.
const (
	ToneCalmProfessional  = "calm_professional"
	ToneWarmPositive      = "warm_positive"
	ToneUrgentTense       = "urgent_tense"
	ToneApologeticAnxious = "apologetic_anxious"
	ToneNeutralAutomated  = "neutral_automated"
	ToneSadConcerned      = "sad_concerned"
)

// TagNeutral is the primary tag used when no emotion carries signal.
const TagNeutral = "neutral"

// Emotion is a named intensity in [0, 1].
type Emotion struct {
	Name      string  `json:"name"`
	Intensity float64 `json:"intensity"`
}

// Analysis is the outcome of running a single cleaned payload through an engine.
type Analysis struct {
	Score       float64   `json:"score"`
	TopEmotion  string    `json:"top_emotion"`
	Alert       bool      `json:"alert"`
	Tone        string    `json:"tone,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	Explanation string    `json:"explanation,omitempty"`
	Emotions    []Emotion `json:"emotions,omitempty"`

	// Fallback is set when a backup engine produced the analysis.
	Fallback bool `json:"-"`
}

// Record is one line of the result log.
type Record struct {
	Subject       string  `json:"subject"`
	MoodScore     float64 `json:"mood_score"`
	PrimaryTag    string  `json:"primary_tag"`
	IsRegrettable bool    `json:"is_regrettable"`
	MessageID     string  `json:"message_id,omitempty"`
}

// NewRecord combines a message's subject with its analysis.
func NewRecord(msg Message, a Analysis) Record {
	return Record{
		Subject:       msg.Subject,
		MoodScore:     a.Score,
		PrimaryTag:    a.TopEmotion,
		IsRegrettable: a.Alert,
		MessageID:     msg.ID,
	}
}

// Failure describes a message that was skipped during a run.
type Failure struct {
	Index     int    `json:"index"`
	Subject   string `json:"subject"`
	MessageID string `json:"message_id,omitempty"`
	Stage     string `json:"stage"`
	Error     string `json:"error"`
}
