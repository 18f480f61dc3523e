// Package gemini asks a Gemini model for a structured tone classification.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"google.golang.org/genai"

	"github.com/dhcgn/mbox-mood/engine"
	"github.com/dhcgn/mbox-mood/model"
)

const DefaultModel = "gemini-2.5-flash"

var emotionNames = []string{"urgency", "warmth", "anxiety", "concern", "professionalism", "stress"}

var tones = []string{
	model.ToneCalmProfessional,
	model.ToneWarmPositive,
	model.ToneUrgentTense,
	model.ToneApologeticAnxious,
	model.ToneNeutralAutomated,
	model.ToneSadConcerned,
}

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string

	Sensitivity float64
}

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Analyzer struct {
	models      generator
	model       string
	sensitivity float64
}

func New(ctx context.Context, cfg Config) (*Analyzer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if err := (engine.Options{Sensitivity: cfg.Sensitivity}).Validate(); err != nil {
		return nil, err
	}
	modelName := strings.TrimSpace(cfg.Model)
	if modelName == "" {
		modelName = DefaultModel
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	return &Analyzer{models: client.Models, model: modelName, sensitivity: cfg.Sensitivity}, nil
}

type responseSchema struct {
	Tone        string             `json:"tone"`
	Confidence  float64            `json:"confidence"`
	Explanation string             `json:"explanation"`
	Emotions    map[string]float64 `json:"emotions"`
}

func outputSchema() *genai.Schema {
	emotions := make(map[string]*genai.Schema, len(emotionNames))
	for _, name := range emotionNames {
		emotions[name] = &genai.Schema{Type: genai.TypeNumber}
	}
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"tone":        {Type: genai.TypeString, Enum: tones},
			"confidence":  {Type: genai.TypeNumber},
			"explanation": {Type: genai.TypeString},
			"emotions": {
				Type:       genai.TypeObject,
				Properties: emotions,
				Required:   emotionNames,
			},
		},
		Required: []string{"tone", "confidence", "explanation", "emotions"},
	}
}

func (a *Analyzer) Analyze(ctx context.Context, text string) (model.Analysis, error) {
	resp, err := a.models.GenerateContent(
		ctx,
		a.model,
		genai.Text(buildPrompt(text)),
		&genai.GenerateContentConfig{
			Temperature:      genai.Ptr[float32](0),
			CandidateCount:   1,
			ResponseMIMEType: "application/json",
			ResponseSchema:   outputSchema(),
		},
	)
	if err != nil {
		return model.Analysis{}, classifyErr(err)
	}
	if resp == nil {
		return model.Analysis{}, &engine.TransientError{Err: errors.New("gemini: empty response")}
	}

	res, err := parseResponse(resp.Text())
	if err != nil {
		return model.Analysis{}, err
	}
	return engine.Finish(res, a.sensitivity), nil
}

func buildPrompt(text string) string {
	return strings.TrimSpace(`
You classify the emotional tone of a single email body.

Return ONLY a JSON object with:
- tone: one of calm_professional, warm_positive, urgent_tense, apologetic_anxious, neutral_automated, sad_concerned
- confidence: number between 0 and 1
- explanation: one short sentence
- emotions: object with urgency, warmth, anxiety, concern, professionalism, stress, each between 0 and 1

Email body:
` + text)
}

func parseResponse(raw string) (model.Analysis, error) {
	var parsed responseSchema
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &parsed); err != nil {
		return model.Analysis{}, fmt.Errorf("gemini: parse structured json: %w", err)
	}

	tone := strings.TrimSpace(parsed.Tone)
	known := false
	for _, t := range tones {
		if t == tone {
			known = true
			break
		}
	}
	if !known {
		return model.Analysis{}, fmt.Errorf("gemini: unknown tone %q", tone)
	}

	emotions := make([]model.Emotion, 0, len(emotionNames))
	for _, name := range emotionNames {
		v := engine.Clamp01(parsed.Emotions[name])
		if v > 0.06 {
			emotions = append(emotions, model.Emotion{Name: name, Intensity: v})
		}
	}

	return model.Analysis{
		Tone:        tone,
		Confidence:  engine.Clamp01(parsed.Confidence),
		Explanation: strings.TrimSpace(parsed.Explanation),
		Emotions:    emotions,
	}, nil
}

func classifyErr(err error) error {
	// Wrap transient failures so engine.WithRetry backs off and retries.
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &engine.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &engine.TransientError{Err: err}
	}
	return err
}
