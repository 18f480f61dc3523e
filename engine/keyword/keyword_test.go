package keyword

import (
	"context"
	"testing"

	"github.com/dhcgn/mbox-mood/engine"
	"github.com/dhcgn/mbox-mood/model"
)

func TestAnalyze(t *testing.T) {
	a, err := New(engine.Options{Sensitivity: engine.DefaultSensitivity})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	tests := []struct {
		text      string
		wantTone  string
		wantTag   string
		wantAlert bool
	}{
		{text: "Need this ASAP", wantTone: model.ToneUrgentTense, wantTag: "urgency", wantAlert: true},
		{text: "So sorry about that", wantTone: model.ToneApologeticAnxious, wantTag: "remorse", wantAlert: true},
		{text: "Thanks a lot!", wantTone: model.ToneWarmPositive, wantTag: "warmth"},
		{text: "Meeting at 3pm", wantTone: model.ToneNeutralAutomated, wantTag: model.TagNeutral},
	}

	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			res, err := a.Analyze(context.Background(), tt.text)
			if err != nil {
				t.Fatalf("Analyze() error = %v", err)
			}
			if res.Tone != tt.wantTone {
				t.Errorf("Tone = %q, want %q", res.Tone, tt.wantTone)
			}
			if res.TopEmotion != tt.wantTag {
				t.Errorf("TopEmotion = %q, want %q", res.TopEmotion, tt.wantTag)
			}
			if res.Alert != tt.wantAlert {
				t.Errorf("Alert = %v, want %v", res.Alert, tt.wantAlert)
			}
		})
	}
}
