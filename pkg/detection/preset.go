package detection

import (
	"fmt"
	"sort"
	"strings"

	"github.com/menta2k/phrase-grounder/pkg/engine"
)

// StageConfig controls one generation stage
type StageConfig struct {
	Task         engine.Task `json:"task"`
	MaxNewTokens int         `json:"max_new_tokens"`
	DoSample     bool        `json:"do_sample"`
}

// Preset bundles everything that differs between supported checkpoints
type Preset struct {
	Name        string      `json:"name"`
	DisplayName string      `json:"display_name"`
	ModelID     string      `json:"model_id"`
	NumBeams    int         `json:"num_beams"`
	Caption     StageConfig `json:"caption"`
	Grounding   StageConfig `json:"grounding"`
	// HalfOnMPS selects float16 on Apple GPUs
	HalfOnMPS bool `json:"half_on_mps"`
}

var (
	// Florence2Large matches microsoft/Florence-2-large with deterministic decoding
	Florence2Large = Preset{
		Name:        "florence-2-large",
		DisplayName: "Florence-2",
		ModelID:     "microsoft/Florence-2-large",
		NumBeams:    3,
		Caption:     StageConfig{Task: engine.TaskMoreDetailedCaption, MaxNewTokens: 1024},
		Grounding:   StageConfig{Task: engine.TaskPhraseGrounding, MaxNewTokens: 1024},
		HalfOnMPS:   true,
	}

	// CogFlorence22Large samples its captions and uses a shorter grounding budget
	CogFlorence22Large = Preset{
		Name:        "cogflorence-2.2-large",
		DisplayName: "CogFlorence-2.2",
		ModelID:     "thwri/CogFlorence-2.2-Large",
		NumBeams:    3,
		Caption:     StageConfig{Task: engine.TaskMoreDetailedCaption, MaxNewTokens: 1024, DoSample: true},
		Grounding:   StageConfig{Task: engine.TaskPhraseGrounding, MaxNewTokens: 512},
	}

	presets = map[string]Preset{
		Florence2Large.Name:     Florence2Large,
		CogFlorence22Large.Name: CogFlorence22Large,
	}
)

// LookupPreset returns a preset by name
func LookupPreset(name string) (Preset, error) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Preset{}, fmt.Errorf("unknown preset %q (available: %s)", name, strings.Join(PresetNames(), ", "))
	}
	return p, nil
}

// PresetNames lists the registered preset names in sorted order
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Validate checks that a preset can drive both stages
func (p Preset) Validate() error {
	if p.NumBeams < 1 {
		return fmt.Errorf("preset %s: num_beams must be positive", p.Name)
	}
	if p.Caption.Task == "" || p.Grounding.Task == "" {
		return fmt.Errorf("preset %s: both stages need a task tag", p.Name)
	}
	if p.Caption.MaxNewTokens < 1 || p.Grounding.MaxNewTokens < 1 {
		return fmt.Errorf("preset %s: max_new_tokens must be positive", p.Name)
	}
	if p.Grounding.DoSample {
		return fmt.Errorf("preset %s: grounding must use deterministic decoding", p.Name)
	}
	return nil
}
