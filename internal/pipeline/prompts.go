package pipeline

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"text/template"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/thesayf/deployai-sub003/internal/model"
)

//go:embed prompts.yaml
var promptsYAML []byte

type promptPair struct {
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

type promptSet struct {
	Stage1 promptPair `yaml:"stage1"`
	Stage2 promptPair `yaml:"stage2"`
	Stage3 promptPair `yaml:"stage3"`
	Stage4 promptPair `yaml:"stage4"`
}

var prompts = mustLoadPrompts()

func mustLoadPrompts() promptSet {
	var ps promptSet
	if err := yaml.Unmarshal(promptsYAML, &ps); err != nil {
		panic(eris.Wrap(err, "pipeline: parse prompts.yaml"))
	}
	return ps
}

func (ps promptSet) stage(n int) promptPair {
	switch n {
	case 1:
		return ps.Stage1
	case 2:
		return ps.Stage2
	case 3:
		return ps.Stage3
	default:
		return ps.Stage4
	}
}

// promptData carries every field the stage templates reference. encoding/json
// sorts map keys, so AnswersJSON is stable for identical responses and the
// rendered prompt is deterministic.
type promptData struct {
	Industry    string
	CompanySize string
	AnswersJSON string
	Stage1JSON  string
	Stage2JSON  string
	Stage3JSON  string
}

// promptForStage renders the system and user prompts for stage n of the
// report. Stages 2-4 require their upstream outputs to be present.
func promptForStage(n int, r *model.Report) (system, user string, err error) {
	if n < 1 || n > 4 {
		return "", "", eris.Errorf("pipeline: invalid stage %d", n)
	}
	for upstream := 1; upstream < n; upstream++ {
		// Stage 4 reads stages 1 and 3; stage 2's raw candidate list is
		// superseded by the curated output, but it must still exist for the
		// pipeline to have advanced this far.
		if !r.HasStage(upstream) {
			return "", "", eris.Errorf("pipeline: stage %d requires stage %d output", n, upstream)
		}
	}

	answersJSON, err := json.MarshalIndent(r.Responses.Answers, "", "  ")
	if err != nil {
		return "", "", eris.Wrap(err, "pipeline: marshal answers")
	}

	data := promptData{
		Industry:    r.Responses.Industry,
		CompanySize: r.Responses.CompanySize,
		AnswersJSON: string(answersJSON),
		Stage1JSON:  string(r.Stage1Output),
		Stage2JSON:  string(r.Stage2Output),
		Stage3JSON:  string(r.Stage3Output),
	}

	pair := prompts.stage(n)
	user, err = renderPrompt(pair.User, data)
	if err != nil {
		return "", "", eris.Wrapf(err, "pipeline: render stage %d prompt", n)
	}
	return pair.System, user, nil
}

func renderPrompt(tmpl string, data promptData) (string, error) {
	t, err := template.New("prompt").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
