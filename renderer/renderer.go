// Package renderer fills step templates with lead attributes, sequence tokens
// and optional oracle-provided tokens.
package renderer

import (
	"bytes"
	"context"
	"fmt"
	"text/template"

	"dripline/channels"
	"dripline/models"

	"github.com/Masterminds/sprig"
)

// ContentOracle supplies extra tokens for a lead and step, e.g. generated
// opening lines. It is optional.
type ContentOracle interface {
	Tokens(ctx context.Context, lead *models.Lead, step *models.StepDefinition) (map[string]string, error)
}

// Renderer is stateless apart from its function map and oracle.
type Renderer struct {
	FuncMap template.FuncMap
	Oracle  ContentOracle
}

// New creates a renderer with the sprig text function map minus anything that
// reads the process environment or filesystem paths.
func New(oracle ContentOracle) *Renderer {
	f := sprig.TxtFuncMap()

	for _, fun := range []string{"env", "expandenv", "base", "dir", "clean", "ext", "isAbs"} {
		delete(f, fun)
	}

	return &Renderer{FuncMap: f, Oracle: oracle}
}

// Data builds the template values for a lead. Sequence tokens fill gaps the
// lead leaves; oracle tokens fill what is still missing.
func (r *Renderer) Data(ctx context.Context, lead *models.Lead, seq *models.SequenceDefinition, step *models.StepDefinition) (map[string]string, error) {
	data := lead.Attributes()
	if seq != nil {
		for k, v := range seq.Tokens {
			if _, ok := data[k]; !ok {
				data[k] = v
			}
		}
	}
	if r.Oracle != nil {
		extra, err := r.Oracle.Tokens(ctx, lead, step)
		if err != nil {
			return nil, fmt.Errorf("content oracle: %w", err)
		}
		for k, v := range extra {
			if _, ok := data[k]; !ok {
				data[k] = v
			}
		}
	}
	return data, nil
}

// Render produces the content for one step. The subject is only rendered for
// channels that carry one. Tokens absent for a lead render as empty strings.
func (r *Renderer) Render(ctx context.Context, lead *models.Lead, seq *models.SequenceDefinition, step *models.StepDefinition) (channels.Content, error) {
	data, err := r.Data(ctx, lead, seq, step)
	if err != nil {
		return channels.Content{}, err
	}

	content := channels.Content{Channel: step.Channel}
	name := fmt.Sprintf("sequence-%d-step-%d", step.SequenceID, step.Position)

	if step.Channel.SupportsSubject() && step.Subject != "" {
		if content.Subject, err = r.execute(name+"-subject", step.Subject, data); err != nil {
			return channels.Content{}, err
		}
	}
	if content.Body, err = r.execute(name+"-body", step.Body, data); err != nil {
		return channels.Content{}, err
	}
	return content, nil
}

// Check parses a template without executing it, for authoring-time validation.
func (r *Renderer) Check(tpl string) error {
	_, err := template.New("check").Funcs(r.FuncMap).Parse(tpl)
	return err
}

func (r *Renderer) execute(name, tpl string, data map[string]string) (string, error) {
	var buf bytes.Buffer
	t := template.New(name).Funcs(r.FuncMap).Option("missingkey=zero")

	if _, err := t.Parse(tpl); err != nil {
		return "", fmt.Errorf("error parsing template %s: %w", name, err)
	}
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("error rendering template %s: %w", name, err)
	}
	return buf.String(), nil
}
