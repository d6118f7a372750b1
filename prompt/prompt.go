// Package prompt renders the structured prompts sent to the toponym and
// disambiguation models. A prompt template carries {instruction}, {input} and
// {response} placeholders plus a literal response token; the model's answer is
// expected to begin after that token.
package prompt

import (
	"fmt"
	"regexp"
	"strings"
)

// TemplateError reports a malformed template or a missing substitution field.
// It indicates a configuration bug, not a runtime condition worth retrying.
type TemplateError struct {
	Template string
	Reason   string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("prompt template %q: %s", e.Template, e.Reason)
}

const (
	instructionField = "{instruction}"
	inputField       = "{input}"
	responseField    = "{response}"
)

// Template is the prompt skeleton shared by every task. ResponseToken must
// occur exactly once; instruction and input are substituted strictly before it.
type Template struct {
	Text          string
	ResponseToken string
}

// Validate checks the anchor and placeholder layout without rendering.
func (t Template) Validate() error {
	if strings.TrimSpace(t.ResponseToken) == "" {
		return &TemplateError{Template: "prompt", Reason: "response token is empty"}
	}
	switch strings.Count(t.Text, t.ResponseToken) {
	case 0:
		return &TemplateError{Template: "prompt", Reason: fmt.Sprintf("missing response anchor %q", t.ResponseToken)}
	case 1:
	default:
		return &TemplateError{Template: "prompt", Reason: fmt.Sprintf("response anchor %q occurs more than once", t.ResponseToken)}
	}
	anchor := strings.Index(t.Text, t.ResponseToken)
	for _, field := range []string{instructionField, inputField} {
		idx := strings.Index(t.Text, field)
		if idx < 0 {
			return &TemplateError{Template: "prompt", Reason: fmt.Sprintf("missing %s placeholder", field)}
		}
		if idx > anchor {
			return &TemplateError{Template: "prompt", Reason: fmt.Sprintf("%s placeholder appears after the response anchor", field)}
		}
	}
	return nil
}

// Build renders the final prompt. The response slot is left empty: it is only
// populated during fine-tuning, which this pipeline does not perform.
func (t Template) Build(instruction, input string) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}
	out := strings.Replace(t.Text, instructionField, instruction, 1)
	out = strings.Replace(out, inputField, input, 1)
	out = strings.Replace(out, responseField, "", 1)
	return out, nil
}

var fieldPattern = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// Fill substitutes every {field} occurrence in a task input template. A field
// referenced by the template but absent from vars is a TemplateError.
func Fill(template string, vars map[string]string) (string, error) {
	var missing []string
	out := fieldPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := m[1 : len(m)-1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		return "", &TemplateError{Template: "input", Reason: "missing fields: " + strings.Join(missing, ", ")}
	}
	return out, nil
}
