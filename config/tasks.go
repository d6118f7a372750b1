package config

import (
	"fmt"
	"strings"

	"geollama/prompt"
)

// TaskConfig captures everything needed to prompt one fine-tuned model: the
// instruction, an optional input template, the surrounding prompt template
// with its response-token anchor, and the end-of-sequence marker to strip.
type TaskConfig struct {
	Instruction    string `json:"instruction" yaml:"instruction"`
	InputTemplate  string `json:"input_template" yaml:"input_template"`
	PromptTemplate string `json:"prompt_template" yaml:"prompt_template"`
	ResponseToken  string `json:"response_token" yaml:"response_token"`
	EOSToken       string `json:"eos_token" yaml:"eos_token"`
}

// Tasks holds the two task configurations. Fields can be customized per task
// under the `tasks:` key of the config file; anything left empty keeps its
// baked-in default.
type Tasks struct {
	Toponym TaskConfig `json:"toponym" yaml:"toponym"`
	RAG     TaskConfig `json:"rag" yaml:"rag"`
}

const defaultPromptTemplate = `Below is an instruction that describes a task, paired with an input that provides further context. Write a response that appropriately completes the request.

### Instruction:
{instruction}

### Input:
{input}

### Response:
{response}`

const defaultToponymInstruction = `You are an expert geographer tasked with finding place names in text. Read the input text and identify every toponym it mentions: place names such as cities, towns, regions, countries, rivers and mountains. Return a JSON object of the form {"toponyms": ["<name>", ...]} listing each mention in order of appearance, using the exact surface form from the text. If the text mentions no places, return {"toponyms": []}.`

const defaultRAGInstruction = `You are an expert geographer resolving a place name to coordinates. You are given a text, one toponym mentioned in it, and a list of candidate locations retrieved from a gazetteer. Using the surrounding text as context, select the candidate that the toponym refers to and return a JSON object of the form {"name": "<name>", "latitude": <lat>, "longitude": <lon>, "RAG_estimated": false} with the candidate's exact coordinates. Only if no candidate fits, estimate the coordinates yourself and set "RAG_estimated": true.`

const defaultRAGInputTemplate = `Text: {text}
Toponym: {toponym}
Matches: {matches}`

// DefaultTasks returns the baked-in task configurations.
func DefaultTasks() Tasks {
	return Tasks{
		Toponym: TaskConfig{
			Instruction:    defaultToponymInstruction,
			PromptTemplate: defaultPromptTemplate,
			ResponseToken:  "### Response:",
			EOSToken:       "</s>",
		},
		RAG: TaskConfig{
			Instruction:    defaultRAGInstruction,
			InputTemplate:  defaultRAGInputTemplate,
			PromptTemplate: defaultPromptTemplate,
			ResponseToken:  "### Response:",
			EOSToken:       "</s>",
		},
	}
}

// MergeTasks overlays non-empty override fields onto the base tasks.
func MergeTasks(base, override Tasks) Tasks {
	base.Toponym = mergeTask(base.Toponym, override.Toponym)
	base.RAG = mergeTask(base.RAG, override.RAG)
	return base
}

func mergeTask(base, override TaskConfig) TaskConfig {
	if strings.TrimSpace(override.Instruction) != "" {
		base.Instruction = override.Instruction
	}
	if strings.TrimSpace(override.InputTemplate) != "" {
		base.InputTemplate = override.InputTemplate
	}
	if strings.TrimSpace(override.PromptTemplate) != "" {
		base.PromptTemplate = override.PromptTemplate
	}
	if strings.TrimSpace(override.ResponseToken) != "" {
		base.ResponseToken = override.ResponseToken
	}
	if strings.TrimSpace(override.EOSToken) != "" {
		base.EOSToken = override.EOSToken
	}
	return base
}

// Validate checks that both prompt templates carry a usable anchor.
func (t Tasks) Validate() error {
	for name, tc := range map[string]TaskConfig{"toponym": t.Toponym, "rag": t.RAG} {
		tmpl := prompt.Template{Text: tc.PromptTemplate, ResponseToken: tc.ResponseToken}
		if err := tmpl.Validate(); err != nil {
			return fmt.Errorf("tasks.%s: %w", name, err)
		}
		if strings.TrimSpace(tc.Instruction) == "" {
			return fmt.Errorf("tasks.%s: instruction is required", name)
		}
	}
	return nil
}
