package mockagent

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/satriahrh/callbridge/domain"
)

// Step is one scripted envelope as written in a YAML script file
type Step struct {
	Type    domain.MessageType `yaml:"type"`
	Payload map[string]any     `yaml:"payload"`
}

// ScriptFile is the YAML form of a Script
type ScriptFile struct {
	EchoAudio bool          `yaml:"echo_audio"`
	StepDelay time.Duration `yaml:"step_delay"`
	Steps     []Step        `yaml:"steps"`
}

// LoadScript reads a script from a YAML file
func LoadScript(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, fmt.Errorf("read script: %w", err)
	}
	return ParseScript(data)
}

// ParseScript decodes a YAML script
func ParseScript(data []byte) (Script, error) {
	var file ScriptFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return Script{}, fmt.Errorf("parse script: %w", err)
	}

	script := Script{EchoAudio: file.EchoAudio, StepDelay: file.StepDelay}
	for i, step := range file.Steps {
		if !step.Type.IsKnown() {
			return Script{}, fmt.Errorf("step %d: unknown message type %q", i, step.Type)
		}
		payload := step.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		env, err := domain.NewEnvelope(step.Type, "", payload)
		if err != nil {
			return Script{}, fmt.Errorf("step %d: %w", i, err)
		}
		script.OnGreeting = append(script.OnGreeting, env)
	}
	return script, nil
}

// DefaultScript is the demo conversation: collect a name, hand off, end.
func DefaultScript() Script {
	return Script{
		EchoAudio: true,
		StepDelay: 500 * time.Millisecond,
		OnGreeting: []domain.Envelope{
			DataCollection("full_name", "Asha Rao", "spotlight"),
			Handoff("spotlight", "carDealer", "interested in a test drive"),
		},
	}
}

func DataCollection(pointType string, value any, agent string) domain.Envelope {
	return must(domain.NewEnvelope(domain.MessageTypeDataCollection, "", domain.DataCollectionPayload{
		Type:      pointType,
		Value:     value,
		Agent:     agent,
		Timestamp: domain.EventTime(time.Now()),
	}))
}

func Handoff(from, to, reason string) domain.Envelope {
	return must(domain.NewEnvelope(domain.MessageTypeHandoff, "", domain.HandoffPayload{
		From:   from,
		To:     to,
		Reason: reason,
	}))
}

func SessionEnd(reason string) domain.Envelope {
	return must(domain.NewEnvelope(domain.MessageTypeSessionEnd, "", domain.SessionEndPayload{Reason: reason}))
}

func Text(text string) domain.Envelope {
	return must(domain.NewEnvelope(domain.MessageTypeText, "", domain.TextPayload{Text: text}))
}

func must(env domain.Envelope, err error) domain.Envelope {
	if err != nil {
		panic(err)
	}
	return env
}
