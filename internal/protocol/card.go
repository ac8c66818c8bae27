package protocol

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentProvider identifies the organization behind an agent
type AgentProvider struct {
	Organization string `json:"organization"`
	URL          string `json:"url"`
}

// AgentCapabilities declares the optional protocol features an agent supports
type AgentCapabilities struct {
	Streaming              bool `json:"streaming,omitempty"`
	PushNotifications      bool `json:"push_notifications,omitempty"`
	StateTransitionHistory bool `json:"state_transition_history,omitempty"`
}

// AgentSkill describes one capability an agent advertises. Input and
// output modes default to text.
type AgentSkill struct {
	ID          string                   `json:"id" yaml:"id"`
	Name        string                   `json:"name" yaml:"name"`
	Description string                   `json:"description" yaml:"description"`
	InputModes  []string                 `json:"input_modes" yaml:"input_modes"`
	OutputModes []string                 `json:"output_modes" yaml:"output_modes"`
	Examples    []map[string]interface{} `json:"examples,omitempty" yaml:"examples,omitempty"`
}

// AuthenticationScheme describes one way to authenticate against the agent
type AuthenticationScheme struct {
	Scheme      string `json:"scheme"`
	Description string `json:"description,omitempty"`
}

// AgentCard is the discovery document served at
// /.well-known/agent-card.json
type AgentCard struct {
	Name           string                 `json:"name"`
	Description    string                 `json:"description"`
	URL            string                 `json:"url"`
	Provider       AgentProvider          `json:"provider"`
	Capabilities   AgentCapabilities      `json:"capabilities"`
	Authentication []AuthenticationScheme `json:"authentication"`
	Skills         []AgentSkill           `json:"skills"`
	Version        string                 `json:"version"`
}

// RequiresAuth reports whether the card declares any authentication scheme
func (c *AgentCard) RequiresAuth() bool {
	return c != nil && len(c.Authentication) > 0
}

// CardBuilder assembles an AgentCard fluently. Build validates that
// name, description, URL and provider were set.
type CardBuilder struct {
	card AgentCard
}

// NewCardBuilder creates a builder with the card format version preset
func NewCardBuilder() *CardBuilder {
	return &CardBuilder{card: AgentCard{Version: "1.0"}}
}

// Name sets the agent name
func (b *CardBuilder) Name(name string) *CardBuilder {
	b.card.Name = name
	return b
}

// Description sets the agent description
func (b *CardBuilder) Description(description string) *CardBuilder {
	b.card.Description = description
	return b
}

// URL sets the base URL where the server is reachable
func (b *CardBuilder) URL(url string) *CardBuilder {
	b.card.URL = url
	return b
}

// Provider sets the providing organization
func (b *CardBuilder) Provider(organization, url string) *CardBuilder {
	b.card.Provider = AgentProvider{Organization: organization, URL: url}
	return b
}

// Version overrides the card format version
func (b *CardBuilder) Version(version string) *CardBuilder {
	b.card.Version = version
	return b
}

// WithStreaming enables the SSE streaming capability
func (b *CardBuilder) WithStreaming() *CardBuilder {
	b.card.Capabilities.Streaming = true
	return b
}

// WithPushNotifications enables the push notification capability
func (b *CardBuilder) WithPushNotifications() *CardBuilder {
	b.card.Capabilities.PushNotifications = true
	return b
}

// WithStateHistory enables the state transition history capability
func (b *CardBuilder) WithStateHistory() *CardBuilder {
	b.card.Capabilities.StateTransitionHistory = true
	return b
}

// WithAuthentication adds an authentication scheme
func (b *CardBuilder) WithAuthentication(scheme, description string) *CardBuilder {
	b.card.Authentication = append(b.card.Authentication, AuthenticationScheme{
		Scheme:      scheme,
		Description: description,
	})
	return b
}

// WithSkill adds a text-in text-out skill
func (b *CardBuilder) WithSkill(id, name, description string) *CardBuilder {
	return b.AddSkill(AgentSkill{
		ID:          id,
		Name:        name,
		Description: description,
	})
}

// AddSkill adds a fully specified skill, defaulting empty modes to text
func (b *CardBuilder) AddSkill(skill AgentSkill) *CardBuilder {
	if len(skill.InputModes) == 0 {
		skill.InputModes = []string{"text"}
	}
	if len(skill.OutputModes) == 0 {
		skill.OutputModes = []string{"text"}
	}
	b.card.Skills = append(b.card.Skills, skill)
	return b
}

// Build validates and returns the card
func (b *CardBuilder) Build() (*AgentCard, error) {
	if b.card.Name == "" || b.card.Description == "" || b.card.URL == "" ||
		b.card.Provider.Organization == "" {
		return nil, fmt.Errorf("agent card requires name, description, url and provider")
	}
	card := b.card
	if card.Authentication == nil {
		card.Authentication = []AuthenticationScheme{}
	}
	if card.Skills == nil {
		card.Skills = []AgentSkill{}
	}
	return &card, nil
}

// skillsFile is the YAML shape of an agent_card.yaml skills document
type skillsFile struct {
	Skills []AgentSkill `yaml:"skills"`
}

// LoadSkillsFile reads extra skills from a YAML file. Each skill needs
// id, name and description; modes default to text.
func LoadSkillsFile(path string) ([]AgentSkill, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read skills file: %w", err)
	}

	var doc skillsFile
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse skills file %s: %w", path, err)
	}

	for i := range doc.Skills {
		if doc.Skills[i].ID == "" || doc.Skills[i].Name == "" {
			return nil, fmt.Errorf("skills file %s: skill %d missing id or name", path, i)
		}
		if len(doc.Skills[i].InputModes) == 0 {
			doc.Skills[i].InputModes = []string{"text"}
		}
		if len(doc.Skills[i].OutputModes) == 0 {
			doc.Skills[i].OutputModes = []string{"text"}
		}
	}
	return doc.Skills, nil
}
