package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/brigade-ai/brigade/pkg/models"
)

// Capability definition files carry a YAML header between "---" delimiter
// lines, followed by free-text instructions and optional "## Memory" and
// "## Error Log" sections. The header is parsed into a typed struct with
// explicit defaults; the body sections are opaque text and are never
// interpreted here.

const (
	headerDelimiter = "---"
	memoryHeading   = "## Memory"
	errorLogHeading = "## Error Log"
)

// header is the typed form of the structured metadata block.
type header struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Category    string   `yaml:"category"`
	Deployment  string   `yaml:"deployment"`
	Triggers    []string `yaml:"triggers"`
	Requires    []string `yaml:"requires"`
}

var knownHeaderFields = map[string]bool{
	"name": true, "description": true, "category": true,
	"deployment": true, "triggers": true, "requires": true,
}

// parseSummary parses only the metadata header of a definition file.
// fallbackName is used (and a warning logged) when the header omits name.
func parseSummary(fallbackName string, data []byte) (models.CapabilitySummary, error) {
	head, _, err := splitHeader(data)
	if err != nil {
		return models.CapabilitySummary{}, err
	}
	return summaryFromHeader(fallbackName, head)
}

// parseDefinition parses the full definition: header plus instruction body
// and the opaque memory and error-log sections.
func parseDefinition(fallbackName string, data []byte) (models.CapabilityDefinition, error) {
	head, body, err := splitHeader(data)
	if err != nil {
		return models.CapabilityDefinition{}, err
	}
	summary, err := summaryFromHeader(fallbackName, head)
	if err != nil {
		return models.CapabilityDefinition{}, err
	}

	instructions, memory, errorLog := splitBody(body)
	return models.CapabilityDefinition{
		CapabilitySummary: summary,
		Instructions:      instructions,
		Memory:            memory,
		ErrorLog:          errorLog,
		LoadedAt:          time.Now().UTC(),
	}, nil
}

// splitHeader separates the YAML header block from the body.
func splitHeader(data []byte) (head, body string, err error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, headerDelimiter+"\n") {
		return "", "", fmt.Errorf("missing metadata header")
	}
	rest := text[len(headerDelimiter)+1:]
	idx := strings.Index(rest, "\n"+headerDelimiter)
	if idx < 0 {
		return "", "", fmt.Errorf("unterminated metadata header")
	}
	head = rest[:idx]
	body = rest[idx+len(headerDelimiter)+1:]
	body = strings.TrimPrefix(body, "\n")
	return head, body, nil
}

func summaryFromHeader(fallbackName, head string) (models.CapabilitySummary, error) {
	// First pass: surface unknown fields instead of silently dropping them.
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(head), &raw); err != nil {
		return models.CapabilitySummary{}, fmt.Errorf("malformed metadata header: %w", err)
	}
	for field := range raw {
		if !knownHeaderFields[field] {
			log.Warn().Str("field", field).Str("capability", fallbackName).Msg("Unknown metadata field ignored")
		}
	}

	var h header
	if err := yaml.Unmarshal([]byte(head), &h); err != nil {
		return models.CapabilitySummary{}, fmt.Errorf("malformed metadata header: %w", err)
	}

	if h.Name == "" {
		log.Warn().Str("fallback", fallbackName).Msg("Definition header missing name, using filename")
		h.Name = fallbackName
	}

	deployment := models.Deployment(h.Deployment)
	if h.Deployment == "" {
		deployment = models.DeployBoth
	} else if !deployment.Valid() {
		log.Warn().
			Str("capability", h.Name).
			Str("deployment", h.Deployment).
			Msg("Unknown deployment target, defaulting to both")
		deployment = models.DeployBoth
	}

	triggers := make([]string, 0, len(h.Triggers))
	for _, tr := range h.Triggers {
		if tr = strings.ToLower(strings.TrimSpace(tr)); tr != "" {
			triggers = append(triggers, tr)
		}
	}

	return models.CapabilitySummary{
		Name:        h.Name,
		Description: h.Description,
		Category:    h.Category,
		Deployment:  deployment,
		Triggers:    triggers,
		Requires:    h.Requires,
	}, nil
}

// splitBody carves the instruction text and the opaque accumulated
// sections out of the definition body. Section contents are returned
// verbatim; their structure is the capability author's business.
func splitBody(body string) (instructions, memory, errorLog string) {
	instructions = body

	if idx := strings.Index(instructions, "\n"+errorLogHeading); idx >= 0 {
		errorLog = strings.TrimSpace(instructions[idx+len(errorLogHeading)+1:])
		instructions = instructions[:idx]
	} else if strings.HasPrefix(instructions, errorLogHeading) {
		errorLog = strings.TrimSpace(instructions[len(errorLogHeading):])
		instructions = ""
	}

	if idx := strings.Index(instructions, "\n"+memoryHeading); idx >= 0 {
		memory = strings.TrimSpace(instructions[idx+len(memoryHeading)+1:])
		instructions = instructions[:idx]
	} else if strings.HasPrefix(instructions, memoryHeading) {
		memory = strings.TrimSpace(instructions[len(memoryHeading):])
		instructions = ""
	}

	return strings.TrimSpace(instructions), memory, errorLog
}

// renderDefinition serializes a definition back to the file format. Used
// by the explicit write path when an approved proposal updates a
// capability's instructions.
func renderDefinition(def *models.CapabilityDefinition) []byte {
	var b strings.Builder
	b.WriteString(headerDelimiter + "\n")

	h := header{
		Name:        def.Name,
		Description: def.Description,
		Category:    def.Category,
		Deployment:  string(def.Deployment),
		Triggers:    def.Triggers,
		Requires:    def.Requires,
	}
	out, _ := yaml.Marshal(&h)
	b.Write(out)
	b.WriteString(headerDelimiter + "\n\n")
	b.WriteString(strings.TrimSpace(def.Instructions))
	b.WriteString("\n")

	if def.Memory != "" {
		b.WriteString("\n" + memoryHeading + "\n\n" + def.Memory + "\n")
	}
	if def.ErrorLog != "" {
		b.WriteString("\n" + errorLogHeading + "\n\n" + def.ErrorLog + "\n")
	}
	return []byte(b.String())
}
