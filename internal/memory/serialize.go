package memory

import (
	"fmt"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// Serialize renders the memory back into its on-disk form: a YAML header
// fenced by --- lines followed by the markdown body. Parsing the result
// yields the same memory up to whitespace normalization of the body.
func (m *MemoryFile) Serialize() ([]byte, error) {
	head, err := yaml.Marshal(&m.Header)
	if err != nil {
		return nil, fmt.Errorf("marshalling header: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(head)
	b.WriteString("---\n\n")
	b.WriteString(strings.TrimRight(m.Body, "\n"))
	b.WriteString("\n")
	return []byte(b.String()), nil
}
