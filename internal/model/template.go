package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Template struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Body      string    `json:"body" db:"body"`
	MediaURL  string    `json:"media_url,omitempty" db:"media_url"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Render substitutes {{key}} placeholders with contact values. Unknown
// placeholders are left in place so a bad template is visible in the output
// rather than silently blanked.
func (t *Template) Render(contact *Contact) string {
	out := t.Body
	out = strings.ReplaceAll(out, "{{name}}", contact.Name)
	out = strings.ReplaceAll(out, "{{phone}}", contact.Phone)
	for k, v := range contact.Variables {
		out = strings.ReplaceAll(out, "{{"+k+"}}", v)
	}
	return out
}
