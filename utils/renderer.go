package utils

import (
	"bytes"
	"fmt"
	"html/template"
	texttemplate "text/template"

	"cadence/models"
)

// Renderer is the content service boundary: it turns step templates plus
// lead fields into a concrete subject and body.
type Renderer interface {
	Render(subjectTemplate, bodyTemplate string, lead *models.Lead) (subject, body string, err error)
}

// TemplateRenderer substitutes lead fields into Go templates. Subjects are
// plain text, bodies are HTML-escaped.
type TemplateRenderer struct{}

func NewTemplateRenderer() *TemplateRenderer {
	return &TemplateRenderer{}
}

type leadFields struct {
	Email     string
	FirstName string
	LastName  string
	FullName  string
	Company   string
	Position  string
}

func (tr *TemplateRenderer) Render(subjectTemplate, bodyTemplate string, lead *models.Lead) (string, string, error) {
	fields := leadFields{
		Email:     lead.Email,
		FirstName: lead.FirstName,
		LastName:  lead.LastName,
		FullName:  lead.FullName(),
		Company:   lead.Company,
		Position:  lead.Position,
	}

	subjectTmpl, err := texttemplate.New("subject").Parse(subjectTemplate)
	if err != nil {
		return "", "", fmt.Errorf("parse subject template: %w", err)
	}
	var subject bytes.Buffer
	if err := subjectTmpl.Execute(&subject, fields); err != nil {
		return "", "", fmt.Errorf("render subject: %w", err)
	}

	bodyTmpl, err := template.New("body").Parse(bodyTemplate)
	if err != nil {
		return "", "", fmt.Errorf("parse body template: %w", err)
	}
	var body bytes.Buffer
	if err := bodyTmpl.Execute(&body, fields); err != nil {
		return "", "", fmt.Errorf("render body: %w", err)
	}

	return subject.String(), body.String(), nil
}
