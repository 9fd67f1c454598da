// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/unclebandit/groupcast/internal/model"
)

func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// RenderContent fills the {group} placeholder in text and caption for dest.
func RenderContent(c model.Content, dest model.Destination) model.Content {
	name := dest.DisplayName
	if name == "" {
		name = dest.ID
	}
	data := map[string]string{"group": name}
	c.Text = RenderTemplate(c.Text, data)
	c.Caption = RenderTemplate(c.Caption, data)
	return c
}
