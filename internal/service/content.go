package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	appErrors "github.com/unclebandit/groupcast/internal/errors"
	"github.com/unclebandit/groupcast/internal/model"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func contentValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ValidateContent checks that c carries the fields its type requires.
// Content with no type but with text is treated as text.
func ValidateContent(c *model.Content) error {
	if c == nil {
		return appErrors.NewInvalidContent("content is required")
	}
	if c.Type == "" && strings.TrimSpace(c.Text) != "" {
		c.Type = model.ContentText
	}

	err := contentValidator().Struct(trimmed(*c))
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return appErrors.NewInvalidContent(err.Error())
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field()))
	}
	if c.Type == "" {
		return appErrors.NewInvalidContent("content type is required", fields...)
	}
	return appErrors.NewInvalidContent("missing or invalid fields for "+string(c.Type), fields...)
}

// trimmed blanks out whitespace-only fields so required rules reject them.
func trimmed(c model.Content) model.Content {
	c.Text = strings.TrimSpace(c.Text)
	c.URL = strings.TrimSpace(c.URL)
	c.Caption = strings.TrimSpace(c.Caption)
	c.FileName = strings.TrimSpace(c.FileName)
	c.Name = strings.TrimSpace(c.Name)
	c.Phone = strings.TrimSpace(c.Phone)
	return c
}

// Fingerprint identifies content for delivery history. Identical payloads share it.
func Fingerprint(c model.Content) string {
	body, _ := json.Marshal(c)
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:8])
}
