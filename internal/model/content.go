// internal/model/content.go
package model

type ContentType string

const (
	ContentText     ContentType = "text"
	ContentImage    ContentType = "image"
	ContentVideo    ContentType = "video"
	ContentDocument ContentType = "document"
	ContentContact  ContentType = "contact"
)

// Content is the tagged broadcast payload. Only the fields of its Type are meaningful.
type Content struct {
	Type     ContentType `json:"type" validate:"required,oneof=text image video document contact"`
	Text     string      `json:"text,omitempty" validate:"required_if=Type text"`
	URL      string      `json:"url,omitempty" validate:"required_if=Type image,required_if=Type video,required_if=Type document"`
	Caption  string      `json:"caption,omitempty"`
	FileName string      `json:"file_name,omitempty"`
	Name     string      `json:"name,omitempty" validate:"required_if=Type contact"`
	Phone    string      `json:"phone,omitempty" validate:"required_if=Type contact"`
}

// IsMedia reports whether the content is delivered as an attachment.
func (c Content) IsMedia() bool {
	switch c.Type {
	case ContentImage, ContentVideo, ContentDocument:
		return true
	}
	return false
}
