package services

import (
	"chat-relay/domain"
	"chat-relay/domain/mimetypes"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// NewValidator builds the request validator shared by the services.
// mimekind accepts any mime type known to the mimetype registry.
// A send must carry non blank content or at least one attachment, and its
// content may not exceed maxContentLength runes.
func NewValidator(maxContentLength int) *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	_ = validate.RegisterValidation("mimekind", func(fl validator.FieldLevel) bool {
		return mimetypes.Known(fl.Field().String())
	})
	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		cmd := sl.Current().Interface().(domain.SendMessageCommand)
		if strings.TrimSpace(cmd.Content) == "" && len(cmd.Attachments) == 0 {
			sl.ReportError(cmd.Content, "Content", "content", "required_without_attachments", "")
		}
		if utf8.RuneCountInString(cmd.Content) > maxContentLength {
			sl.ReportError(cmd.Content, "Content", "content", "max", "")
		}
	}, domain.SendMessageCommand{})
	return validate
}
