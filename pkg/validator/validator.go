// Package validator wraps go-playground/validator with the upload-shape
// checks the session pipeline needs: file size, extension and count caps
// (spec §6.2, §6.3). Trimmed from the teacher's general-purpose document/
// chunking validator down to what an upload request actually needs.
package validator

import (
	"fmt"
	"mime/multipart"
	"path/filepath"
	"strings"

	playgroundvalidator "github.com/go-playground/validator/v10"
)

// Validator wraps go-playground/validator for struct-tag validation.
type Validator struct {
	validate *playgroundvalidator.Validate
}

// Config holds upload validation configuration (spec §6.3).
type Config struct {
	MaxFileSize        int64
	MinFileSize        int64
	MaxFilesPerUpload  int
	AllowedMimeTypes   []string
	AllowedExtensions  []string
	RequireContentType bool
}

func DefaultConfig() *Config {
	return &Config{
		MaxFileSize:        4 * 1024 * 1024,
		MinFileSize:        1,
		MaxFilesPerUpload:  20,
		RequireContentType: false,
		AllowedMimeTypes: []string{
			"application/pdf",
			"image/jpeg", "image/png", "image/tiff", "image/webp",
		},
		AllowedExtensions: []string{".pdf", ".jpg", ".jpeg", ".png", ".tif", ".tiff", ".webp"},
	}
}

func New(config *Config) *Validator {
	if config == nil {
		config = DefaultConfig()
	}
	validate := playgroundvalidator.New()
	validate.RegisterValidation("file_size", validateFileSize(config.MinFileSize, config.MaxFileSize))
	validate.RegisterValidation("file_extension", validateFileExtension(config.AllowedExtensions))
	return &Validator{validate: validate}
}

// ValidationError represents one failed validation rule.
type ValidationError struct {
	Field   string `json:"field"`
	Tag     string `json:"tag"`
	Value   string `json:"value"`
	Message string `json:"message"`
}

type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	var messages []string
	for _, err := range v {
		messages = append(messages, err.Message)
	}
	return strings.Join(messages, "; ")
}

// ValidateStruct runs struct-tag validation (used by request DTOs).
func (v *Validator) ValidateStruct(s interface{}) error {
	err := v.validate.Struct(s)
	if err != nil {
		var validationErrors ValidationErrors
		for _, fe := range err.(playgroundvalidator.ValidationErrors) {
			validationErrors = append(validationErrors, ValidationError{
				Field:   fe.Field(),
				Tag:     fe.Tag(),
				Value:   fmt.Sprintf("%v", fe.Value()),
				Message: getErrorMessage(fe),
			})
		}
		return validationErrors
	}
	return nil
}

// ValidateFile checks one uploaded file against size and extension caps.
func (v *Validator) ValidateFile(file *multipart.FileHeader, config *Config) error {
	if config == nil {
		config = DefaultConfig()
	}

	var errors ValidationErrors

	if file.Size > config.MaxFileSize {
		errors = append(errors, ValidationError{
			Field: "file_size", Tag: "max_size", Value: fmt.Sprintf("%d", file.Size),
			Message: fmt.Sprintf("file size %d bytes exceeds maximum allowed size of %d bytes", file.Size, config.MaxFileSize),
		})
	}
	if file.Size < config.MinFileSize {
		errors = append(errors, ValidationError{
			Field: "file_size", Tag: "min_size", Value: fmt.Sprintf("%d", file.Size),
			Message: fmt.Sprintf("file size %d bytes is below minimum required size of %d bytes", file.Size, config.MinFileSize),
		})
	}

	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !contains(config.AllowedExtensions, ext) {
		errors = append(errors, ValidationError{
			Field: "file_extension", Tag: "allowed_extension", Value: ext,
			Message: fmt.Sprintf("file extension %q is not allowed", ext),
		})
	}

	if config.RequireContentType && file.Header != nil {
		contentType := file.Header.Get("Content-Type")
		if contentType == "" {
			errors = append(errors, ValidationError{Field: "content_type", Tag: "required", Message: "Content-Type header is required"})
		} else if !contains(config.AllowedMimeTypes, contentType) {
			errors = append(errors, ValidationError{
				Field: "content_type", Tag: "allowed_mime_type", Value: contentType,
				Message: fmt.Sprintf("MIME type %q is not allowed", contentType),
			})
		}
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// ValidateUploadCount checks the per-session file count cap (spec §6.3).
func (v *Validator) ValidateUploadCount(n int, config *Config) error {
	if config == nil {
		config = DefaultConfig()
	}
	if n == 0 {
		return ValidationErrors{{Field: "files", Tag: "required", Message: "no files provided"}}
	}
	if n > config.MaxFilesPerUpload {
		return ValidationErrors{{
			Field: "files", Tag: "max_files", Value: fmt.Sprintf("%d", n),
			Message: fmt.Sprintf("upload count %d exceeds maximum of %d files per session", n, config.MaxFilesPerUpload),
		}}
	}
	return nil
}

func validateFileSize(minSize, maxSize int64) playgroundvalidator.Func {
	return func(fl playgroundvalidator.FieldLevel) bool {
		size := fl.Field().Int()
		return size >= minSize && size <= maxSize
	}
}

func validateFileExtension(allowedExtensions []string) playgroundvalidator.Func {
	return func(fl playgroundvalidator.FieldLevel) bool {
		ext := strings.ToLower(fl.Field().String())
		return contains(allowedExtensions, ext)
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func getErrorMessage(err playgroundvalidator.FieldError) string {
	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", err.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", err.Field(), err.Param())
	default:
		return fmt.Sprintf("%s failed validation: %s", err.Field(), err.Tag())
	}
}

var defaultValidator *Validator

func Init(config *Config) { defaultValidator = New(config) }
func Get() *Validator     { return defaultValidator }
