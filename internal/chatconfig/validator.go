package chatconfig

import (
	"errors"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/ashureev/chatrelay/internal/domain"
	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
)

// requiredFields lists the configData keys each known platform needs.
var requiredFields = map[string][]string{
	"feishu": {"AppId", "AppSecret"},
	"qq":     {"AppId", "Token"},
	"wechat": {"AppId", "AppSecret", "Token", "EncodingAesKey"},
}

// RequiredFields returns the configData keys required for platform.
func RequiredFields(platform string) []string {
	return requiredFields[strings.ToLower(platform)]
}

// Validator checks provider configs. It never returns an error; problems
// are reported in the result.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator that reports fields by their JSON names.
func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v}
}

// Validate checks cfg. ConfigData must already be decrypted. Blank
// platform and display names count as missing.
func (v *Validator) Validate(cfg domain.ProviderConfig) domain.ValidationResult {
	cfg.Platform = strings.TrimSpace(cfg.Platform)
	cfg.DisplayName = strings.TrimSpace(cfg.DisplayName)
	result := domain.ValidationResult{
		Platform:      cfg.Platform,
		MissingFields: []string{},
		Errors:        []string{},
	}

	if err := v.validate.Struct(cfg); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			for _, fe := range fieldErrs {
				switch fe.Tag() {
				case "required":
					result.MissingFields = append(result.MissingFields, fe.Field())
				case "min":
					result.Errors = append(result.Errors, fmt.Sprintf("%s must be at least %s", fe.Field(), fe.Param()))
				case "max":
					result.Errors = append(result.Errors, fmt.Sprintf("%s must be at most %s", fe.Field(), fe.Param()))
				case "url":
					result.Errors = append(result.Errors, fmt.Sprintf("%s must be a valid URL", fe.Field()))
				default:
					result.Errors = append(result.Errors, fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag()))
				}
			}
		} else {
			result.Errors = append(result.Errors, err.Error())
		}
	}

	if cfg.WebhookURL != "" {
		if u, err := url.Parse(cfg.WebhookURL); err == nil && u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https" {
			result.Errors = append(result.Errors, "webhookUrl must use http or https")
		}
	}

	v.validateConfigData(cfg, &result)

	result.IsValid = len(result.MissingFields) == 0 && len(result.Errors) == 0
	return result
}

func (v *Validator) validateConfigData(cfg domain.ProviderConfig, result *domain.ValidationResult) {
	required := RequiredFields(cfg.Platform)
	data := strings.TrimSpace(cfg.ConfigData)

	if data == "" {
		result.MissingFields = append(result.MissingFields, required...)
		return
	}
	if IsEncrypted(data) {
		result.Errors = append(result.Errors, "configData is still encrypted")
		return
	}
	if !gjson.Valid(data) {
		result.Errors = append(result.Errors, "configData must be valid JSON")
		return
	}
	for _, field := range required {
		value := gjson.Get(data, field)
		if !value.Exists() || strings.TrimSpace(value.String()) == "" {
			result.MissingFields = append(result.MissingFields, field)
		}
	}
}
