package handler

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"broll/internal/pkg/errors"
	"broll/internal/render"
)

// Request is the job input. Resolution, samples and fps have no defaults.
type Request struct {
	Template    string `json:"template" validate:"required_without=TemplateURL"`
	TemplateURL string `json:"template_url,omitempty" validate:"omitempty,url"`
	// Duration in seconds; omitted renders the template's own frame range.
	Duration   *int  `json:"duration,omitempty" validate:"omitempty,gt=0"`
	Resolution []int `json:"resolution" validate:"required,len=2,dive,gt=0"`
	Samples    *int  `json:"samples" validate:"required,gt=0"`
	FPS        *int  `json:"fps" validate:"required,gt=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// ParseRequest decodes and validates a job input.
func ParseRequest(input []byte) (Request, error) {
	var req Request
	if len(strings.TrimSpace(string(input))) == 0 {
		return req, errors.Validation("job input is required")
	}
	if err := json.Unmarshal(input, &req); err != nil {
		return req, decodeError(err)
	}
	if err := req.Validate(); err != nil {
		return req, err
	}
	return req, nil
}

// Validate reports the first invalid field.
func (r Request) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return errors.Wrap(err, "handler.validate", "validate request")
	}
	return fieldError(verrs[0])
}

func fieldError(fe validator.FieldError) error {
	field := fe.Field()
	if i := strings.IndexByte(field, '['); i >= 0 {
		field = field[:i]
	}

	var msg string
	switch fe.Tag() {
	case "required":
		msg = field + " is required"
	case "required_without":
		msg = "template or template_url is required"
	case "len":
		msg = fmt.Sprintf("%s must have exactly %s entries", field, fe.Param())
	case "gt":
		if field == "resolution" {
			msg = "resolution width and height must be positive"
		} else {
			msg = field + " must be positive"
		}
	case "url":
		msg = "template_url must be an absolute URL"
	default:
		msg = fmt.Sprintf("%s failed %s validation", field, fe.Tag())
	}
	return errors.ValidationField(field, msg)
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		field := strings.SplitN(typeErr.Field, ".", 2)[0]
		return errors.ValidationField(field, fmt.Sprintf("%s has the wrong type: got %s", field, typeErr.Value))
	}
	return errors.WrapWithCode(err, errors.CodeValidation, "handler.decode", "job input is not a valid JSON object")
}

// Params returns the render parameters for a resolved template file.
func (r Request) Params(templatePath string) render.Params {
	return render.Params{
		Template: templatePath,
		Width:    r.Resolution[0],
		Height:   r.Resolution[1],
		Samples:  *r.Samples,
		FPS:      *r.FPS,
		Duration: r.Duration,
	}
}
