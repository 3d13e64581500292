package engine

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"taskdeck/internal/domain"
)

const (
	MaxTitleLength       = 100
	MaxDescriptionLength = 250
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// taskFields carries the user-editable part of a task through validation.
type taskFields struct {
	Title       string `json:"title" validate:"required,max=100"`
	Description string `json:"description" validate:"max=250"`
	Status      string `json:"status" validate:"required,oneof=pending completed"`
}

type loginFields struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8"`
}

// FieldError describes one invalid form field.
type FieldError struct {
	Field   string `json:"field"`
	Rule    string `json:"rule"`
	Message string `json:"message"`
}

// ValidationError lists every invalid field of a request so each can be reported next to its input.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		msgs = append(msgs, f.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// Field returns the error recorded for name, if any.
func (e *ValidationError) Field(name string) (FieldError, bool) {
	for _, f := range e.Fields {
		if f.Field == name {
			return f, true
		}
	}
	return FieldError{}, false
}

// ValidateTaskInput checks the fields of a new or edited task form.
func ValidateTaskInput(title, description string) error {
	return validateFields(taskFields{Title: title, Description: description, Status: domain.StatusPending})
}

// ValidateLoginInput checks the login form. A form that fails here is never
// submitted to the login gate and so never counts as an attempt.
func ValidateLoginInput(email, password string) error {
	return validateFields(loginFields{Email: email, Password: password})
}

func validateTask(t domain.Task) error {
	return validateFields(taskFields{Title: t.Title, Description: t.Description, Status: t.Status})
}

func validateFields(f any) error {
	err := validate.Struct(f)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := &ValidationError{}
	for _, fe := range verrs {
		out.Fields = append(out.Fields, FieldError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: fieldMessage(fe),
		})
	}
	return out
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "email":
		return fmt.Sprintf("%s must be a valid email address", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", fe.Field(), strings.ReplaceAll(fe.Param(), " ", ", "))
	default:
		return fmt.Sprintf("%s is invalid", fe.Field())
	}
}
