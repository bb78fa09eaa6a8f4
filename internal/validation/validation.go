// Package validation содержит проверки и канонизацию входных данных на границе сервиса.
package validation

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/mmeshcher/loan-portal/internal/model"
)

// FieldError описывает ошибку в одном поле запроса.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error собирает ошибки валидации по полям.
type Error struct {
	Fields []FieldError
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add добавляет ошибку поля.
func (e *Error) Add(field, message string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: message})
}

// Err возвращает nil, если ошибок не накоплено.
func (e *Error) Err() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// New создаёт ошибку валидации одного поля.
func New(field, message string) error {
	e := &Error{}
	e.Add(field, message)
	return e
}

// Required проверяет, что строковое поле не пустое, и возвращает значение без пробелов по краям.
func (e *Error) Required(field, value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		e.Add(field, "is required")
	}
	return v
}

// ID канонизирует обязательный идентификатор.
func (e *Error) ID(field, raw string) uuid.UUID {
	id, err := ParseID(field, raw)
	if err != nil {
		e.Fields = append(e.Fields, err.(*Error).Fields...)
	}
	return id
}

// ParseID приводит внешнее представление идентификатора к uuid.UUID.
func ParseID(field, raw string) (uuid.UUID, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return uuid.Nil, New(field, "is required")
	}

	id, err := uuid.Parse(v)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, New(field, "must be a valid id")
	}

	return id, nil
}

// ParseOptionalID работает как ParseID, но для пустого значения возвращает nil.
func ParseOptionalID(field, raw string) (*uuid.UUID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	id, err := ParseID(field, raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// ApplicationType проверяет тип заявителя.
func (e *Error) ApplicationType(field, raw string) model.ApplicationType {
	v := strings.ToLower(strings.TrimSpace(raw))
	switch t := model.ApplicationType(v); t {
	case model.ApplicationTypeIndividual, model.ApplicationTypeSHG:
		return t
	case "":
		e.Add(field, "is required")
	default:
		e.Add(field, fmt.Sprintf("must be %q or %q", model.ApplicationTypeIndividual, model.ApplicationTypeSHG))
	}
	return ""
}

// ParseStatus проверяет необязательный фильтр по статусу.
func ParseStatus(field, raw string) (*model.Status, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil, nil
	}
	for _, s := range model.Statuses {
		if string(s) == v {
			return &s, nil
		}
	}
	return nil, New(field, "unknown status")
}

// Optional возвращает nil для пустой строки и указатель на значение без пробелов иначе.
func Optional(value string) *string {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil
	}
	return &v
}
