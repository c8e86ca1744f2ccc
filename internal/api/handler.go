// Package api provides HTTP handlers for the relay API.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/ashureev/vibe-relay/internal/apperr"
	"github.com/ashureev/vibe-relay/internal/identity"
	"github.com/ashureev/vibe-relay/internal/store"
	"github.com/go-playground/validator/v10"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Handler provides common handler utilities.
type Handler struct {
	validate *validator.Validate
}

// NewHandler creates a Handler whose validator reports fields by their JSON names.
func NewHandler() *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Handler{validate: v}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]interface{}{"success": false, "error": message})
}

// writeError maps err onto a status code and a caller-safe body. Server-side
// failures are logged with their full chain.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	err = classifyStoreError(err)
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Request failed",
			"error", err,
			"method", r.Method,
			"path", r.URL.Path,
			"user_email", identity.EmailFromContext(r.Context()))
	}

	body := map[string]interface{}{
		"success": false,
		"error":   apperr.PublicMessage(err),
	}
	if fields := apperr.FieldsOf(err); len(fields) > 0 {
		body["details"] = fields
	}
	JSON(w, status, body)
}

// classifyStoreError gives the store's sentinel errors their API kind when a
// service returned them unwrapped.
func classifyStoreError(err error) error {
	if apperr.KindOf(err) != "" {
		return err
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound("not found")
	case errors.Is(err, store.ErrRevisionMismatch):
		return apperr.Conflict("record was modified concurrently, please retry", err)
	}
	return err
}

// requireEmail returns the caller's email or writes 401.
func requireEmail(w http.ResponseWriter, r *http.Request) (string, bool) {
	email := identity.EmailFromContext(r.Context())
	if email == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return email, true
}

// decode reads a JSON body into v and validates it. An empty body decodes as
// the zero value so that missing fields surface as validation failures.
func (h *Handler) decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apperr.BadRequest("invalid JSON body")
	}
	return h.check(v)
}

// check validates v against its struct tags.
func (h *Handler) check(v interface{}) error {
	err := h.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate request: %w", err)
	}
	fields := make([]apperr.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, apperr.FieldError{
			Field:   fe.Field(),
			Rule:    fe.Tag(),
			Message: fieldMessage(fe),
		})
	}
	return apperr.Validation(fields)
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fe.Field() + " is required"
	case "gt":
		return fe.Field() + " must be greater than " + fe.Param()
	case "max":
		return fe.Field() + " must be at most " + fe.Param()
	case "url":
		return fe.Field() + " must be a valid URL"
	default:
		return fe.Field() + " is invalid"
	}
}
