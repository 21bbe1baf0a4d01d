package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/yourusername/pricewatch-gateway/internal/apperr"
)

const maxBodyBytes = 1 << 20

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeJSON reads one JSON object into dst and validates its struct tags.
// An empty body decodes as {}.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Wrap(apperr.Validation, apperr.CodeInvalidBody, err)
	}
	if err := validate.Struct(dst); err != nil {
		return apperr.Wrap(apperr.Validation, apperr.CodeValidationFailed, err)
	}
	return nil
}
