package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxJSONBody = 1 << 20

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type createUploadRequest struct {
	UserID       string `json:"user_id"`
	FileName     string `json:"file_name" validate:"required"`
	FileType     string `json:"file_type" validate:"required"`
	FileSize     int64  `json:"file_size" validate:"required,gt=0"`
	StoragePath  string `json:"storage_path" validate:"required"`
	TokensEarned *int64 `json:"tokens_earned" validate:"omitempty,gte=0"`
}

type approveRequest struct {
	UploadID     string `json:"upload_id" validate:"required"`
	UserID       string `json:"user_id" validate:"required"`
	TokensEarned *int64 `json:"tokens_earned" validate:"required,gte=0"`
}

type rejectRequest struct {
	UploadID    string `json:"upload_id" validate:"required"`
	StoragePath string `json:"storage_path"`
}

type purchaseRequest struct {
	BuyerID  string   `json:"buyer_id"`
	UploadID string   `json:"upload_id" validate:"required"`
	Price    *float64 `json:"price" validate:"required,gt=0"`
}

// newValidator reports fields by their JSON names.
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

func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxJSONBody)).Decode(dst)
}

// decodeJSON reads and validates a request body. It writes the error
// response and returns false on failure.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeBody(r, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, "invalid request")
			return false
		}
		var missing, invalid []string
		for _, fe := range verrs {
			if fe.Tag() == "required" {
				missing = append(missing, fe.Field())
				continue
			}
			invalid = append(invalid, fe.Field())
		}
		if len(missing) > 0 {
			writeErrorDetails(w, http.StatusBadRequest, "MARKET_MISSING_FIELDS", "missing required fields", missing)
			return false
		}
		writeErrorDetails(w, http.StatusBadRequest, "MARKET_INVALID_REQUEST", "invalid field values", invalid)
		return false
	}
	return true
}
