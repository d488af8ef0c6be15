package relay

import (
	"encoding/base64"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"

	"github.com/prompted/csvrelay/internal/csvdata"
)

// FileEnvelope carries a whole CSV file into the upload or process stage.
type FileEnvelope struct {
	Content string `json:"content" validate:"required,base64"`
	OwnerID string `json:"ownerId" validate:"required"`
}

// NewFileEnvelope base64-encodes raw for the wire.
func NewFileEnvelope(raw []byte, ownerID string) FileEnvelope {
	return FileEnvelope{
		Content: base64.StdEncoding.EncodeToString(raw),
		OwnerID: ownerID,
	}
}

// Bytes decodes the file content.
func (e FileEnvelope) Bytes() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(e.Content)
	if err != nil {
		return nil, errors.Wrap(err, "decode content")
	}
	return raw, nil
}

// RecordEnvelope carries one decoded record into the save stage.
type RecordEnvelope struct {
	Record  *csvdata.Record `json:"record" validate:"required"`
	OwnerID string          `json:"ownerId" validate:"required"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalidFormat means an envelope is missing fields or is not decodable.
var ErrInvalidFormat = errors.New("invalid message format")

func validateEnvelope(env any) error {
	if err := validate.Struct(env); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return errors.Errorf("%w: %s failed %q", ErrInvalidFormat, verrs[0].Field(), verrs[0].Tag())
		}
		return errors.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return nil
}
