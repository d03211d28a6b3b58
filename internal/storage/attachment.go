package storage

import (
	"encoding/json"

	"github.com/helioshq/deskagent/internal/models"
)

func encodeAttachment(a *models.Attachment) ([]byte, error) {
	if a == nil {
		return nil, nil
	}
	return json.Marshal(a)
}

// decodeAttachment tolerates unparseable payloads: a bad blob yields a nil
// attachment instead of failing the whole read.
func decodeAttachment(raw []byte) *models.Attachment {
	if len(raw) == 0 {
		return nil
	}
	var a models.Attachment
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil
	}
	return &a
}
