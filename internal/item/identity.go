package item

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// ValidationError reports a payload that cannot be accepted. Nothing is
// persisted for it and the producer should not retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

func invalid(field, reason string) error { return &ValidationError{Field: field, Reason: reason} }

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Identity derives the de-duplication key of it. The second result is false
// when the payload cannot be identified.
//
// Two distinct text messages with identical content share a key; the source
// content carries no message id, so this collision is accepted.
func Identity(it Item) (string, bool) {
	switch it.Kind {
	case KindVideo, KindLegacyURL:
		u := strings.TrimSpace(it.URL)
		return u, u != ""
	case KindImageSet:
		id := strings.TrimSpace(it.ID)
		return "image_set:" + id, id != ""
	case KindText:
		return "text:" + it.Text, strings.TrimSpace(it.Text) != ""
	default:
		id := strings.TrimSpace(it.ID)
		if it.Kind == "" || id == "" {
			return "", false
		}
		return string(it.Kind) + ":" + id, true
	}
}

// Validate checks the type-specific required fields.
func Validate(it Item) error {
	switch it.Kind {
	case "":
		return invalid("type", "required")
	case KindVideo, KindLegacyURL:
		if strings.TrimSpace(it.URL) == "" {
			return invalid("url", "required for "+string(it.Kind))
		}
	case KindImageSet:
		if strings.TrimSpace(it.ID) == "" {
			return invalid("itemId", "required for image_set")
		}
		n := 0
		for _, u := range it.Images {
			if strings.TrimSpace(u) != "" {
				n++
			}
		}
		if n == 0 {
			return invalid("images", "at least one image url required")
		}
	case KindText:
		if strings.TrimSpace(it.Text) == "" {
			return invalid("text", "required")
		}
		if strings.TrimSpace(it.Author) == "" {
			return invalid("author", "required")
		}
	}
	if _, ok := Identity(it); !ok {
		return invalid("itemId", "item cannot be identified")
	}
	return nil
}

// Parse decodes and validates one ingest payload and returns the item with
// its identity key.
func Parse(raw []byte) (Item, string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Item{}, "", invalid("", "empty body")
	}
	var it Item
	if err := json.Unmarshal(raw, &it); err != nil {
		return Item{}, "", invalid("", "invalid json: "+err.Error())
	}
	if err := Validate(it); err != nil {
		return Item{}, "", err
	}
	key, _ := Identity(it)
	return it, key, nil
}
