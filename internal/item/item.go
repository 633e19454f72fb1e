// Package item defines the collected content records relayed by tt2tg and
// the identity rules used to de-duplicate them.
package item

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Kind is the declared type of an item.
type Kind string

const (
	KindVideo     Kind = "video"
	KindImageSet  Kind = "image_set"
	KindText      Kind = "text"
	KindLegacyURL Kind = "legacy_url"
)

// Known reports whether k has a delivery handler.
func (k Kind) Known() bool {
	switch k {
	case KindVideo, KindImageSet, KindText, KindLegacyURL:
		return true
	default:
		return false
	}
}

// Item is one unit of collected content. It is immutable once stored.
type Item struct {
	Kind    Kind     `json:"type"`
	ID      string   `json:"itemId,omitempty"`
	URL     string   `json:"url,omitempty"`
	Caption string   `json:"caption,omitempty"`
	Images  []string `json:"images,omitempty"`
	Author  string   `json:"author,omitempty"`
	Text    string   `json:"text,omitempty"`
}

// LegacyURL builds the item produced by a bare-string payload.
func LegacyURL(u string) Item { return Item{Kind: KindLegacyURL, URL: strings.TrimSpace(u)} }

// MediaURL returns the URL a video handler should fetch.
func (it Item) MediaURL() string { return it.URL }

// Label is a short human-readable reference used in logs and failure notes.
func (it Item) Label() string {
	switch it.Kind {
	case KindVideo, KindLegacyURL:
		return it.URL
	case KindImageSet:
		return fmt.Sprintf("image set %s (%d images)", it.ID, len(it.Images))
	case KindText:
		return "text from " + it.Author
	default:
		if it.ID != "" {
			return string(it.Kind) + " " + it.ID
		}
		return string(it.Kind)
	}
}

type wire Item

// MarshalJSON stores legacy_url items as bare strings so queue files stay
// readable by (and compatible with) the original URL-only collector.
func (it Item) MarshalJSON() ([]byte, error) {
	if it.Kind == KindLegacyURL {
		return json.Marshal(it.URL)
	}
	return json.Marshal(wire(it))
}

// UnmarshalJSON accepts a bare string, an untyped {"url": ...} object, or a
// typed object.
func (it *Item) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*it = LegacyURL(s)
		return nil
	}
	var w wire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if strings.TrimSpace(string(w.Kind)) == "" && strings.TrimSpace(w.URL) != "" {
		w.Kind = KindLegacyURL
	}
	*it = Item(w)
	it.Kind = Kind(strings.TrimSpace(string(it.Kind)))
	return nil
}
