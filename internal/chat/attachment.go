package chat

import "encoding/json"

// AttachmentKind tags the Attachment variants.
type AttachmentKind string

const (
	KindAdaptiveCard AttachmentKind = "adaptive-card"
	KindURLCitation  AttachmentKind = "url-citation"
	KindFileCitation AttachmentKind = "file-citation"
	KindRaw          AttachmentKind = "raw"
)

// AdaptiveCardMIME is the content type agents use for Adaptive Card payloads.
const AdaptiveCardMIME = "application/vnd.microsoft.card.adaptive"

// Attachment is a closed set of variants: AdaptiveCard, URLCitation,
// FileCitation and Raw. Switch on the concrete type to handle each one.
type Attachment interface {
	Kind() AttachmentKind
	attachment()
}

// AdaptiveCard carries a structured UI payload.
type AdaptiveCard struct {
	Name    string          `json:"name,omitempty"`
	Content json.RawMessage `json:"content"`
}

// URLCitation points at a web source.
type URLCitation struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// FileCitation references a file and the quoted span inside it.
type FileCitation struct {
	FileID string `json:"fileId"`
	Quote  string `json:"quote,omitempty"`
	Name   string `json:"name,omitempty"`
}

// Raw is opaque content with a MIME type.
type Raw struct {
	Title   string `json:"title,omitempty"`
	MIME    string `json:"mime"`
	Content []byte `json:"content"`
}

func (AdaptiveCard) Kind() AttachmentKind { return KindAdaptiveCard }
func (URLCitation) Kind() AttachmentKind  { return KindURLCitation }
func (FileCitation) Kind() AttachmentKind { return KindFileCitation }
func (Raw) Kind() AttachmentKind          { return KindRaw }

func (AdaptiveCard) attachment() {}
func (URLCitation) attachment()  {}
func (FileCitation) attachment() {}
func (Raw) attachment()          {}

// MarshalJSON adds the kind tag so views can tell variants apart.

func (a AdaptiveCard) MarshalJSON() ([]byte, error) {
	type plain AdaptiveCard
	return tagged(a.Kind(), plain(a))
}

func (a URLCitation) MarshalJSON() ([]byte, error) {
	type plain URLCitation
	return tagged(a.Kind(), plain(a))
}

func (a FileCitation) MarshalJSON() ([]byte, error) {
	type plain FileCitation
	return tagged(a.Kind(), plain(a))
}

func (a Raw) MarshalJSON() ([]byte, error) {
	type plain Raw
	return tagged(a.Kind(), plain(a))
}

func tagged(kind AttachmentKind, v any) ([]byte, error) {
	return json.Marshal(struct {
		Kind AttachmentKind `json:"kind"`
		Body any            `json:"body"`
	}{kind, v})
}
