package domain

// EmailRecord is the normalized form of one remote email message.
// Cc and Bcc are nil when the header is absent.
type EmailRecord struct {
	ID          string       `json:"id"`
	From        string       `json:"from"`
	Cc          *string      `json:"cc,omitempty"`
	Bcc         *string      `json:"bcc,omitempty"`
	Subject     string       `json:"subject"`
	Date        string       `json:"date"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment is one materialized attachment. Error is set, and URL empty,
// when the binary could not be fetched or stored.
type Attachment struct {
	Filename string `json:"filename"`
	FilePath string `json:"filePath,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Error    string `json:"error,omitempty"`
}

// OK reports whether the attachment was stored successfully.
func (a Attachment) OK() bool { return a.Error == "" && a.URL != "" }

// MailHeader is one raw header of a provider message.
type MailHeader struct {
	Name  string
	Value string
}

// MailPart is a provider message part. Parts with a Filename are attachments.
type MailPart struct {
	PartID       string
	Filename     string
	MimeType     string
	AttachmentID string
	Size         int64
	// Data holds the base64url body of small parts the provider returns
	// inline instead of by attachment id.
	Data string
}

// MailMessage is a provider message: headers, short snippet and flattened parts.
type MailMessage struct {
	ID      string
	Headers []MailHeader
	Snippet string
	Parts   []MailPart
}
