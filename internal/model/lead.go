package model

import "encoding/json"

// SourceTag is the lead-acquisition channel. Storage only accepts the values
// below or NULL, so an unrecognized channel is represented by SourceUnknown.
type SourceTag string

const (
	SourceUnknown   SourceTag = ""
	SourceFacebook  SourceTag = "facebook"
	SourceInstagram SourceTag = "instagram"
	SourceGoogle    SourceTag = "google"
	SourceTikTok    SourceTag = "tiktok"
	SourceSnapchat  SourceTag = "snapchat"
	SourceWhatsApp  SourceTag = "whatsapp"
)

// SourceTags lists every accepted tag in canonical order.
var SourceTags = []SourceTag{
	SourceFacebook,
	SourceInstagram,
	SourceGoogle,
	SourceTikTok,
	SourceSnapchat,
	SourceWhatsApp,
}

// Valid reports whether s is one of the closed set of tags.
func (s SourceTag) Valid() bool {
	for _, t := range SourceTags {
		if s == t {
			return true
		}
	}
	return false
}

// MarshalJSON encodes SourceUnknown as null.
func (s SourceTag) MarshalJSON() ([]byte, error) {
	if s == SourceUnknown {
		return []byte("null"), nil
	}
	return json.Marshal(string(s))
}

// UnmarshalJSON accepts null or a valid tag; anything else decodes to SourceUnknown.
func (s *SourceTag) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = SourceUnknown
	if raw != nil && SourceTag(*raw).Valid() {
		*s = SourceTag(*raw)
	}
	return nil
}

// StageNewLead is the stage every uploaded lead starts in.
const StageNewLead = "New Lead"

// Lead is a validated, normalized lead ready for insertion. Optional text
// fields are empty when absent and stored as NULL.
type Lead struct {
	ProjectID      string    `json:"project_id"`
	ClientName     string    `json:"client_name"`
	ClientPhone    string    `json:"client_phone"`
	ClientPhone2   string    `json:"client_phone2,omitempty"`
	ClientPhone3   string    `json:"client_phone3,omitempty"`
	ClientEmail    string    `json:"client_email,omitempty"`
	ClientJobTitle string    `json:"client_job_title,omitempty"`
	CompanyName    string    `json:"company_name,omitempty"`
	Source         SourceTag `json:"source"`
	Stage          string    `json:"stage"`
	IsSold         bool      `json:"is_sold"`
	Budget         *float64  `json:"budget,omitempty"`
	Feedback       string    `json:"feedback,omitempty"`
	UploadUserID   string    `json:"upload_user_id,omitempty"`

	// Row is the 1-based line of the source file this lead came from.
	Row int `json:"row"`
}

// LeadColumns is the column order used for bulk inserts; it matches Lead.Values.
var LeadColumns = []string{
	"project_id",
	"client_name",
	"client_phone",
	"client_phone2",
	"client_phone3",
	"client_email",
	"client_job_title",
	"company_name",
	"source",
	"stage",
	"is_sold",
	"budget",
	"feedback",
	"upload_user_id",
}

// Values returns the lead as a row in LeadColumns order with NULLs for
// absent optional fields.
func (l Lead) Values() []any {
	return []any{
		l.ProjectID,
		l.ClientName,
		l.ClientPhone,
		nullString(l.ClientPhone2),
		nullString(l.ClientPhone3),
		nullString(l.ClientEmail),
		nullString(l.ClientJobTitle),
		nullString(l.CompanyName),
		nullString(string(l.Source)),
		l.Stage,
		l.IsSold,
		l.Budget,
		nullString(l.Feedback),
		nullString(l.UploadUserID),
	}
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
