package ingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/cases"

	"github.com/sells-group/lead-ingest/internal/model"
)

// Column aliases accepted for each lead field, in priority order.
var (
	colName     = []string{"client_name", "name", "full_name"}
	colPhone    = []string{"client_phone", "phone", "phone_number", "phone1"}
	colPhone2   = []string{"client_phone2", "phone2"}
	colPhone3   = []string{"client_phone3", "phone3"}
	colEmail    = []string{"client_email", "email"}
	colJobTitle = []string{"client_job_title", "job_title"}
	colCompany  = []string{"company_name", "company"}
	colSource   = []string{"source", "platform"}
	colBudget   = []string{"budget"}
	colFeedback = []string{"feedback"}
)

// ReasonMissingRequired is the row error for a lead without name or phone.
const ReasonMissingRequired = "Missing required fields (name and phone)"

// ValidationError rejects a single row before it reaches the store.
type ValidationError struct {
	Row    int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Reason)
}

// RowError converts e to the caller-facing form.
func (e *ValidationError) RowError() model.RowError {
	return model.RowError{Row: e.Row, Error: e.Reason}
}

// sourceRule maps free text to a tag when the folded value contains one of
// contains or equals one of exact.
type sourceRule struct {
	tag      model.SourceTag
	contains []string
	exact    []string
}

var sourceRules = []sourceRule{
	{tag: model.SourceFacebook, contains: []string{"facebook"}, exact: []string{"fb"}},
	{tag: model.SourceInstagram, contains: []string{"instagram"}, exact: []string{"ig", "insta"}},
	{tag: model.SourceGoogle, contains: []string{"google"}, exact: []string{"gg"}},
	{tag: model.SourceTikTok, contains: []string{"tiktok", "tik tok"}, exact: []string{"tt"}},
	{tag: model.SourceSnapchat, contains: []string{"snapchat"}, exact: []string{"snap"}},
	{tag: model.SourceWhatsApp, contains: []string{"whatsapp", "whats app"}, exact: []string{"wa", "whats"}},
}

// NormalizeSource maps a raw source/platform value onto the closed tag set.
// Unrecognized values yield SourceUnknown, never the raw text.
func NormalizeSource(raw string) model.SourceTag {
	v := cases.Fold().String(strings.TrimSpace(raw))
	if v == "" {
		return model.SourceUnknown
	}
	for _, rule := range sourceRules {
		for _, s := range rule.contains {
			if strings.Contains(v, s) {
				return rule.tag
			}
		}
		for _, s := range rule.exact {
			if v == s {
				return rule.tag
			}
		}
	}
	return model.SourceUnknown
}

// Normalizer validates RawRows and builds leads. It performs no I/O.
type Normalizer struct {
	// UploadUserID is stamped on every lead when set.
	UploadUserID string
}

// Normalize validates row and returns the lead it describes, or a
// *ValidationError carrying rowNumber.
func (n Normalizer) Normalize(row RawRow, rowNumber int, projectID string) (model.Lead, error) {
	name := row.Get(colName...)
	phone := row.Get(colPhone...)
	if name == "" || phone == "" {
		return model.Lead{}, &ValidationError{Row: rowNumber, Reason: ReasonMissingRequired}
	}

	return model.Lead{
		ProjectID:      projectID,
		ClientName:     name,
		ClientPhone:    phone,
		ClientPhone2:   row.Get(colPhone2...),
		ClientPhone3:   row.Get(colPhone3...),
		ClientEmail:    row.Get(colEmail...),
		ClientJobTitle: row.Get(colJobTitle...),
		CompanyName:    row.Get(colCompany...),
		Source:         NormalizeSource(row.Get(colSource...)),
		Stage:          model.StageNewLead,
		IsSold:         false,
		Budget:         parseBudget(row.Get(colBudget...)),
		Feedback:       row.Get(colFeedback...),
		UploadUserID:   n.UploadUserID,
		Row:            rowNumber,
	}, nil
}

var budgetCleaner = strings.NewReplacer(",", "", " ", "", "$", "")

// parseBudget returns nil for blank or unparsable budgets.
func parseBudget(raw string) *float64 {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseFloat(budgetCleaner.Replace(raw), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
