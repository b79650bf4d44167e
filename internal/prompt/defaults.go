package prompt

import "github.com/nhle/maildigest/internal/model"

// RelevanceData is what a relevance template can reference.
type RelevanceData struct {
	Subject       string
	SenderName    string
	SenderAddress string
	Body          string
	SenderWeight  int
}

// SummaryItem is one candidate email in a summary prompt.
type SummaryItem struct {
	Sender   string
	Subject  string
	Score    int
	Category string
	Excerpt  string
}

// SummaryGroup collects the candidates sharing a category.
type SummaryGroup struct {
	Category string
	Items    []SummaryItem
}

// SummaryData is what a summary template can reference.
type SummaryData struct {
	WindowStart string
	WindowEnd   string
	Count       int
	Groups      []SummaryGroup
}

const defaultRelevance = `Rate how important this email is to its recipient.

Reply with a single JSON object and nothing else:
{"score": <integer 0-10>, "category": "<one short lowercase label>"}

Use 0 for spam or automated noise and 10 for something that needs attention today.
Good categories include: work, personal, finance, travel, newsletter, notification, promotion.

From: {{.SenderName}} <{{.SenderAddress}}>
Subject: {{.Subject}}

{{.Body}}
`

const defaultSummary = `Write a concise digest of the {{.Count}} emails below, received between {{.WindowStart}} and {{.WindowEnd}}.
Keep the category grouping. For each email give one line covering who wrote, what they want and any deadline.
Mention the most important items first within each category.
{{range .Groups}}
## {{.Category}}
{{range .Items}}- [{{.Score}}] {{.Sender}}: {{.Subject}}
  {{.Excerpt}}
{{end}}{{end}}`

var defaults = map[model.AgentType]string{
	model.AgentRelevance: defaultRelevance,
	model.AgentSummary:   defaultSummary,
}
