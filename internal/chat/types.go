package chat

import "github.com/presenceworks/avatard/internal/config"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one conversation history entry, replayed verbatim to the
// completion provider on every turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DataSource describes an external knowledge source for the augmented
// ("on your data") completion path. Its presence switches both the request
// shape and the response parsing.
type DataSource struct {
	Type       string               `json:"type"`
	Parameters DataSourceParameters `json:"parameters"`
}

type DataSourceParameters struct {
	Endpoint              string        `json:"endpoint"`
	Key                   string        `json:"key"`
	IndexName             string        `json:"indexName"`
	SemanticConfiguration string        `json:"semanticConfiguration"`
	QueryType             string        `json:"queryType"`
	FieldsMapping         FieldsMapping `json:"fieldsMapping"`
	InScope               bool          `json:"inScope"`
	RoleInformation       string        `json:"roleInformation"`
}

type FieldsMapping struct {
	ContentFieldsSeparator string   `json:"contentFieldsSeparator"`
	ContentFields          []string `json:"contentFields"`
	FilepathField          *string  `json:"filepathField"`
	TitleField             string   `json:"titleField"`
	URLField               *string  `json:"urlField"`
}

// NewSearchDataSource builds the cognitive search data source descriptor.
// Role instructions travel inside the descriptor instead of a system message.
func NewSearchDataSource(cfg config.SearchConfig, indexName, roleInformation string) DataSource {
	if indexName == "" {
		indexName = cfg.IndexName
	}
	return DataSource{
		Type: "AzureCognitiveSearch",
		Parameters: DataSourceParameters{
			Endpoint:  cfg.Endpoint,
			Key:       cfg.APIKey,
			IndexName: indexName,
			QueryType: "simple",
			FieldsMapping: FieldsMapping{
				ContentFieldsSeparator: "\n",
				ContentFields:          []string{"content"},
				TitleField:             "title",
			},
			InScope:         true,
			RoleInformation: roleInformation,
		},
	}
}
