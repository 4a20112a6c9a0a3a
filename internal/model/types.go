package model

// RateLimitState is embedded in every document whose mutation is throttled.
type RateLimitState struct {
	LastActionAt     Timestamp `json:"lastActionAt"`
	ActionCountToday int       `json:"actionCountToday"`
	CountResetAt     Timestamp `json:"countResetAt"`
}

const InsightProfileSchemaVersion = 1

type InsightResponse string

const (
	InsightResponseHelpful    InsightResponse = "helpful"
	InsightResponseNotHelpful InsightResponse = "not_helpful"
	InsightResponseDismissed  InsightResponse = "dismissed"
)

func (r InsightResponse) Valid() bool {
	switch r {
	case InsightResponseHelpful, InsightResponseNotHelpful, InsightResponseDismissed:
		return true
	}
	return false
}

type InsightContent struct {
	Title    string `json:"title"`
	Message  string `json:"message"`
	Category string `json:"category,omitempty"`
	Icon     string `json:"icon,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

type InsightRecord struct {
	InsightID     string          `json:"insightId"`
	ShownAt       Timestamp       `json:"shownAt"`
	TransactionID string          `json:"transactionId,omitempty"`
	Response      InsightResponse `json:"response,omitempty"`
	Content       *InsightContent `json:"content,omitempty"`
}

type InsightProfile struct {
	SchemaVersion        int             `json:"schemaVersion"`
	FirstTransactionDate Timestamp       `json:"firstTransactionDate"`
	TotalTransactions    int64           `json:"totalTransactions"`
	RecentInsights       []InsightRecord `json:"recentInsights"`
	CreatedAt            Timestamp       `json:"createdAt"`
	UpdatedAt            Timestamp       `json:"updatedAt"`
}

type MappingSource string

const (
	MappingSourceUser MappingSource = "user"
	MappingSourceAI   MappingSource = "ai"
)

func (s MappingSource) Valid() bool {
	return s == MappingSourceUser || s == MappingSourceAI
}

type Mapping struct {
	ID                string        `json:"id"`
	NormalizedItem    string        `json:"normalizedItem"`
	OriginalItem      string        `json:"originalItem"`
	TargetCategory    string        `json:"targetCategory"`
	TargetSubcategory string        `json:"targetSubcategory,omitempty"`
	Confidence        float64       `json:"confidence"`
	Source            MappingSource `json:"source"`
	UsageCount        int64         `json:"usageCount"`
	CreatedAt         Timestamp     `json:"createdAt"`
	UpdatedAt         Timestamp     `json:"updatedAt"`
}

// GroupPreference is one member's opt-in for sharing their own
// transactions with a shared group.
type GroupPreference struct {
	UserID              string `json:"userId"`
	GroupID             string `json:"groupId"`
	ShareMyTransactions bool   `json:"shareMyTransactions"`
	RateLimitState
	CreatedAt Timestamp `json:"createdAt"`
	UpdatedAt Timestamp `json:"updatedAt"`
}

type SharedGroup struct {
	ID                        string   `json:"id"`
	Name                      string   `json:"name"`
	OwnerID                   string   `json:"ownerId"`
	Members                   []string `json:"members"`
	TransactionSharingEnabled bool     `json:"transactionSharingEnabled"`
	RateLimitState
	CreatedAt Timestamp `json:"createdAt"`
	UpdatedAt Timestamp `json:"updatedAt"`
}

func (g SharedGroup) HasMember(userID string) bool {
	for _, m := range g.Members {
		if m == userID {
			return true
		}
	}
	return false
}

type ThrottleScope string

const (
	ThrottleScopePreference ThrottleScope = "preference"
	ThrottleScopeGroup      ThrottleScope = "group"
)

// ThrottleEvent records a toggle attempt that was rejected.
type ThrottleEvent struct {
	Timestamp   Timestamp     `json:"timestamp"`
	Scope       ThrottleScope `json:"scope"`
	AppID       string        `json:"appId"`
	UserID      string        `json:"userId"`
	GroupID     string        `json:"groupId"`
	Reason      string        `json:"reason"`
	WaitMinutes int           `json:"waitMinutes,omitempty"`
}
