package model

// Decision is the classifier-stage output for one question: whether to run
// an analytics operation, which one, and with what confidence. Ephemeral,
// one per request; serialized verbatim as the POST /decide response data.
type Decision struct {
	Question   string      `json:"question"`
	Perform    bool        `json:"perform_analytics"`
	Operation  *string     `json:"analytics"` // nil whenever Perform is false
	Confidence float64     `json:"confidence"`
	Candidates []Candidate `json:"candidates"`
	Degraded   bool        `json:"degraded"`
}

// Candidate is one ranked operation label. Description is read-only
// enrichment from the registry; ranking derives solely from classifier
// probabilities.
type Candidate struct {
	Operation   string  `json:"analytics"`
	Confidence  float64 `json:"confidence"`
	Description string  `json:"description,omitempty"`
}

// TrainingExample is one labeled corpus row. Invariant: Perform=false
// implies an empty Label; a non-empty Label names a descriptor registered
// at synthesis time.
type TrainingExample struct {
	Text    string `json:"text"`
	Perform bool   `json:"perform"`
	Label   string `json:"label,omitempty"`
}

// Valid reports whether the example satisfies the TrainingExample invariant.
func (e TrainingExample) Valid() bool {
	if e.Text == "" {
		return false
	}
	if !e.Perform {
		return e.Label == ""
	}
	return e.Label != ""
}
