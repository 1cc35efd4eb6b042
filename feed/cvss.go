package feed

import (
	"strings"
)

// Vector is a decoded CVSS vector. Unknown metrics are ignored.
type Vector struct {
	AttackVector          string `json:"attack_vector,omitempty"`
	AccessComplexity      string `json:"access_complexity,omitempty"`
	Authentication        string `json:"authentication,omitempty"`
	ConfidentialityImpact string `json:"confidentiality_impact,omitempty"`
	IntegrityImpact       string `json:"integrity_impact,omitempty"`
	Availability          string `json:"availability,omitempty"`
	PrivilegesRequired    string `json:"privileges_required,omitempty"`
	UserInteraction       string `json:"user_interaction,omitempty"`
	Scope                 string `json:"scope,omitempty"`
}

var (
	attackVectors = map[string]string{"L": "local", "A": "adjacent_network", "N": "network", "P": "physical"}
	complexities  = map[string]string{"L": "low", "M": "medium", "H": "high"}
	authentations = map[string]string{"M": "multiple", "S": "single", "N": "none"}
	impacts       = map[string]string{"N": "none", "P": "partial", "C": "complete", "L": "low", "H": "high"}
	interactions  = map[string]string{"N": "none", "R": "required"}
	scopes        = map[string]string{"U": "unchanged", "C": "changed"}
)

// DecodeVector expands a vector such as "AV:N/AC:L/Au:N/C:P/I:P/A:P".
func DecodeVector(vector string) Vector {
	v := Vector{}
	for _, metric := range strings.Split(vector, "/") {
		key, value, ok := strings.Cut(metric, ":")
		if !ok {
			continue
		}
		switch key {
		case "AV":
			v.AttackVector = attackVectors[value]
		case "AC":
			v.AccessComplexity = complexities[value]
		case "Au":
			v.Authentication = authentations[value]
		case "C":
			v.ConfidentialityImpact = impacts[value]
		case "I":
			v.IntegrityImpact = impacts[value]
		case "A":
			v.Availability = impacts[value]
		case "PR":
			v.PrivilegesRequired = impacts[value]
		case "UI":
			v.UserInteraction = interactions[value]
		case "S":
			v.Scope = scopes[value]
		}
	}
	return v
}

func (v Vector) IsZero() bool {
	return v == Vector{}
}
