package models

import (
	"encoding/json"
	"time"
)

// TestType tags what a test exercises.
type TestType string

const (
	// TestTypeAction judges the state change an agent's actions produce.
	TestTypeAction TestType = "actionEval"
	// TestTypeRetrieval judges retrieval quality; no state change expected.
	TestTypeRetrieval TestType = "retriEval"
	// TestTypeComposite combines action and retrieval judging.
	TestTypeComposite TestType = "compositeEval"
)

// Valid reports whether t is a known test type.
func (t TestType) Valid() bool {
	switch t {
	case TestTypeAction, TestTypeRetrieval, TestTypeComposite:
		return true
	}
	return false
}

// Test is one catalog entry: a prompt for the agent plus the declarative
// expected-output spec its change set is scored against.
type Test struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Prompt          string          `json:"prompt"`
	Type            TestType        `json:"type"`
	ExpectedOutput  json.RawMessage `json:"expectedOutput,omitempty"` // assertion DSL document
	TemplateSchema  string          `json:"templateSchema"`
	ImpersonateUser *string         `json:"impersonateUser,omitempty"`

	Visibility Visibility `json:"visibility"`
	OwnerID    *string    `json:"ownerId,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// VisibleTo mirrors template visibility: public or owned.
func (t *Test) VisibleTo(principalID string) bool {
	if t.Visibility == VisibilityPublic {
		return true
	}
	return t.OwnerID != nil && *t.OwnerID == principalID
}

// TestSuite groups tests via membership rows.
type TestSuite struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Visibility  Visibility `json:"visibility"`
	OwnerID     *string    `json:"ownerId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// VisibleTo mirrors template visibility: public or owned.
func (s *TestSuite) VisibleTo(principalID string) bool {
	if s.Visibility == VisibilityPublic {
		return true
	}
	return s.OwnerID != nil && *s.OwnerID == principalID
}

// TestMembership links a test into a suite.
type TestMembership struct {
	ID        string    `json:"id"`
	SuiteID   string    `json:"suiteId"`
	TestID    string    `json:"testId"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"createdAt"`
}
