package model

import (
	"regexp"
	"strings"
	"time"
)

// Field length limits for function registration. These bound what a single
// POST /functions submission can push into the registry snapshot, the
// classifier corpus, and the functions table.
const (
	MaxFunctionNameLen = 64
	MaxDescriptionLen  = 1024
	MaxPatternLen      = 128
	MaxPatterns        = 32
	MaxParameters      = 16
	MaxSourceBytes     = 64 * 1024 // 64 KB
)

var functionNameRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ParameterSpec describes one keyword parameter accepted by an operation.
// Declared names are the binding contract: the dispatcher passes only
// parameters whose names appear here.
type ParameterSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // string, number, integer, boolean
	Default     any    `json:"default,omitempty"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

var validParamTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
}

// FunctionDescriptor is the registry metadata record for one executable
// operation. Name is unique across the live registry snapshot.
type FunctionDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Patterns    []string        `json:"patterns"`
	Parameters  []ParameterSpec `json:"parameters,omitempty"`
	Deprecated  bool            `json:"deprecated"`
	Added       time.Time       `json:"added"`

	// Provenance, populated for runtime-submitted functions only.
	Dynamic     bool   `json:"dynamic,omitempty"`
	Creator     string `json:"creator,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
}

// ValidateDescriptor enforces the registration invariants: a well-formed
// unique-able name, a non-empty description (GET /list promises one for
// every registered function), and bounded pattern/parameter lists.
func ValidateDescriptor(d FunctionDescriptor) error {
	if d.Name == "" {
		return E(KindInvalidInput, "function name is required")
	}
	if len(d.Name) > MaxFunctionNameLen {
		return Ef(KindInvalidInput, "function name exceeds %d characters", MaxFunctionNameLen)
	}
	if !functionNameRe.MatchString(d.Name) {
		return Ef(KindInvalidInput, "function name %q must match %s", d.Name, functionNameRe.String())
	}
	if strings.TrimSpace(d.Description) == "" {
		return Ef(KindInvalidInput, "function %q requires a non-empty description", d.Name)
	}
	if len(d.Description) > MaxDescriptionLen {
		return Ef(KindInvalidInput, "description exceeds %d characters", MaxDescriptionLen)
	}
	if len(d.Patterns) > MaxPatterns {
		return Ef(KindInvalidInput, "more than %d patterns", MaxPatterns)
	}
	for _, p := range d.Patterns {
		if len(p) > MaxPatternLen {
			return Ef(KindInvalidInput, "pattern %q exceeds %d characters", p, MaxPatternLen)
		}
	}
	if len(d.Parameters) > MaxParameters {
		return Ef(KindInvalidInput, "more than %d parameters", MaxParameters)
	}
	seen := make(map[string]bool, len(d.Parameters))
	for _, p := range d.Parameters {
		if p.Name == "" {
			return Ef(KindInvalidInput, "function %q declares a parameter without a name", d.Name)
		}
		if seen[p.Name] {
			return Ef(KindInvalidInput, "function %q declares parameter %q twice", d.Name, p.Name)
		}
		seen[p.Name] = true
		if p.Type != "" && !validParamTypes[p.Type] {
			return Ef(KindInvalidInput, "parameter %q has unknown type %q", p.Name, p.Type)
		}
	}
	return nil
}

// DynamicFunction is a runtime code submission headed for the registry gate.
type DynamicFunction struct {
	Name        string
	Source      string
	Patterns    []string
	Description string
	Parameters  []ParameterSpec
	Creator     string
}

// AuditAction enumerates recorded registry events.
type AuditAction string

const (
	AuditRegistered   AuditAction = "registered"
	AuditRejected     AuditAction = "rejected"
	AuditReloaded     AuditAction = "reloaded"
	AuditReloadFailed AuditAction = "reload_failed"
)

// FunctionAuditEntry is one row of the registry audit trail.
type FunctionAuditEntry struct {
	ID           int64       `json:"id"`
	FunctionName string      `json:"function_name"`
	Action       AuditAction `json:"action"`
	Creator      string      `json:"creator,omitempty"`
	ContentHash  string      `json:"content_hash,omitempty"`
	Detail       string      `json:"detail,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// AuditProof is a Merkle root over a batch of audit content hashes,
// chained to the previous batch for tamper evidence.
type AuditProof struct {
	ID           int64     `json:"id"`
	BatchStart   time.Time `json:"batch_start"`
	BatchEnd     time.Time `json:"batch_end"`
	EntryCount   int       `json:"entry_count"`
	RootHash     string    `json:"root_hash"`
	PreviousRoot *string   `json:"previous_root,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
