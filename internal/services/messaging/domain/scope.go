// Package domain defines the messaging core types: conversation scopes and
// messages, with the validation rules shared by storage and transport.
package domain

import (
	"fmt"
	"strings"

	apperrors "github.com/SharadaShehan/Project-Management-App-Monolithic/internal/platform/errors"
)

// ScopeKind discriminates the three mutually exclusive conversation scopes.
type ScopeKind string

const (
	// ScopeDirect is a two-user conversation.
	ScopeDirect ScopeKind = "direct"
	// ScopeProject is a project-wide conversation.
	ScopeProject ScopeKind = "project"
	// ScopePhase is a phase-wide conversation.
	ScopePhase ScopeKind = "phase"
)

// ScopeKey canonically identifies one conversation scope.
//
// Direct keys store the two participant user ids sorted into A and B so the
// key is identical regardless of which participant addresses the other.
// Project and phase keys store the owning id in A and leave B empty.
type ScopeKey struct {
	Kind ScopeKind
	A    string
	B    string
}

// DirectScope returns the canonical key for a two-user conversation.
func DirectScope(userA, userB string) ScopeKey {
	userA = strings.TrimSpace(userA)
	userB = strings.TrimSpace(userB)
	if userB < userA {
		userA, userB = userB, userA
	}
	return ScopeKey{Kind: ScopeDirect, A: userA, B: userB}
}

// ProjectScope returns the key for a project-wide conversation.
func ProjectScope(projectID string) ScopeKey {
	return ScopeKey{Kind: ScopeProject, A: strings.TrimSpace(projectID)}
}

// PhaseScope returns the key for a phase-wide conversation.
func PhaseScope(phaseID string) ScopeKey {
	return ScopeKey{Kind: ScopePhase, A: strings.TrimSpace(phaseID)}
}

// IsZero reports whether the key carries no scope.
func (k ScopeKey) IsZero() bool {
	return k.Kind == "" && k.A == "" && k.B == ""
}

// String renders the canonical storage form of the key.
func (k ScopeKey) String() string {
	switch k.Kind {
	case ScopeDirect:
		return fmt.Sprintf("direct:%s:%s", k.A, k.B)
	case ScopeProject:
		return "project:" + k.A
	case ScopePhase:
		return "phase:" + k.A
	default:
		return ""
	}
}

// Participants returns the direct participants, or false for shared scopes.
func (k ScopeKey) Participants() (string, string, bool) {
	if k.Kind != ScopeDirect {
		return "", "", false
	}
	return k.A, k.B, true
}

// ParseScopeKey parses the canonical form produced by String.
func ParseScopeKey(value string) (ScopeKey, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	switch {
	case len(parts) == 3 && parts[0] == string(ScopeDirect) && parts[1] != "" && parts[2] != "":
		return DirectScope(parts[1], parts[2]), nil
	case len(parts) == 2 && parts[0] == string(ScopeProject) && parts[1] != "":
		return ProjectScope(parts[1]), nil
	case len(parts) == 2 && parts[0] == string(ScopePhase) && parts[1] != "":
		return PhaseScope(parts[1]), nil
	default:
		return ScopeKey{}, apperrors.New(apperrors.CodeScopeSelectorInvalid, fmt.Sprintf("malformed scope key %q", value))
	}
}

// ScopeSelector is the external addressing form of a scope: exactly one of
// the fields must be set.
type ScopeSelector struct {
	CounterpartUserID string `json:"counterpart_user_id,omitempty"`
	ProjectID         string `json:"project_id,omitempty"`
	PhaseID           string `json:"phase_id,omitempty"`
}

// Resolve derives the canonical ScopeKey a selector addresses on behalf of
// callerID. A direct selector naming the caller itself is rejected.
func Resolve(selector ScopeSelector, callerID string) (ScopeKey, error) {
	callerID = strings.TrimSpace(callerID)
	counterpart := strings.TrimSpace(selector.CounterpartUserID)
	projectID := strings.TrimSpace(selector.ProjectID)
	phaseID := strings.TrimSpace(selector.PhaseID)

	set := 0
	for _, field := range []string{counterpart, projectID, phaseID} {
		if field != "" {
			set++
		}
	}
	if set != 1 {
		return ScopeKey{}, apperrors.New(apperrors.CodeScopeSelectorInvalid, "exactly one of counterpart_user_id, project_id, phase_id is required")
	}

	switch {
	case counterpart != "":
		if callerID == "" {
			return ScopeKey{}, apperrors.New(apperrors.CodeScopeSelectorInvalid, "caller id is required for direct scopes")
		}
		if err := validateScopeID(callerID); err != nil {
			return ScopeKey{}, err
		}
		if err := validateScopeID(counterpart); err != nil {
			return ScopeKey{}, err
		}
		if counterpart == callerID {
			return ScopeKey{}, apperrors.New(apperrors.CodeScopeSelfConversation, "cannot open a direct conversation with yourself")
		}
		return DirectScope(callerID, counterpart), nil
	case projectID != "":
		if err := validateScopeID(projectID); err != nil {
			return ScopeKey{}, err
		}
		return ProjectScope(projectID), nil
	default:
		if err := validateScopeID(phaseID); err != nil {
			return ScopeKey{}, err
		}
		return PhaseScope(phaseID), nil
	}
}

// validateScopeID rejects identifiers that would corrupt the canonical key
// form, which uses ':' as its field separator.
func validateScopeID(id string) error {
	if strings.ContainsRune(id, ':') {
		return apperrors.New(apperrors.CodeScopeSelectorInvalid, fmt.Sprintf("identifier %q must not contain ':'", id))
	}
	return nil
}
