package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/platform/timeouts"
	"github.com/SharadaShehan/Project-Management-App-Monolithic/internal/services/messaging/domain"
)

// HTTPDirectory resolves scope membership against the application's user and
// project registry over its internal JSON endpoints.
type HTTPDirectory struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPDirectory builds a directory client for baseURL.
func NewHTTPDirectory(baseURL string, httpClient *http.Client) (*HTTPDirectory, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("directory base url is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeouts.DirectoryRequest}
	}
	return &HTTPDirectory{baseURL: baseURL, httpClient: httpClient}, nil
}

type directoryMembershipResponse struct {
	Member bool `json:"member"`
}

type directoryScopesResponse struct {
	Scopes []struct {
		Kind              string `json:"kind"`
		CounterpartUserID string `json:"counterpart_user_id,omitempty"`
		ProjectID         string `json:"project_id,omitempty"`
		PhaseID           string `json:"phase_id,omitempty"`
	} `json:"scopes"`
}

func (d *HTTPDirectory) getJSON(ctx context.Context, path string, query map[string]string, out any) error {
	if d == nil || d.httpClient == nil {
		return fmt.Errorf("directory is not configured")
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeouts.DirectoryRequest)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build directory request: %w", err)
	}
	values := req.URL.Query()
	for key, value := range query {
		values.Set(key, value)
	}
	req.URL.RawQuery = values.Encode()

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("call directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode directory response: %w", err)
	}
	return nil
}

// IsMember reports whether userID participates in scope.
func (d *HTTPDirectory) IsMember(ctx context.Context, scope domain.ScopeKey, userID string) (bool, error) {
	var payload directoryMembershipResponse
	err := d.getJSON(ctx, "/internal/memberships/check", map[string]string{
		"scope":   scope.String(),
		"user_id": userID,
	}, &payload)
	if err != nil {
		return false, err
	}
	return payload.Member, nil
}

// MemberScopes lists every scope userID participates in.
func (d *HTTPDirectory) MemberScopes(ctx context.Context, userID string) ([]domain.ScopeKey, error) {
	var payload directoryScopesResponse
	err := d.getJSON(ctx, "/internal/memberships/scopes", map[string]string{
		"user_id": userID,
	}, &payload)
	if err != nil {
		return nil, err
	}

	scopes := make([]domain.ScopeKey, 0, len(payload.Scopes))
	for _, entry := range payload.Scopes {
		switch domain.ScopeKind(entry.Kind) {
		case domain.ScopeDirect:
			scopes = append(scopes, domain.DirectScope(userID, entry.CounterpartUserID))
		case domain.ScopeProject:
			scopes = append(scopes, domain.ProjectScope(entry.ProjectID))
		case domain.ScopePhase:
			scopes = append(scopes, domain.PhaseScope(entry.PhaseID))
		default:
			return nil, fmt.Errorf("directory returned unknown scope kind %q", entry.Kind)
		}
	}
	return scopes, nil
}

// StaticDirectory is an in-memory Directory for tests and local runs.
type StaticDirectory struct {
	mu      sync.Mutex
	members map[string]map[string]struct{}
}

// NewStaticDirectory returns an empty StaticDirectory.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{members: make(map[string]map[string]struct{})}
}

// AddMember registers userID as a member of scope.
func (d *StaticDirectory) AddMember(scope domain.ScopeKey, userID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := scope.String()
	if _, ok := d.members[key]; !ok {
		d.members[key] = make(map[string]struct{})
	}
	d.members[key][userID] = struct{}{}
}

// AddDirectPair registers a direct conversation between two users.
func (d *StaticDirectory) AddDirectPair(userA, userB string) {
	scope := domain.DirectScope(userA, userB)
	d.AddMember(scope, userA)
	d.AddMember(scope, userB)
}

// IsMember reports whether userID was registered as a member of scope.
// Direct scope participants are members without registration.
func (d *StaticDirectory) IsMember(_ context.Context, scope domain.ScopeKey, userID string) (bool, error) {
	if a, b, ok := scope.Participants(); ok && (userID == a || userID == b) {
		return true, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.members[scope.String()][userID]
	return ok, nil
}

// MemberScopes lists the registered scopes of userID in stable order.
func (d *StaticDirectory) MemberScopes(_ context.Context, userID string) ([]domain.ScopeKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]string, 0, len(d.members))
	for key, users := range d.members {
		if _, ok := users[userID]; ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	scopes := make([]domain.ScopeKey, 0, len(keys))
	for _, key := range keys {
		scope, err := domain.ParseScopeKey(key)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}
	return scopes, nil
}
