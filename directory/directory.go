// Resolution of actor identifiers to display metadata, used to enrich cases
// and audit views. Lookups go to an external account service and are cached.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

var ErrActorNotFound = errors.New("actor not found")

type ActorInfo struct {
	ActorID     string `json:"actor_id"`
	DisplayName string `json:"display_name"`
	// eg "buyer", "seller", "moderator"
	Role string `json:"role"`
}

type Directory interface {
	ResolveActor(ctx context.Context, actorID string) (*ActorInfo, error)
}

// Directory backed by an external HTTP account service.
type HTTPDirectory struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPDirectory(baseURL string, client *http.Client) *HTTPDirectory {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPDirectory{BaseURL: baseURL, Client: client}
}

func (d *HTTPDirectory) ResolveActor(ctx context.Context, actorID string) (*ActorInfo, error) {
	u := fmt.Sprintf("%s/v1/actors/%s", d.BaseURL, url.PathEscape(actorID))
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolving actor %s: %w", actorID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrActorNotFound, actorID)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolving actor %s: status %d", actorID, resp.StatusCode)
	}
	var info ActorInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decoding actor %s: %w", actorID, err)
	}
	if info.ActorID == "" {
		info.ActorID = actorID
	}
	return &info, nil
}

// Static in-memory directory for tests and local development.
type MemDirectory struct {
	Actors map[string]ActorInfo
}

func NewMemDirectory() *MemDirectory {
	return &MemDirectory{Actors: make(map[string]ActorInfo)}
}

func (d *MemDirectory) Add(info ActorInfo) {
	d.Actors[info.ActorID] = info
}

func (d *MemDirectory) ResolveActor(ctx context.Context, actorID string) (*ActorInfo, error) {
	info, ok := d.Actors[actorID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrActorNotFound, actorID)
	}
	return &info, nil
}

// Default cache sizing for [NewCacheDirectory].
const (
	DefaultCacheSize = 10_000
	DefaultHitTTL    = time.Hour
	DefaultErrTTL    = time.Minute
)
