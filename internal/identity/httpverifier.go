package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// HTTPVerifier is the concrete Verifier this repo ships: it forwards the
// bearer token to an external identity service and trusts its answer.
// How that service authenticates the token is its own concern; this is
// only the collaborator contract.
type HTTPVerifier struct {
	baseURL    string
	serviceKey string
	httpClient *http.Client
}

// NewHTTPVerifier creates an HTTPVerifier calling baseURL + "/verify" with
// the given service key on every request.
func NewHTTPVerifier(baseURL, serviceKey string) *HTTPVerifier {
	return &HTTPVerifier{
		baseURL:    baseURL,
		serviceKey: serviceKey,
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

type verifyResponse struct {
	UserID string `json:"user_id"`
}

// Verify implements Verifier.
func (v *HTTPVerifier) Verify(ctx context.Context, bearerToken string) (uuid.UUID, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.baseURL+"/verify", nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("building identity verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	if v.serviceKey != "" {
		req.Header.Set("X-Service-Key", v.serviceKey)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return uuid.Nil, fmt.Errorf("calling identity service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return uuid.Nil, ErrInvalidToken
	}

	var body verifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return uuid.Nil, fmt.Errorf("decoding identity service response: %w", err)
	}

	userID, err := uuid.Parse(body.UserID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("identity service returned invalid user id: %w", err)
	}
	return userID, nil
}
