package matchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/lebdeal/lebdeal-go/internal/match"
)

// Client talks to the match service's JSON API. It is the production
// implementation of the store interfaces the coordination layers consume;
// every write goes through the server's own validation, so losing a
// submission race surfaces here as ErrStaleTurn.
type Client struct {
	baseURL string
	client  *http.Client
	headers map[string]string
}

// NewClient creates a client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		headers: make(map[string]string),
	}
}

// SetHeader sets a header sent with every request.
func (c *Client) SetHeader(key, value string) {
	c.headers[key] = value
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.SetHeader("Authorization", "Bearer "+token)
}

// SetTimeout overrides the default request timeout.
func (c *Client) SetTimeout(timeout time.Duration) {
	c.client.Timeout = timeout
}

var (
	_ match.Store              = (*Client)(nil)
	_ match.SeatViewReader     = (*Client)(nil)
	_ match.CoordinatorInvoker = (*Client)(nil)
)

// ReadTurnState fetches the authoritative turn state.
func (c *Client) ReadTurnState(ctx context.Context, matchID uuid.UUID) (*match.TurnState, error) {
	body, err := c.makeRequest(ctx, http.MethodGet, fmt.Sprintf("/api/matches/%s/turn", matchID), nil)
	if err != nil {
		return nil, err
	}
	var turn match.TurnState
	if err := json.Unmarshal(body, &turn); err != nil {
		return nil, fmt.Errorf("decode turn state: %w", err)
	}
	return &turn, nil
}

// SubmitMove submits one move for one player. A 409 from the server means
// someone else's move won this turn.
func (c *Client) SubmitMove(ctx context.Context, matchID uuid.UUID, playerIndex int, move match.Move) (*match.MoveResult, error) {
	endpoint := fmt.Sprintf("/api/matches/%s/players/%d/moves", matchID, playerIndex)
	body, err := c.makeRequest(ctx, http.MethodPost, endpoint, move)
	if err != nil {
		return nil, err
	}
	var result match.MoveResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode move result: %w", err)
	}
	return &result, nil
}

// ReadTimerSnapshot fetches the current timer activation. A 404 means no
// timer exists right now, which is a normal state, not an error.
func (c *Client) ReadTimerSnapshot(ctx context.Context, matchID uuid.UUID) (*match.TimerSnapshot, error) {
	body, err := c.makeRequest(ctx, http.MethodGet, fmt.Sprintf("/api/matches/%s/timer", matchID), nil)
	if err != nil {
		if match.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var snap match.TimerSnapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("decode timer snapshot: %w", err)
	}
	return &snap, nil
}

// ClearTimerSnapshot deletes the timer record. Deleting an already-cleared
// timer succeeds.
func (c *Client) ClearTimerSnapshot(ctx context.Context, matchID uuid.UUID) error {
	_, err := c.makeRequest(ctx, http.MethodDelete, fmt.Sprintf("/api/matches/%s/timer", matchID), nil)
	if err != nil && !match.IsNotFound(err) {
		return err
	}
	return nil
}

// ReadSeatView fetches the private view for one seat.
func (c *Client) ReadSeatView(ctx context.Context, matchID uuid.UUID, playerIndex int) (*match.SeatView, error) {
	endpoint := fmt.Sprintf("/api/matches/%s/players/%d/view", matchID, playerIndex)
	body, err := c.makeRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	var view match.SeatView
	if err := json.Unmarshal(body, &view); err != nil {
		return nil, fmt.Errorf("decode seat view: %w", err)
	}
	return &view, nil
}

// InvokeCoordinator asks the server-side coordinator to resolve a stuck
// turn. A conflict means a coordinator run is already in progress, which is
// the outcome we wanted anyway.
func (c *Client) InvokeCoordinator(ctx context.Context, matchID uuid.UUID) error {
	_, err := c.makeRequest(ctx, http.MethodPost, fmt.Sprintf("/api/matches/%s/coordinator-run", matchID), nil)
	if err != nil {
		if match.IsStaleTurn(err) {
			log.Debug().Str("match_id", matchID.String()).Msg("coordinator run already in progress")
			return nil
		}
		return err
	}
	return nil
}

func (c *Client) makeRequest(ctx context.Context, method, endpoint string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range c.headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", match.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response body: %w", match.ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(resp.StatusCode, responseBody)
	}
	return responseBody, nil
}

// statusError maps API status codes onto the domain's sentinel errors so
// callers branch with errors.Is instead of status comparisons.
func statusError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	switch {
	case status == http.StatusConflict:
		return fmt.Errorf("%w: %s", match.ErrStaleTurn, msg)
	case status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", match.ErrInvalidMove, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", match.ErrMatchNotFound, msg)
	case status >= 500 || status == http.StatusTooManyRequests:
		return fmt.Errorf("%w: API returned status code: %d, response: %s", match.ErrUnavailable, status, msg)
	default:
		return fmt.Errorf("API returned status code: %d, response: %s", status, msg)
	}
}
