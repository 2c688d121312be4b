package httpserver

import (
	"encoding/json"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/pledgeboard/internal/app"
	"github.com/pscheid92/pledgeboard/internal/domain"
	apperrors "github.com/pscheid92/pledgeboard/internal/platform/errors"
	"github.com/shopspring/decimal"
)

const reasonAdminClear = "admin"

// amountInput accepts a JSON number or a numeric string. Any other JSON value
// is kept verbatim so validation can report it.
type amountInput string

func (a *amountInput) UnmarshalJSON(data []byte) error {
	switch {
	case string(data) == "null":
		*a = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid amount string: %w", err)
		}
		*a = amountInput(s)
	default:
		*a = amountInput(data)
	}
	return nil
}

type submitRequest struct {
	Organization string      `json:"organization"`
	Name         string      `json:"name"`
	Target       amountInput `json:"target"`
}

type confirmRequest struct {
	PersonID  int64       `json:"personId"`
	NewTarget amountInput `json:"newTarget"`
}

type submitResponse struct {
	Participant *domain.Pledge `json:"participant"`
	IsDuplicate bool           `json:"isDuplicate"`
}

type duplicateResponse struct {
	IsDuplicate    bool                   `json:"isDuplicate"`
	ExistingPerson domain.DuplicateNotice `json:"existingPerson"`
	Message        string                 `json:"message"`
}

type confirmResponse struct {
	Participant domain.Pledge   `json:"participant"`
	OldTarget   decimal.Decimal `json:"oldTarget"`
	NewTarget   decimal.Decimal `json:"newTarget"`
	IsUpdated   bool            `json:"isUpdated"`
}

type participantsResponse struct {
	Participants []domain.Pledge `json:"participants"`
	Total        int             `json:"total"`
	Timestamp    int64           `json:"timestamp"`
}

type statsResponse struct {
	Total           int             `json:"total"`
	MaxParticipants int             `json:"maxParticipants"`
	WSConnections   int             `json:"wsConnections"`
	MemoryUsage     app.MemoryUsage `json:"memoryUsage"`
	Uptime          float64         `json:"uptime"`
	LastUpdate      int64           `json:"lastUpdate"`
}

type clearResponse struct {
	ClearedCount int `json:"clearedCount"`
}

func bindJSON(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return apperrors.New(apperrors.TypeInvalidFormat, "request body must be a valid JSON object").
			WithField("bind_error", err.Error())
	}
	return nil
}

func (s *Server) handleSubmit(c echo.Context) error {
	var req submitRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}

	result, err := s.app.Submit(c.Request().Context(), c.RealIP(), domain.SubmitRequest{
		Organization: req.Organization,
		Name:         req.Name,
		Target:       string(req.Target),
	})
	if err != nil {
		return err
	}

	if dup := result.Duplicate; dup != nil {
		return s.respond(c, duplicateResponse{
			IsDuplicate:    true,
			ExistingPerson: *dup,
			Message: fmt.Sprintf("Participant already exists: %s (%s), current target %s. Overwrite with new target %s?",
				dup.Name, dup.Organization, dup.CurrentTarget.String(), dup.NewTarget.String()),
		}, "Duplicate participant detected")
	}

	return s.respond(c, submitResponse{Participant: result.Pledge, IsDuplicate: false}, "Submitted successfully!")
}

func (s *Server) handleConfirm(c echo.Context) error {
	var req confirmRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}

	result, err := s.app.ConfirmOverwrite(c.Request().Context(), req.PersonID, string(req.NewTarget))
	if err != nil {
		return err
	}

	return s.respond(c, confirmResponse{
		Participant: result.Pledge,
		OldTarget:   result.OldTarget,
		NewTarget:   result.NewTarget,
		IsUpdated:   true,
	}, "Target updated successfully!")
}

func (s *Server) handleListParticipants(c echo.Context) error {
	snap := s.app.Snapshot()
	participants := snap.Participants
	if participants == nil {
		participants = []domain.Pledge{}
	}

	return s.respond(c, participantsResponse{
		Participants: participants,
		Total:        len(participants),
		Timestamp:    snap.Timestamp,
	}, "OK")
}

func (s *Server) handleStats(c echo.Context) error {
	stats := s.app.Stats()

	var lastUpdate int64
	if !stats.LastUpdate.IsZero() {
		lastUpdate = stats.LastUpdate.UnixMilli()
	}

	return s.respond(c, statsResponse{
		Total:           stats.Total,
		MaxParticipants: stats.MaxParticipants,
		WSConnections:   s.hub.ClientCount(),
		MemoryUsage:     s.memory.Sample(),
		Uptime:          s.clock.Since(s.startTime).Seconds(),
		LastUpdate:      lastUpdate,
	}, "OK")
}

func (s *Server) handleClear(c echo.Context) error {
	cleared, err := s.app.Clear(c.Request().Context(), reasonAdminClear)
	if err != nil {
		return err
	}
	return s.respond(c, clearResponse{ClearedCount: cleared}, "Data cleared")
}
