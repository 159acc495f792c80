package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"identitymap/api/internal/archive"
	"identitymap/api/internal/config"
	"identitymap/api/internal/events"
	"identitymap/api/internal/joincode"
	"identitymap/api/internal/store"
)

const (
	maxCodeAttempts = 3
	maxBatchSize    = 50
	maxLabelLength  = 64
	maxValueLength  = 120
)

type JoinSessionInput struct {
	Code         string `json:"code"`
	DisplayName  string `json:"displayName"`
	ConsentGiven bool   `json:"consentGiven"`
	IsVisible    *bool  `json:"isVisible"`
}

type IdentityItemInput struct {
	Lens   string  `json:"lens"`
	Type   string  `json:"type"`
	Label  *string `json:"label"`
	Value  string  `json:"value"`
	Weight int     `json:"weight"`
}

var allowedLenses = map[string]struct{}{
	"GIVEN":  {},
	"CHOSEN": {},
	"CORE":   {},
}

var allowedItemTypes = map[string]struct{}{
	"tag":  {},
	"text": {},
}

type dataStore interface {
	InsertSession(context.Context, store.Session) error
	SessionCodeExists(context.Context, string) (bool, error)
	FindSessionByCode(context.Context, string) (store.Session, error)
	GetSession(context.Context, string) (store.Session, error)
	InsertParticipant(context.Context, store.Participant) error
	GetParticipant(context.Context, string) (store.Participant, error)
	UpdateParticipantVisibility(context.Context, string, bool) (bool, error)
	DeleteParticipant(context.Context, string) error
	ListVisibleParticipants(context.Context, string) ([]store.Participant, error)
	InsertIdentityItems(context.Context, []store.IdentityItem) error
	ListIdentityItems(context.Context, string) ([]store.IdentityItem, error)
	Ping(ctx context.Context) error
}

// eventSink is write-only; a failing sink must never fail the action
// that produced the event.
type eventSink interface {
	InsertEvent(context.Context, store.Event) error
}

type archiver interface {
	Store(ctx context.Context, key string, data []byte) error
}

type Service struct {
	cfg     config.Config
	store   dataStore
	events  eventSink
	archive archiver
}

// New builds a service recording audit events in Postgres. The archive
// service is optional; exports are rejected when it is nil.
func New(cfg config.Config, dataStore *store.PostgresStore, archiveService *archive.Service) *Service {
	s := &Service{
		cfg:    cfg,
		store:  dataStore,
		events: dataStore,
	}
	if archiveService != nil {
		s.archive = archiveService
	}
	return s
}

// NewWithEventSink is New with audit events routed to a Redis stream.
func NewWithEventSink(cfg config.Config, dataStore *store.PostgresStore, sink *events.RedisSink, archiveService *archive.Service) *Service {
	s := New(cfg, dataStore, archiveService)
	if sink != nil {
		s.events = sink
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateSession mints a join code and inserts the session. Codes are
// pre-checked for collisions and regenerated one character longer per
// collision; the unique index on sessions.code is the final backstop,
// and a unique violation at insert time re-enters the same bounded
// retry rather than failing outright.
func (s *Service) CreateSession(ctx context.Context, title, facilitatorEmail, expiresAt string) (map[string]any, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, domainError(http.StatusBadRequest, "invalid_request", "title is required")
	}

	var expires *time.Time
	if trimmed := strings.TrimSpace(expiresAt); trimmed != "" {
		parsed, err := time.Parse(time.RFC3339, trimmed)
		if err != nil {
			return nil, domainError(http.StatusBadRequest, "invalid_request", "expiresAt must be an RFC 3339 timestamp")
		}
		expires = &parsed
	}

	var email *string
	if trimmed := strings.TrimSpace(facilitatorEmail); trimmed != "" {
		email = &trimmed
	}

	length := s.cfg.JoinCodeLength
	if length <= 0 {
		length = joincode.DefaultLength
	}

	code := ""
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code = joincode.Generate(length + attempt)
		exists, err := s.store.SessionCodeExists(ctx, code)
		if err != nil {
			return nil, err
		}
		if !exists {
			break
		}
	}
	// The last candidate is used even when every attempt collided.

	session := store.Session{
		ID:               newID("sess"),
		Code:             code,
		Title:            title,
		FacilitatorEmail: email,
		ExpiresAt:        expires,
	}

	var insertErr error
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		insertErr = s.store.InsertSession(ctx, session)
		if insertErr == nil {
			return map[string]any{"sessionId": session.ID, "code": session.Code}, nil
		}
		if !store.IsUniqueViolation(insertErr) {
			return nil, insertErr
		}
		session.Code = joincode.Generate(len(session.Code) + 1)
	}
	return nil, insertErr
}

// JoinSession validates the request, resolves the session by code and
// inserts the participant. Consent must be exactly true and is checked
// before any store call.
func (s *Service) JoinSession(ctx context.Context, input JoinSessionInput) (map[string]any, error) {
	code := strings.TrimSpace(input.Code)
	if code == "" {
		return nil, domainError(http.StatusBadRequest, "invalid_request", "code is required")
	}
	displayName := strings.TrimSpace(input.DisplayName)
	if displayName == "" {
		return nil, domainError(http.StatusBadRequest, "invalid_request", "displayName is required")
	}
	if !input.ConsentGiven {
		return nil, domainError(http.StatusBadRequest, "consent_required", "Consent is required")
	}

	session, err := s.store.FindSessionByCode(ctx, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "session_not_found", "Session not found")
	}
	if err != nil {
		return nil, err
	}
	if session.ExpiresAt != nil && session.ExpiresAt.Before(time.Now()) {
		return nil, domainError(http.StatusBadRequest, "session_expired", "Session has expired")
	}

	participant := store.Participant{
		ID:           newID("pt"),
		SessionID:    session.ID,
		DisplayName:  displayName,
		ConsentGiven: true,
	}
	if input.IsVisible != nil {
		participant.IsVisible = *input.IsVisible
	}
	if err := s.store.InsertParticipant(ctx, participant); err != nil {
		return nil, err
	}

	s.recordEvent(ctx, session.ID, &participant.ID, "join", nil)

	return map[string]any{"participantId": participant.ID, "message": "Joined session successfully"}, nil
}

// AddItems bulk-inserts a validated batch of identity items for one
// participant. The store call is all-or-nothing.
func (s *Service) AddItems(ctx context.Context, participantID string, items []IdentityItemInput) (map[string]any, error) {
	if strings.TrimSpace(participantID) == "" {
		return nil, domainError(http.StatusBadRequest, "invalid_request", "participantId is required")
	}
	if len(items) == 0 || len(items) > maxBatchSize {
		return nil, domainError(http.StatusBadRequest, "invalid_request",
			fmt.Sprintf("items must contain between 1 and %d entries", maxBatchSize))
	}
	for i, item := range items {
		if err := validateItem(item); err != nil {
			return nil, domainError(http.StatusBadRequest, "invalid_request", fmt.Sprintf("items[%d]: %v", i, err))
		}
	}

	participant, err := s.store.GetParticipant(ctx, participantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "participant_not_found", "Participant not found")
	}
	if err != nil {
		return nil, err
	}

	rows := make([]store.IdentityItem, 0, len(items))
	for _, item := range items {
		rows = append(rows, store.IdentityItem{
			ID:            newID("it"),
			ParticipantID: participant.ID,
			Lens:          item.Lens,
			Type:          item.Type,
			Label:         item.Label,
			Value:         item.Value,
			Weight:        item.Weight,
		})
	}
	if err := s.store.InsertIdentityItems(ctx, rows); err != nil {
		return nil, err
	}

	s.recordEvent(ctx, participant.SessionID, &participant.ID, "identity_add", map[string]any{"count": len(rows)})

	return map[string]any{"inserted": len(rows)}, nil
}

func validateItem(item IdentityItemInput) error {
	if _, ok := allowedLenses[item.Lens]; !ok {
		return fmt.Errorf("lens must be one of GIVEN, CHOSEN, CORE")
	}
	if _, ok := allowedItemTypes[item.Type]; !ok {
		return fmt.Errorf("type must be tag or text")
	}
	if item.Label != nil && utf8.RuneCountInString(*item.Label) > maxLabelLength {
		return fmt.Errorf("label must be at most %d characters", maxLabelLength)
	}
	if length := utf8.RuneCountInString(item.Value); length < 1 || length > maxValueLength {
		return fmt.Errorf("value must be between 1 and %d characters", maxValueLength)
	}
	if item.Weight < 1 || item.Weight > 3 {
		return fmt.Errorf("weight must be 1, 2 or 3")
	}
	return nil
}

// ListItems returns the participant's items in creation order. An
// unknown participant yields an empty list, not an error.
func (s *Service) ListItems(ctx context.Context, participantID string) (map[string]any, error) {
	if strings.TrimSpace(participantID) == "" {
		return nil, domainError(http.StatusBadRequest, "invalid_request", "participantId is required")
	}
	items, err := s.store.ListIdentityItems(ctx, participantID)
	if err != nil {
		return nil, err
	}
	payload := make([]map[string]any, 0, len(items))
	for _, item := range items {
		payload = append(payload, identityItemPayload(item))
	}
	return map[string]any{"items": payload}, nil
}

func identityItemPayload(item store.IdentityItem) map[string]any {
	return map[string]any{
		"id":            item.ID,
		"participantId": item.ParticipantID,
		"lens":          item.Lens,
		"type":          item.Type,
		"label":         item.Label,
		"value":         item.Value,
		"weight":        item.Weight,
		"createdAt":     item.CreatedAt,
	}
}

func (s *Service) SetVisibility(ctx context.Context, participantID string, isVisible bool) (map[string]any, error) {
	if strings.TrimSpace(participantID) == "" {
		return nil, domainError(http.StatusBadRequest, "invalid_request", "participantId is required")
	}

	participant, err := s.store.GetParticipant(ctx, participantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "participant_not_found", "Participant not found")
	}
	if err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateParticipantVisibility(ctx, participant.ID, isVisible)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, domainError(http.StatusNotFound, "participant_not_found", "Participant not found")
	}

	s.recordEvent(ctx, participant.SessionID, &participant.ID, "visibility_toggle", map[string]any{"isVisible": isVisible})

	return map[string]any{"isVisible": isVisible}, nil
}

// DeleteParticipant removes the participant and, via the cascading
// foreign key, all of their identity items. The prior lookup exists
// only to address the audit event; deletion proceeds without it.
func (s *Service) DeleteParticipant(ctx context.Context, participantID string) (map[string]any, error) {
	if strings.TrimSpace(participantID) == "" {
		return nil, domainError(http.StatusBadRequest, "invalid_request", "participantId is required")
	}

	participant, lookupErr := s.store.GetParticipant(ctx, participantID)

	if err := s.store.DeleteParticipant(ctx, participantID); err != nil {
		return nil, err
	}

	if lookupErr == nil {
		s.recordEvent(ctx, participant.SessionID, &participant.ID, "delete", nil)
	}

	return map[string]any{"ok": true}, nil
}

// SessionParticipants returns the visible roster of a session.
func (s *Service) SessionParticipants(ctx context.Context, sessionID string) (map[string]any, error) {
	session, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "session_not_found", "Session not found")
	}
	if err != nil {
		return nil, err
	}

	participants, err := s.store.ListVisibleParticipants(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	payload := make([]map[string]any, 0, len(participants))
	for _, participant := range participants {
		payload = append(payload, map[string]any{
			"participantId": participant.ID,
			"displayName":   participant.DisplayName,
			"joinedAt":      participant.CreatedAt,
		})
	}
	return map[string]any{"participants": payload}, nil
}

// ExportSession writes a JSON snapshot of the session's visible
// participants and their items to object storage and returns the key.
func (s *Service) ExportSession(ctx context.Context, sessionID string) (map[string]any, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusServiceUnavailable, "archive_unavailable", "Export storage is not configured")
	}

	session, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "session_not_found", "Session not found")
	}
	if err != nil {
		return nil, err
	}

	participants, err := s.store.ListVisibleParticipants(ctx, session.ID)
	if err != nil {
		return nil, err
	}

	entries := make([]map[string]any, 0, len(participants))
	for _, participant := range participants {
		items, err := s.store.ListIdentityItems(ctx, participant.ID)
		if err != nil {
			return nil, err
		}
		itemPayload := make([]map[string]any, 0, len(items))
		for _, item := range items {
			itemPayload = append(itemPayload, identityItemPayload(item))
		}
		entries = append(entries, map[string]any{
			"participantId": participant.ID,
			"displayName":   participant.DisplayName,
			"joinedAt":      participant.CreatedAt,
			"items":         itemPayload,
		})
	}

	snapshot := map[string]any{
		"sessionId":    session.ID,
		"code":         session.Code,
		"title":        session.Title,
		"participants": entries,
		"exportedAt":   time.Now().UTC(),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return nil, fmt.Errorf("marshal session snapshot: %w", err)
	}

	key := exportKey(session.ID, time.Now().UTC())
	if err := s.archive.Store(ctx, key, data); err != nil {
		return nil, err
	}

	s.recordEvent(ctx, session.ID, nil, "session_export", map[string]any{"key": key})

	return map[string]any{"key": key}, nil
}

func exportKey(sessionID string, at time.Time) string {
	return fmt.Sprintf("sessions/%s/%s.json", sessionID, at.Format("20060102T150405Z"))
}

// recordEvent is best effort: audit failures are logged and swallowed.
func (s *Service) recordEvent(ctx context.Context, sessionID string, participantID *string, eventType string, payload map[string]any) {
	event := store.Event{
		ID:            newID("ev"),
		SessionID:     sessionID,
		ParticipantID: participantID,
		EventType:     eventType,
		Payload:       payload,
	}
	if err := s.events.InsertEvent(ctx, event); err != nil {
		log.Printf("record %s event: %v", eventType, err)
	}
}

func newID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return prefix + "_" + hex.EncodeToString(bytes)
}
