package dto

import (
	"github.com/EternisAI/shellmux/internal/audit"
	"github.com/EternisAI/shellmux/internal/session"
)

type SessionsResponse struct {
	Sessions []session.Info `json:"sessions"`
	Count    int            `json:"count"`
}

type SessionEventsResponse struct {
	SessionID string        `json:"session_id"`
	Events    []audit.Event `json:"events"`
}

type MessageResponse struct {
	Message string `json:"message"`
}
