package orch

import (
	"encoding/json"

	"github.com/dkeye/WatchRoom/internal/domain"
	"github.com/dkeye/WatchRoom/internal/playback"
)

type errorFrame struct {
	Type         string `json:"type"`
	Cmd          string `json:"cmd"`
	Ref          string `json:"ref,omitempty"`
	Code         string `json:"code"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

type you struct {
	Identity domain.Identity `json:"identity"`
	Role     domain.Role     `json:"role"`
}

type roomStateFrame struct {
	Type    string               `json:"type"`
	Ref     string               `json:"ref,omitempty"`
	State   playback.Snapshot    `json:"state"`
	You     *you                 `json:"you,omitempty"`
	History []domain.ChatMessage `json:"history,omitempty"`
}

type memberFrame struct {
	Type        string        `json:"type"`
	Identity    domain.UserID `json:"identity"`
	DisplayName string        `json:"displayName"`
	MemberCount int           `json:"memberCount"`
}

type handQueueFrame struct {
	Type  string          `json:"type"`
	Queue []domain.UserID `json:"queue"`
}

type roleFrame struct {
	Type     string        `json:"type"`
	Identity domain.UserID `json:"identity"`
	NewRole  domain.Role   `json:"newRole"`
}

type chatFrame struct {
	Type    string             `json:"type"`
	Message domain.ChatMessage `json:"message"`
}

type signalFrame struct {
	Type         string          `json:"type"`
	FromIdentity domain.UserID   `json:"fromIdentity"`
	Payload      json.RawMessage `json:"payload"`
}

type peerFrame struct {
	Type     string        `json:"type"`
	Identity domain.UserID `json:"identity"`
	Kind     string        `json:"kind"`
}

type leftFrame struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
	Room string `json:"roomId"`
}
