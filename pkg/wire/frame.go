// SPDX-FileCopyrightText: Copyright 2025 Codemux Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the bidirectional message frames exchanged with
// clients and the payloads they carry. Every frame is a self-describing
// envelope; request IDs are client-chosen on requests and echoed on replies.
package wire

import (
	"encoding/json"
	"fmt"
)

// FrameType identifies the kind of a frame.
type FrameType string

// Frame types recognized on the wire.
const (
	FrameCompletionRequest  FrameType = "completion.request"
	FrameCompletionPartial  FrameType = "completion.partial"
	FrameCompletionFinal    FrameType = "completion.final"
	FrameCompletionFeedback FrameType = "completion.feedback"
	FrameChatRequest        FrameType = "chat.request"
	FrameChatPartial        FrameType = "chat.partial"
	FrameChatFinal          FrameType = "chat.final"
	FrameContextUpdate      FrameType = "context.update"
	FrameContextAck         FrameType = "context.ack"
	FrameContextBroadcast   FrameType = "context.broadcast"
	FrameError              FrameType = "error"
	FramePing               FrameType = "ping"
	FramePong               FrameType = "pong"

	// FrameInferenceComplete is internal: workers publish it on the reply
	// channel when every model of a request has reported. It is consumed by
	// the orchestrator and never forwarded to clients.
	FrameInferenceComplete FrameType = "inference.complete"
)

// Frame is the envelope for every message on a connection.
type Frame struct {
	Type      FrameType       `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewFrame marshals payload into a frame of the given type.
func NewFrame(t FrameType, requestID string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: t, RequestID: requestID}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return Frame{Type: t, RequestID: requestID, Payload: raw}, nil
}

// MustFrame is NewFrame for payloads that cannot fail to marshal.
func MustFrame(t FrameType, requestID string, payload any) Frame {
	f, err := NewFrame(t, requestID, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// DecodePayload unmarshals the frame payload into dst.
func (f Frame) DecodePayload(dst any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("frame %s has no payload", f.Type)
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", f.Type, err)
	}
	return nil
}

// CodeContext is the completion context around the caret.
type CodeContext struct {
	Prefix       string   `json:"prefix"`
	Suffix       string   `json:"suffix"`
	FileName     string   `json:"file_name,omitempty"`
	SelectedText string   `json:"selected_text,omitempty"`
	ContextFiles []string `json:"context_files,omitempty"`
}

// ContextualTelemetry captures the editing environment at request time.
type ContextualTelemetry struct {
	VersionID                int      `json:"version_id"`
	TriggerTypeID            int      `json:"trigger_type_id"`
	LanguageID               int      `json:"language_id"`
	FilePath                 string   `json:"file_path,omitempty"`
	CaretLine                *int     `json:"caret_line,omitempty"`
	DocumentCharLength       *int     `json:"document_char_length,omitempty"`
	RelativeDocumentPosition *float64 `json:"relative_document_position,omitempty"`
}

// BehavioralTelemetry captures user interaction timing.
type BehavioralTelemetry struct {
	TimeSinceLastShownMS    *int64 `json:"time_since_last_shown,omitempty"`
	TimeSinceLastAcceptedMS *int64 `json:"time_since_last_accepted,omitempty"`
	TypingSpeed             *int   `json:"typing_speed,omitempty"`
}

// CompletionRequest is the payload of a completion.request frame.
type CompletionRequest struct {
	ModelIDs []int       `json:"model_ids"`
	Context  CodeContext `json:"context"`
	// ProjectToken scopes the request to a project's shared context. Must
	// be attached to the requesting session.
	ProjectToken        string               `json:"project_token,omitempty"`
	ContextualTelemetry *ContextualTelemetry `json:"contextual_telemetry,omitempty"`
	BehavioralTelemetry *BehavioralTelemetry `json:"behavioral_telemetry,omitempty"`
	// ChangeIndices selects which multi-file context change-log entries to
	// incorporate, per file path.
	ChangeIndices map[string]int64 `json:"change_indices,omitempty"`
	StopSequences []string         `json:"stop_sequences,omitempty"`
}

// ModelReply is the per-model reply payload carried by completion.partial
// and chat.partial frames.
type ModelReply struct {
	ModelID          int       `json:"model_id"`
	Completion       string    `json:"completion,omitempty"`
	Confidence       float64   `json:"confidence"`
	Logprobs         []float64 `json:"logprobs,omitempty"`
	GenerationTimeMS int64     `json:"generation_time_ms"`
	Error            string    `json:"error,omitempty"`
}

// CompletionFinal seals a request: every model either replied or is listed
// as timed out.
type CompletionFinal struct {
	Replied  []int `json:"replied"`
	TimedOut []int `json:"timed_out,omitempty"`
	// Timeout is set when the request deadline fired before all models
	// reported.
	Timeout bool `json:"timeout,omitempty"`
}

// CompletionFeedback is the payload of a completion.feedback frame.
type CompletionFeedback struct {
	RequestID   string   `json:"request_id"`
	ModelID     int      `json:"model_id"`
	Accepted    bool     `json:"accepted"`
	ShownAt     []string `json:"shown_at,omitempty"`
	GroundTruth string   `json:"ground_truth,omitempty"`
}

// ChatMessage is one turn in a chat history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the payload of a chat.request frame.
type ChatRequest struct {
	ChatID              string               `json:"chat_id"`
	ModelID             int                  `json:"model_id"`
	Messages            []ChatMessage        `json:"messages"`
	ContextualTelemetry *ContextualTelemetry `json:"contextual_telemetry,omitempty"`
	BehavioralTelemetry *BehavioralTelemetry `json:"behavioral_telemetry,omitempty"`
}

// InferenceComplete is the payload of the internal inference.complete frame.
type InferenceComplete struct {
	ModelIDs []int `json:"model_ids"`
}

// ContextUpdate is the payload of a context.update frame.
type ContextUpdate struct {
	ProjectToken string   `json:"project_token"`
	FilePath     string   `json:"file_path"`
	StartLine    int      `json:"start_line"`
	EndLine      int      `json:"end_line"`
	NewLines     []string `json:"new_lines"`
}

// ContextAck acknowledges a context.update to its originator.
type ContextAck struct {
	FilePath    string `json:"file_path"`
	ChangeIndex int64  `json:"change_index"`
}

// ContextBroadcast notifies project peers of a context change.
type ContextBroadcast struct {
	ProjectToken string `json:"project_token"`
	ChangeIndex  int64  `json:"change_index"`
	FilePath     string `json:"file_path"`
	Digest       string `json:"digest"`
}
