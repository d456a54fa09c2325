package models

import (
	"fmt"
	"strings"
	"time"
)

// SessionProtocol enumerates the ingest protocols a streaming session can be
// created with. The set is closed; unrecognized values are rejected at the
// boundary.
type SessionProtocol string

const (
	ProtocolRTMPPush SessionProtocol = "rtmp-push"
	ProtocolSRT      SessionProtocol = "srt"
	ProtocolWebRTC   SessionProtocol = "webrtc"
	ProtocolLLHLS    SessionProtocol = "llhls"
	ProtocolOVT      SessionProtocol = "ovt"
)

// ParseSessionProtocol validates a raw protocol string against the closed set.
func ParseSessionProtocol(raw string) (SessionProtocol, error) {
	switch SessionProtocol(strings.ToLower(strings.TrimSpace(raw))) {
	case ProtocolRTMPPush:
		return ProtocolRTMPPush, nil
	case ProtocolSRT:
		return ProtocolSRT, nil
	case ProtocolWebRTC:
		return ProtocolWebRTC, nil
	case ProtocolLLHLS:
		return ProtocolLLHLS, nil
	case ProtocolOVT:
		return ProtocolOVT, nil
	default:
		return "", fmt.Errorf("unsupported session protocol %q", raw)
	}
}

// SessionStatus is the lifecycle state of a streaming session. Sessions move
// inactive -> active -> ended and never backwards; "active" is the single
// canonical live state.
type SessionStatus string

const (
	SessionInactive SessionStatus = "inactive"
	SessionActive   SessionStatus = "active"
	SessionEnded    SessionStatus = "ended"
)

// ParseSessionStatus validates a raw status string against the closed set.
func ParseSessionStatus(raw string) (SessionStatus, error) {
	switch SessionStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case SessionInactive:
		return SessionInactive, nil
	case SessionActive:
		return SessionActive, nil
	case SessionEnded:
		return SessionEnded, nil
	default:
		return "", fmt.Errorf("unsupported session status %q", raw)
	}
}

// TargetStatus is the connection state of a publishing target.
type TargetStatus string

const (
	TargetDisconnected TargetStatus = "disconnected"
	TargetConnecting   TargetStatus = "connecting"
	TargetConnected    TargetStatus = "connected"
	TargetPublishing   TargetStatus = "publishing"
	TargetError        TargetStatus = "error"
	TargetEnded        TargetStatus = "ended"
)

// ParseTargetStatus validates a raw status string against the closed set.
func ParseTargetStatus(raw string) (TargetStatus, error) {
	switch TargetStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case TargetDisconnected:
		return TargetDisconnected, nil
	case TargetConnecting:
		return TargetConnecting, nil
	case TargetConnected:
		return TargetConnected, nil
	case TargetPublishing:
		return TargetPublishing, nil
	case TargetError:
		return TargetError, nil
	case TargetEnded:
		return TargetEnded, nil
	default:
		return "", fmt.Errorf("unsupported target status %q", raw)
	}
}

// MetricCategory is the fixed taxonomy quality measurements are filed under.
type MetricCategory string

const (
	CategoryStreaming MetricCategory = "streaming"
	CategoryAPI       MetricCategory = "api"
	CategorySystem    MetricCategory = "system"
	CategoryAuth      MetricCategory = "auth"
)

// Categories returns the full fixed taxonomy in reporting order.
func Categories() []MetricCategory {
	return []MetricCategory{CategoryStreaming, CategoryAPI, CategorySystem, CategoryAuth}
}

// ParseMetricCategory validates a raw category string against the taxonomy.
func ParseMetricCategory(raw string) (MetricCategory, error) {
	switch MetricCategory(strings.ToLower(strings.TrimSpace(raw))) {
	case CategoryStreaming:
		return CategoryStreaming, nil
	case CategoryAPI:
		return CategoryAPI, nil
	case CategorySystem:
		return CategorySystem, nil
	case CategoryAuth:
		return CategoryAuth, nil
	default:
		return "", fmt.Errorf("unsupported metric category %q", raw)
	}
}

// Role determines how many sessions an owner may keep active at once.
type Role string

const (
	RoleStandard Role = "standard"
	RolePremium  Role = "premium"
	RoleAdmin    Role = "admin"
)

// ParseRole validates a raw role string against the closed set.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleStandard:
		return RoleStandard, nil
	case RolePremium:
		return RolePremium, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("unsupported role %q", raw)
	}
}

// MaxActiveSessions returns the concurrent-active-session cap for the role.
func (r Role) MaxActiveSessions() int {
	switch r {
	case RoleAdmin:
		return 100
	case RolePremium:
		return 10
	default:
		return 3
	}
}

// StreamSession is the authoritative record of one streaming session. The
// stream key is generated exactly once at creation and never rotated.
type StreamSession struct {
	ID             string          `json:"id"`
	OwnerID        string          `json:"ownerId"`
	Protocol       SessionProtocol `json:"protocol"`
	Status         SessionStatus   `json:"status"`
	StreamKey      string          `json:"streamKey,omitempty"`
	CurrentViewers int             `json:"currentViewers"`
	PeakViewers    int             `json:"peakViewers"`
	CreatedAt      time.Time       `json:"createdAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	EndedAt        *time.Time      `json:"endedAt,omitempty"`
}

// Duration reports the elapsed stream time. Zero until the session has both
// started and ended.
func (s StreamSession) Duration() time.Duration {
	if s.StartedAt == nil || s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(*s.StartedAt)
}

// PublishingTarget describes an onward push destination such as a third-party
// RTMP ingest. Status is driven exclusively by the publishing orchestrator.
type PublishingTarget struct {
	ID              string       `json:"id"`
	OwnerID         string       `json:"ownerId"`
	SessionID       *string      `json:"sessionId,omitempty"`
	Name            string       `json:"name"`
	URL             string       `json:"url"`
	StreamKey       string       `json:"streamKey,omitempty"`
	Enabled         bool         `json:"enabled"`
	Status          TargetStatus `json:"status"`
	LastError       string       `json:"lastError,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	LastConnectedAt *time.Time   `json:"lastConnectedAt,omitempty"`
}

// MetricRecord is one immutable quality measurement. SigmaLevel and Passes
// are derived from (Value, Target) at write time and never recomputed.
type MetricRecord struct {
	ID         string         `json:"id"`
	Category   MetricCategory `json:"category"`
	MetricType string         `json:"metricType"`
	Value      float64        `json:"value"`
	Target     float64        `json:"target"`
	SigmaLevel float64        `json:"sigmaLevel"`
	Passes     bool           `json:"passes"`
	RecordedAt time.Time      `json:"recordedAt"`
}
