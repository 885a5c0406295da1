package models

import "time"

// Broadcast channels observers can subscribe to
const (
	ChannelFleetStatus    = "fleet_status"
	ChannelDeployments    = "deployments"
	ChannelMachineUpdates = "machine_updates"
	ChannelAlerts         = "alerts"
)

// Channels lists every channel the broadcaster accepts subscriptions for
var Channels = []string{
	ChannelFleetStatus,
	ChannelDeployments,
	ChannelMachineUpdates,
	ChannelAlerts,
}

// ValidChannel reports whether name is a known channel
func ValidChannel(name string) bool {
	for _, c := range Channels {
		if c == name {
			return true
		}
	}
	return false
}

// Server to client message types
const (
	MessageConnectionEstablished   = "connection_established"
	MessageSubscriptionConfirmed   = "subscription_confirmed"
	MessageUnsubscriptionConfirmed = "unsubscription_confirmed"
	MessagePong                    = "pong"
	MessageSubscriptions           = "subscriptions"
	MessageError                   = "error"

	MessageMachineStatus      = "machine_status"
	MessageDeploymentUpdate   = "deployment_update"
	MessageDeploymentProgress = "deployment_progress"
	MessageFleetStatistics    = "fleet_statistics"
	MessageAlert              = "alert"
)

// Client to server message types
const (
	ClientSubscribe        = "subscribe"
	ClientUnsubscribe      = "unsubscribe"
	ClientPing             = "ping"
	ClientGetSubscriptions = "get_subscriptions"
)

// Message is the envelope every server to client frame uses
type Message struct {
	MessageType string      `json:"message_type"`
	Timestamp   time.Time   `json:"timestamp"`
	Channel     string      `json:"channel,omitempty"`
	Data        interface{} `json:"data,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// NewMessage creates an envelope stamped with the current time
func NewMessage(messageType string, data interface{}) Message {
	return Message{
		MessageType: messageType,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	}
}

// ClientMessage is a frame sent by an observer
type ClientMessage struct {
	Type     string      `json:"type"`
	Channels []string    `json:"channels,omitempty"`
	Data     interface{} `json:"data,omitempty"`
}

// AlertSeverity classifies alerts
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is published on the alerts channel
type Alert struct {
	Severity     AlertSeverity `json:"severity"`
	Title        string        `json:"title"`
	Message      string        `json:"message"`
	MachineID    string        `json:"machine_id,omitempty"`
	DeploymentID string        `json:"deployment_id,omitempty"`
}
