// Package events defines event types and enumerations for the proxy event
// system.
package events

import "time"

// EventType represents the type of event emitted through the EventBus.
type EventType string

const (
	// Connection events
	EventHubConnection    EventType = "hub_connection"
	EventClientConnection EventType = "client_connection"

	// Protocol events
	EventActivityChanged EventType = "activity_changed"
	EventAppActivation   EventType = "app_activation"
	EventCatalogUpdated  EventType = "catalog_updated"
	EventBurstEnded      EventType = "burst_ended"

	// Notification events
	EventNotifyMQTT EventType = "notify_mqtt"

	// System events
	EventConfigChanged EventType = "config_changed"
	EventShutdown      EventType = "shutdown"
)

// Event represents a single event in the system.
type Event struct {
	Type    EventType
	Source  string
	Payload interface{}
}

// ConnectionPayload reports a hub or app socket coming or going.
type ConnectionPayload struct {
	Connected bool
	Remote    string
}

// ActivityChangedPayload is emitted when the hub's current activity flips.
type ActivityChangedPayload struct {
	ActivityID   int // -1 when no activity is active
	PreviousID   int
	ActivityName string
}

// AppActivationPayload describes a command the vendor app sent to the hub.
type AppActivationPayload struct {
	Timestamp    time.Time
	Direction    string
	EntityID     byte
	EntityKind   string // "activity" or "device"
	EntityName   string
	CommandID    byte
	CommandLabel string
	ButtonLabel  string
}

// CatalogUpdatedPayload is emitted when catalog rows change a cache section.
type CatalogUpdatedPayload struct {
	Section  string // "activities", "devices", "commands", "buttons", "macros", "favorites"
	EntityID int    // -1 for catalog-wide updates
}

// BurstEndedPayload reports a settled response burst.
type BurstEndedPayload struct {
	Kind string
}

// ConfigChangedPayload is emitted when configuration changes occur.
type ConfigChangedPayload struct {
	Section string
	Key     string
	Value   interface{}
}
