package market

import "time"

// ConnectionState tracks where a provider sits in its lifecycle.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// HealthStatus is a point-in-time snapshot of one provider's condition.
type HealthStatus struct {
	ProviderID    string          `json:"provider_id"`
	State         ConnectionState `json:"state"`
	Connected     bool            `json:"connected"`
	LastMessageAt time.Time       `json:"last_message_at"`
	MessageCount  int64           `json:"message_count"`
	ErrorCount    int64           `json:"error_count"`
	Subscribed    int             `json:"subscribed"`
}

// UpdateHandler receives normalized updates from a provider.
type UpdateHandler func(u *Update)

// Provider is the uniform venue connector contract. Implementations own
// their receive loops, keep-alive pings, and reconnection; Connect returns
// once the initial subscription round is sent.
type Provider interface {
	ID() string
	Connect() error
	Disconnect() error
	IsConnected() bool
	Subscribe(symbols []string) error
	Unsubscribe(symbols []string) error
	AvailableSymbols() []string
	OnUpdate(handler UpdateHandler)
	HealthStatus() HealthStatus
}
