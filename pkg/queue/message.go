package queue

import "time"

// DispatchMessage is the wire format pushed onto the delayed dispatch queue
// and popped by the queue consumer.
type DispatchMessage struct {
	DeliveryID      string    `json:"deliveryId"`
	InstanceID      string    `json:"instanceId"`
	SiteID          string    `json:"siteId"`
	SiteURL         string    `json:"siteUrl"`
	ScheduledFor    time.Time `json:"scheduledFor"`
	EnqueuedAt      time.Time `json:"enqueuedAt"`
	DispatchAttempt int       `json:"dispatchAttempt"`
}
