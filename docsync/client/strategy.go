package client

// DeliveryStrategy decides whether an unacknowledged local change is sent again
// after a reconnect. `wasSent` is true if the change was transmitted on the lost connection.
type DeliveryStrategy[T any, SpecT any] func(serverState T, change SpecT, wasSent bool) bool

// AtLeastOnce always resends. A change that reached the server before the
// disconnect may be applied twice.
func AtLeastOnce[T any, SpecT any]() DeliveryStrategy[T, SpecT] {
	return func(serverState T, change SpecT, wasSent bool) bool {
		return true
	}
}

// AtMostOnce drops anything that was transmitted. A change lost with the
// connection is not applied.
func AtMostOnce[T any, SpecT any]() DeliveryStrategy[T, SpecT] {
	return func(serverState T, change SpecT, wasSent bool) bool {
		return !wasSent
	}
}
