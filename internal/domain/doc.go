// Package domain defines the entities exchanged with the PSE payment gateway
// and the model server, plus the typed errors the rest of the BFA matches on.
// These types carry their own wire format and have no knowledge of transport.
package domain
