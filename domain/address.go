// Package domain contains core concepts of the conference chat engine.
// This file defines identities. Addresses are opaque: normalization and
// wire syntax belong to the transport layer.
package domain

// Address identifies a user, a peer or a conference hosted by the focus.
type Address string

// DeviceID identifies one device instance of a participant. A participant
// may own several devices; membership and admin rights belong to the
// participant, never to a device.
type DeviceID string
