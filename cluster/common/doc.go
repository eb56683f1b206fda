// Package common contains the types shared by all cluster components: the
// inter-node Message with its tagged type and payload structures, the
// SHA-256 payload checksums, the static cluster configuration and the
// named-logger factory.
//
// A Message is built through one of the New* factory functions, which seal
// the payload with its checksum. Receivers verify the checksum before a
// frame is dispatched to application logic; frames that fail verification
// are dropped.
package common
